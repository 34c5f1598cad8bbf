package feedsync

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/golang/glog"
)

// Client composes the session, REST api, shared push transport, room
// manager, and ingestor for one logged-in user. Screens open scope sessions
// through it; each open scope owns exactly one store, fed by one serialized
// inbound queue.

type ClientSettings struct {
	StoreSettings     *StoreSettings
	TransportSettings *PushTransportSettings
	// capacity of each scope's inbound queue
	QueueSize int
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		StoreSettings:     DefaultStoreSettings(),
		TransportSettings: DefaultPushTransportSettings(),
		QueueSize:         256,
	}
}

type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *ClientSettings

	session   *Session
	api       *FeedApi
	transport *PushTransport
	rooms     *RoomManager
	ingestor  *Ingestor
	fetcher   *SnapshotFetcher

	stateLock     sync.Mutex
	scopeSessions map[Scope]*ScopeSession

	removeReceiveCallback func()
}

func NewClientWithDefaults(ctx context.Context, apiUrl string, transportUrl string) *Client {
	return NewClient(ctx, apiUrl, transportUrl, DefaultClientSettings())
}

func NewClient(ctx context.Context, apiUrl string, transportUrl string, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)

	session := NewSession()
	api := NewFeedApiWithContext(cancelCtx, apiUrl, session)
	transport := NewPushTransport(cancelCtx, transportUrl, session, settings.TransportSettings)
	rooms := NewRoomManager(session, transport)

	client := &Client{
		ctx:           cancelCtx,
		cancel:        cancel,
		settings:      settings,
		session:       session,
		api:           api,
		transport:     transport,
		rooms:         rooms,
		scopeSessions: map[Scope]*ScopeSession{},
	}
	client.ingestor = NewIngestor(
		rooms.IsJoined,
		client.routeMutation,
		client.invalidateScope,
	)
	client.fetcher = NewSnapshotFetcher(cancelCtx, session, NewApiSnapshotSource(api))
	client.removeReceiveCallback = transport.AddReceiveCallback(client.handleMessage)

	return client
}

func (self *Client) Session() *Session {
	return self.session
}

func (self *Client) Api() *FeedApi {
	return self.api
}

func (self *Client) Transport() *PushTransport {
	return self.transport
}

// Login authenticates and installs the session token.
func (self *Client) Login(username string, password string) error {
	_, err := self.api.AuthLoginSync(&AuthLoginArgs{
		Username: username,
		Password: password,
	})
	return err
}

// Logout closes every open scope and clears the session.
func (self *Client) Logout() {
	self.stateLock.Lock()
	scopeSessions := make([]*ScopeSession, 0, len(self.scopeSessions))
	for _, scopeSession := range self.scopeSessions {
		scopeSessions = append(scopeSessions, scopeSession)
	}
	self.stateLock.Unlock()

	for _, scopeSession := range scopeSessions {
		scopeSession.Close()
	}

	self.api.AuthLogout(NewNoopApiCallback[*AuthLogoutResult]())
}

// all push channel frames land here. join errors route to the room
// manager; everything else flows through the ingestor.
func (self *Client) handleMessage(message []byte) {
	var frame PushFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		glog.Infof("[client]dropped unparseable frame = %s\n", err)
		return
	}
	if frame.Type == MessageTypeJoinError {
		self.rooms.HandleJoinError(&frame)
		return
	}
	self.ingestor.HandleFrame(&frame)
}

func (self *Client) routeMutation(mutation *Mutation) {
	self.stateLock.Lock()
	scopeSession := self.scopeSessions[mutation.Scope]
	self.stateLock.Unlock()

	if scopeSession == nil {
		glog.V(2).Infof("[client]dropped mutation for closed scope %s\n", mutation.Scope)
		return
	}
	scopeSession.submit(func() {
		scopeSession.store.Apply(mutation)
		scopeSession.notifyChange()
	})
}

// invalidateScope handles group_deleted/group_left: evict room membership,
// transition the store to Invalidated, and surface the signal so dependent
// views evict and redirect.
func (self *Client) invalidateScope(scope Scope) {
	self.rooms.Evict(scope)

	self.stateLock.Lock()
	scopeSession := self.scopeSessions[scope]
	self.stateLock.Unlock()

	if scopeSession == nil {
		return
	}
	scopeSession.submit(func() {
		scopeSession.store.Invalidate()
		scopeSession.notifyChange()
	})
	scopeSession.notifyError(ErrScopeInvalidated)
}

// OpenScope joins the scope's room, seeds page 1, and returns the live
// scope session. Opening an already-open scope returns the existing
// session.
func (self *Client) OpenScope(scope Scope) (*ScopeSession, error) {
	if !self.session.IsSessionValid() {
		return nil, ErrSessionExpired
	}

	self.stateLock.Lock()
	if scopeSession, ok := self.scopeSessions[scope]; ok {
		self.stateLock.Unlock()
		return scopeSession, nil
	}
	scopeSession := newScopeSession(self, scope)
	self.scopeSessions[scope] = scopeSession
	self.stateLock.Unlock()

	self.transport.Retain()

	err := self.rooms.Join(scope, func(err error) {
		scopeSession.submit(func() {
			scopeSession.store.Invalidate()
			scopeSession.notifyChange()
		})
		scopeSession.notifyError(err)
	})
	if err != nil {
		self.detachScope(scopeSession)
		scopeSession.dispose()
		self.transport.Release()
		return nil, err
	}

	scopeSession.start()
	scopeSession.LoadPage(1)
	return scopeSession, nil
}

func (self *Client) isScopeActive(scope Scope, scopeSession *ScopeSession) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.scopeSessions[scope] == scopeSession
}

func (self *Client) detachScope(scopeSession *ScopeSession) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.scopeSessions[scopeSession.scope] == scopeSession {
		delete(self.scopeSessions, scopeSession.scope)
	}
}

func (self *Client) Close() {
	self.stateLock.Lock()
	scopeSessions := make([]*ScopeSession, 0, len(self.scopeSessions))
	for _, scopeSession := range self.scopeSessions {
		scopeSessions = append(scopeSessions, scopeSession)
	}
	self.stateLock.Unlock()

	for _, scopeSession := range scopeSessions {
		scopeSession.Close()
	}

	if self.removeReceiveCallback != nil {
		self.removeReceiveCallback()
	}
	self.rooms.Close()
	self.transport.Close()
	self.api.Close()
	self.cancel()
}

// ScopeSession is the live binding of one scope: its store, the serialized
// inbound queue that applies every snapshot result and mutation one at a
// time, the intent tracker, and the projection accessors.
type ScopeSession struct {
	ctx    context.Context
	cancel context.CancelFunc

	client *Client
	scope  Scope
	store  *Store

	queue chan func()

	intents *IntentTracker

	errorCallbacks  *CallbackList[func(err error)]
	changeCallbacks *CallbackList[func()]

	removeConnectionStatusCallback func()

	closeOnce sync.Once
}

func newScopeSession(client *Client, scope Scope) *ScopeSession {
	cancelCtx, cancel := context.WithCancel(client.ctx)
	scopeSession := &ScopeSession{
		ctx:             cancelCtx,
		cancel:          cancel,
		client:          client,
		scope:           scope,
		store:           NewStore(scope, client.settings.StoreSettings),
		queue:           make(chan func(), client.settings.QueueSize),
		errorCallbacks:  NewCallbackList[func(err error)](),
		changeCallbacks: NewCallbackList[func()](),
	}
	scopeSession.intents = NewIntentTracker(
		client.session,
		client.api,
		scope,
		scopeSession.store,
		scopeSession.submit,
		client.ingestor.nextSeq,
	)
	return scopeSession
}

func (self *ScopeSession) start() {
	go self.run()

	// recovery path after a transport gap: rejoin happens in the room
	// manager; the data gap is closed by re-fetching the first page
	self.removeConnectionStatusCallback = self.client.transport.AddConnectionStatusCallback(
		func(connected bool) {
			if connected {
				self.LoadPage(1)
			}
		},
	)
}

func (self *ScopeSession) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case task := <-self.queue:
			task()
		}
	}
}

// submit serializes a task onto the scope's inbound queue. Returns false if
// the session has been disposed; the task is dropped, matching the rule
// that completions of in-flight work are ignored after disposal.
func (self *ScopeSession) submit(task func()) bool {
	select {
	case <-self.ctx.Done():
		return false
	case self.queue <- task:
		return true
	}
}

// runSync executes a task on the queue and waits for it, giving reads a
// consistent view without locks.
func (self *ScopeSession) runSync(task func()) bool {
	done := make(chan struct{})
	submitted := self.submit(func() {
		defer close(done)
		task()
	})
	if !submitted {
		return false
	}
	select {
	case <-done:
		return true
	case <-self.ctx.Done():
		return false
	}
}

func (self *ScopeSession) Scope() Scope {
	return self.scope
}

func (self *ScopeSession) Intents() *IntentTracker {
	return self.intents
}

func (self *ScopeSession) State() StoreState {
	state := StoreStateInvalidated
	self.runSync(func() {
		state = self.store.State()
	})
	return state
}

// LoadPage fetches one snapshot page into the store. The fetch is discarded
// if this session is no longer the scope's active one when it completes.
func (self *ScopeSession) LoadPage(page int) {
	submitted := self.submit(func() {
		self.store.BeginLoad(page)
	})
	if !submitted {
		return
	}

	isActive := func(scope Scope) bool {
		return self.client.isScopeActive(scope, self)
	}
	self.client.fetcher.Fetch(self.scope, page, isActive, func(snapshotPage *SnapshotPage, err error) {
		if err != nil {
			glog.Infof("[scope]%s page %d fetch error = %s\n", self.scope, page, err)
			self.notifyError(err)
			return
		}
		self.submit(func() {
			self.store.SeedPage(snapshotPage)
			self.notifyChange()
		})
	})
}

// LoadRoster seeds the member list from the group description. Roster
// changes after the seed arrive as member_joined/member_left events.
func (self *ScopeSession) LoadRoster() {
	isActive := func(scope Scope) bool {
		return self.client.isScopeActive(scope, self)
	}
	self.client.fetcher.FetchRoster(self.scope, isActive, func(snapshotPage *SnapshotPage, err error) {
		if err != nil {
			glog.Infof("[scope]%s roster fetch error = %s\n", self.scope, err)
			self.notifyError(err)
			return
		}
		self.submit(func() {
			self.store.SeedPage(snapshotPage)
			self.notifyChange()
		})
	})
}

// Feed projects the current post list. Empty once invalidated.
func (self *ScopeSession) Feed() *FeedView {
	view := &FeedView{
		Scope: self.scope,
		State: StoreStateInvalidated,
		Posts: []*PostView{},
	}
	self.runSync(func() {
		view = ProjectFeed(self.store)
	})
	return view
}

// Chat projects the current transcript. Empty once invalidated.
func (self *ScopeSession) Chat() *ChatView {
	view := &ChatView{
		Scope:    self.scope,
		State:    StoreStateInvalidated,
		Messages: []*MessageView{},
	}
	self.runSync(func() {
		view = ProjectChat(self.store)
	})
	return view
}

// Roster projects the current member list. Empty once invalidated.
func (self *ScopeSession) Roster() *RosterView {
	view := &RosterView{
		Scope:   self.scope,
		State:   StoreStateInvalidated,
		Members: []*MemberView{},
	}
	self.runSync(func() {
		view = ProjectRoster(self.store)
	})
	return view
}

// AddErrorCallback surfaces join failures, fetch failures, and scope
// invalidation. The error taxonomy distinguishes redirect-to-login
// (ErrSessionExpired), inline message (ErrScopeForbidden), and
// notice-then-redirect (ErrScopeNotFound, ErrScopeInvalidated).
func (self *ScopeSession) AddErrorCallback(errorCallback func(err error)) func() {
	callbackId := self.errorCallbacks.Add(errorCallback)
	return func() {
		self.errorCallbacks.Remove(callbackId)
	}
}

// AddChangeCallback fires after every applied batch so screens re-project.
func (self *ScopeSession) AddChangeCallback(changeCallback func()) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *ScopeSession) notifyError(err error) {
	for _, errorCallback := range self.errorCallbacks.Get() {
		errorCallback(err)
	}
}

// change notifications are delivered off the queue goroutine so a callback
// can re-project (which serializes through the queue) without deadlocking
func (self *ScopeSession) notifyChange() {
	changeCallbacks := self.changeCallbacks.Get()
	if len(changeCallbacks) == 0 {
		return
	}
	go func() {
		for _, changeCallback := range changeCallbacks {
			changeCallback()
		}
	}()
}

func (self *ScopeSession) dispose() {
	self.cancel()
	if self.removeConnectionStatusCallback != nil {
		self.removeConnectionStatusCallback()
	}
}

// Close leaves the room, detaches the store from the ingestor, and disposes
// the session. Pending fetches are discarded on completion; in-flight
// optimistic writes are not cancelled but their completions are ignored.
func (self *ScopeSession) Close() {
	self.closeOnce.Do(func() {
		self.client.rooms.Leave(self.scope)
		self.client.detachScope(self)
		self.dispose()
		self.client.transport.Release()
	})
}
