package feedsync

import (
	"sort"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// RoomTransport is what the room manager needs from the push transport.
type RoomTransport interface {
	SendFrame(frame *PushFrame) error
	AddConnectionStatusCallback(connectionStatusCallback connectionStatusFunction) func()
}

type roomState struct {
	scope Scope
	// join order, kept so reconnect replays rooms in the order they were
	// joined. order does not matter for correctness, only completeness.
	joinOrder int
	onError   func(err error)
}

// RoomManager tracks which rooms this client holds on the push channel.
// Join is idempotent. Held rooms are rejoined after every reconnect. A
// failed join surfaces a scope-unauthorized error distinct from a
// scope-not-found error; the two map to different user-facing outcomes.
type RoomManager struct {
	session   *Session
	transport RoomTransport

	stateLock sync.Mutex
	nextOrder int
	rooms     map[Scope]*roomState

	removeConnectionStatusCallback func()
}

func NewRoomManager(session *Session, transport RoomTransport) *RoomManager {
	manager := &RoomManager{
		session:   session,
		transport: transport,
		rooms:     map[Scope]*roomState{},
	}
	manager.removeConnectionStatusCallback = transport.AddConnectionStatusCallback(
		func(connected bool) {
			if connected {
				manager.rejoinAll()
			}
		},
	)
	return manager
}

// Join subscribes the scope's room. Joining an already-joined scope is a
// no-op. The join is also recorded while the transport is down and replayed
// on reconnect. onError receives ErrScopeForbidden or ErrScopeNotFound when
// the server rejects the join.
func (self *RoomManager) Join(scope Scope, onError func(err error)) error {
	if !self.session.IsSessionValid() {
		return ErrSessionExpired
	}

	self.stateLock.Lock()
	if _, ok := self.rooms[scope]; ok {
		self.stateLock.Unlock()
		return nil
	}
	self.rooms[scope] = &roomState{
		scope:     scope,
		joinOrder: self.nextOrder,
		onError:   onError,
	}
	self.nextOrder += 1
	self.stateLock.Unlock()

	err := self.transport.SendFrame(&PushFrame{
		Type:  MessageTypeJoin,
		Scope: RefForScope(scope),
	})
	if err != nil {
		// held for the reconnect replay
		glog.V(2).Infof("[room]join %s deferred = %s\n", scope, err)
	}
	return nil
}

// Leave unsubscribes the scope's room. Leaving before (or concurrently
// with) joining the replacement room keeps a retired store from receiving a
// duplicate event stream.
func (self *RoomManager) Leave(scope Scope) {
	self.stateLock.Lock()
	_, ok := self.rooms[scope]
	delete(self.rooms, scope)
	self.stateLock.Unlock()

	if !ok {
		return
	}

	err := self.transport.SendFrame(&PushFrame{
		Type:  MessageTypeLeave,
		Scope: RefForScope(scope),
	})
	if err != nil {
		glog.V(2).Infof("[room]leave %s skipped = %s\n", scope, err)
	}
}

// Evict drops membership without a leave control message. Used when the
// room ceased to exist server side (scope invalidated).
func (self *RoomManager) Evict(scope Scope) {
	self.stateLock.Lock()
	delete(self.rooms, scope)
	self.stateLock.Unlock()
}

func (self *RoomManager) IsJoined(scope Scope) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	_, ok := self.rooms[scope]
	return ok
}

// JoinedScopes returns the held scopes in join order.
func (self *RoomManager) JoinedScopes() []Scope {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.joinedScopesLocked()
}

func (self *RoomManager) joinedScopesLocked() []Scope {
	states := maps.Values(self.rooms)
	sort.Slice(states, func(i int, j int) bool {
		return states[i].joinOrder < states[j].joinOrder
	})
	scopes := make([]Scope, len(states))
	for i, state := range states {
		scopes[i] = state.scope
	}
	return scopes
}

func (self *RoomManager) rejoinAll() {
	scopes := self.JoinedScopes()
	for _, scope := range scopes {
		err := self.transport.SendFrame(&PushFrame{
			Type:  MessageTypeJoin,
			Scope: RefForScope(scope),
		})
		if err != nil {
			glog.Infof("[room]rejoin %s failed = %s\n", scope, err)
		}
	}
}

// HandleJoinError routes a join_error frame to the joining caller. The room
// is dropped; a forbidden or missing room is not retried on reconnect.
func (self *RoomManager) HandleJoinError(frame *PushFrame) {
	scope := frame.Scope.Scope()

	self.stateLock.Lock()
	state, ok := self.rooms[scope]
	delete(self.rooms, scope)
	self.stateLock.Unlock()

	if !ok {
		return
	}

	var err error
	switch ApiErrorCode(frame.Code) {
	case ApiErrorForbidden:
		err = ErrScopeForbidden
	case ApiErrorNotFound:
		err = ErrScopeNotFound
	case ApiErrorUnauthorized:
		err = ErrSessionExpired
	default:
		err = ErrScopeNotFound
	}

	glog.Infof("[room]join %s rejected = %s\n", scope, err)
	if state.onError != nil {
		state.onError(err)
	}
}

func (self *RoomManager) Close() {
	if self.removeConnectionStatusCallback != nil {
		self.removeConnectionStatusCallback()
	}
}
