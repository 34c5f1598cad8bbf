package feedsync

import (
	"sort"
	"time"

	"github.com/golang/glog"
)

// Store is the per-scope reconciliation collection. It merges paginated
// snapshot pages and streamed mutations into one consistent view with
// idempotent apply semantics.
//
// The store is single-writer: all mutations are serialized through one
// inbound queue per scope (see ScopeSession), so the store itself takes no
// locks. It never returns errors for malformed input; it logs and no-ops,
// prioritizing availability of the view over strict validation.
//
// state machine:
//
//	Uninitialized
//	  -> Loading (BeginLoad)
//	    -> Ready (first page seeded; buffered mutations flushed in
//	              ReceivedSeq order)
//	  -> Invalidated (terminal; a new store instance replaces this one when
//	                  the scope is rejoined)
type StoreState string

const (
	StoreStateUninitialized StoreState = "Uninitialized"
	StoreStateLoading       StoreState = "Loading"
	StoreStateReady         StoreState = "Ready"
	StoreStateInvalidated   StoreState = "Invalidated"
)

func (self StoreState) IsTerminal() bool {
	return self == StoreStateInvalidated
}

type StoreSettings struct {
	// buffered mutations held while Uninitialized/Loading
	MaxBufferedMutations int
	// an orphan mutation (update or comment ahead of its owner) is dropped
	// after this many subsequent unrelated mutations
	MaxOrphanAge int
	// and after this much wall time
	OrphanTtl time.Duration
	// counter idempotency keys retained per store
	MaxCounterKeys int
}

func DefaultStoreSettings() *StoreSettings {
	return &StoreSettings{
		MaxBufferedMutations: 1024,
		MaxOrphanAge:         64,
		OrphanTtl:            60 * time.Second,
		MaxCounterKeys:       4096,
	}
}

// one page of snapshot data for a scope. exactly one of the item slices is
// set, matching the scope kind.
type SnapshotPage struct {
	Scope      Scope
	Page       int
	TotalPages int
	FetchSeq   uint64

	Posts    []*Post
	Messages []*ChatMessage
	Members  []*GroupMember
}

type entrySource int

const (
	sourceSnapshot entrySource = iota
	sourceStream
)

type orphanMutation struct {
	mutation *Mutation
	// waiting on this entity id to appear
	waitId   EntityId
	age      int
	deadline time.Time
}

type Store struct {
	scope    Scope
	settings *StoreSettings

	state       StoreState
	loadingPage int
	totalPages  int
	// the roster tracks its own sequence: a roster seed must never mark a
	// slower in-flight primary page stale
	fetchSeq       uint64
	rosterFetchSeq uint64

	// posts keep streamed entries ahead of the paged slice; chat and roster
	// entries append in arrival order after it
	posts    *collection[*Post]
	messages *collection[*ChatMessage]
	members  *collection[*GroupMember]

	buffered []*Mutation
	orphans  []*orphanMutation

	// counter delta idempotency, insertion ordered for eviction
	counterKeys     map[string]bool
	counterKeyOrder []string

	log LogFunction
}

func NewStoreWithDefaults(scope Scope) *Store {
	return NewStore(scope, DefaultStoreSettings())
}

func NewStore(scope Scope, settings *StoreSettings) *Store {
	return &Store{
		scope:       scope,
		settings:    settings,
		state:       StoreStateUninitialized,
		posts:       newCollection[*Post](true),
		messages:    newCollection[*ChatMessage](false),
		members:     newCollection[*GroupMember](false),
		counterKeys: map[string]bool{},
		log:         LogFn(LogLevelDebug, "store"),
	}
}

func (self *Store) Scope() Scope {
	return self.scope
}

func (self *Store) State() StoreState {
	return self.state
}

func (self *Store) TotalPages() int {
	return self.totalPages
}

// BeginLoad marks a page fetch in flight. From Uninitialized this enters
// Loading; from Ready (page > 1 or a page reload) the state is unchanged and
// mutations keep applying immediately.
func (self *Store) BeginLoad(page int) {
	switch self.state {
	case StoreStateUninitialized:
		self.state = StoreStateLoading
		self.loadingPage = page
	case StoreStateLoading:
		self.loadingPage = page
	case StoreStateReady:
		// paging while live
	case StoreStateInvalidated:
		// terminal
	}
}

// SeedPage merges one snapshot page. Seeding the first page while loading
// transitions to Ready and flushes the mutation buffer in ReceivedSeq order.
// A page reload replaces only the snapshot-sourced slice, never entities
// introduced purely by streaming. Page N > 1 appends after the already-paged
// slice without disturbing streamed insertions.
func (self *Store) SeedPage(page *SnapshotPage) {
	if self.state == StoreStateInvalidated {
		self.log("[%s]seed dropped, store invalidated", self.scope)
		return
	}
	if page.Scope != self.scope {
		glog.Infof("[store]%s seed dropped for foreign scope %s\n", self.scope, page.Scope)
		return
	}
	if self.scope.Kind != ScopeKindChatGroup && page.Members != nil {
		// roster page. it rides beside the primary collection and never
		// drives the loading state machine
		if page.FetchSeq < self.rosterFetchSeq {
			self.log("[%s]roster seed dropped, stale fetch seq %d < %d", self.scope, page.FetchSeq, self.rosterFetchSeq)
			return
		}
		self.rosterFetchSeq = page.FetchSeq
		seedCollectionPage(self.members, page.Page, page.Members, memberId, newerMember)
		for _, member := range page.Members {
			self.flushOrphansFor(member.Id)
		}
		return
	}

	if page.FetchSeq < self.fetchSeq {
		// a newer fetch already merged
		self.log("[%s]seed dropped, stale fetch seq %d < %d", self.scope, page.FetchSeq, self.fetchSeq)
		return
	}
	self.fetchSeq = page.FetchSeq
	self.totalPages = page.TotalPages

	switch self.scope.Kind {
	case ScopeKindChatGroup:
		seedCollectionPage(self.messages, page.Page, page.Messages, messageId, newerMessage)
	case ScopeKindProfile, ScopeKindFeedGroup:
		seedCollectionPage(self.posts, page.Page, page.Posts, postId, newerPost)
	}

	if self.state == StoreStateUninitialized || self.state == StoreStateLoading {
		self.state = StoreStateReady
		self.flushBuffered()
	}

	// entities the snapshot just introduced release any held mutations,
	// same as a streamed create would
	switch self.scope.Kind {
	case ScopeKindChatGroup:
		for _, message := range page.Messages {
			self.flushOrphansFor(message.Id)
		}
	case ScopeKindProfile, ScopeKindFeedGroup:
		for _, post := range page.Posts {
			self.flushOrphansFor(post.Id)
		}
	}
}

func (self *Store) flushBuffered() {
	buffered := self.buffered
	self.buffered = nil
	sort.SliceStable(buffered, func(i int, j int) bool {
		return buffered[i].ReceivedSeq < buffered[j].ReceivedSeq
	})
	for _, mutation := range buffered {
		self.applyNow(mutation)
	}
}

// Apply routes one mutation through the state machine.
func (self *Store) Apply(mutation *Mutation) {
	switch self.state {
	case StoreStateInvalidated:
		// terminal, discard
		return
	case StoreStateUninitialized, StoreStateLoading:
		if self.settings.MaxBufferedMutations <= len(self.buffered) {
			glog.Infof("[store]%s buffer full, dropping oldest\n", self.scope)
			self.buffered = self.buffered[1:]
		}
		self.buffered = append(self.buffered, mutation)
		return
	case StoreStateReady:
		self.applyNow(mutation)
	}
}

func (self *Store) applyNow(mutation *Mutation) {
	if mutation.Scope != self.scope {
		glog.Infof("[store]%s dropped mutation for foreign scope %s\n", self.scope, mutation.Scope)
		return
	}

	switch mutation.Op {
	case MutationOpCreate:
		self.applyCreate(mutation)
	case MutationOpUpdate:
		self.applyUpdate(mutation)
	case MutationOpDelete:
		self.applyDelete(mutation)
	case MutationOpCounterDelta:
		self.applyCounterDelta(mutation)
	default:
		glog.Infof("[store]%s dropped unknown op %s\n", self.scope, mutation.Op)
		return
	}

	self.ageOrphans(mutation)
}

func (self *Store) applyCreate(mutation *Mutation) {
	switch mutation.EntityKind {
	case EntityKindPost:
		if mutation.Post == nil || mutation.EntityId == "" {
			self.log("[%s]create dropped, missing post payload", self.scope)
			return
		}
		if _, ok := self.posts.get(mutation.EntityId); ok {
			// duplicate delivery or race with the snapshot.
			// creation is idempotent by id.
			self.posts.update(mutation.EntityId, mutation.Post)
		} else {
			self.posts.insertStream(mutation.EntityId, mutation.Post)
		}
		self.flushOrphansFor(mutation.EntityId)
	case EntityKindComment:
		if mutation.Comment == nil || mutation.EntityId == "" {
			self.log("[%s]create dropped, missing comment payload", self.scope)
			return
		}
		self.applyCommentCreate(mutation)
	case EntityKindMessage:
		if mutation.Message == nil || mutation.EntityId == "" {
			self.log("[%s]create dropped, missing message payload", self.scope)
			return
		}
		if _, ok := self.messages.get(mutation.EntityId); ok {
			self.messages.update(mutation.EntityId, mutation.Message)
		} else {
			self.messages.insertStream(mutation.EntityId, mutation.Message)
		}
		self.flushOrphansFor(mutation.EntityId)
	case EntityKindMember:
		if mutation.Member == nil || mutation.EntityId == "" {
			self.log("[%s]create dropped, missing member payload", self.scope)
			return
		}
		if _, ok := self.members.get(mutation.EntityId); ok {
			self.members.update(mutation.EntityId, mutation.Member)
		} else {
			self.members.insertStream(mutation.EntityId, mutation.Member)
		}
		self.flushOrphansFor(mutation.EntityId)
	}
}

func (self *Store) applyCommentCreate(mutation *Mutation) {
	post, ok := self.posts.get(mutation.Comment.PostId)
	if !ok {
		// comment arrived ahead of its post. hold it until the post appears
		self.addOrphan(mutation, mutation.Comment.PostId)
		return
	}
	for i, comment := range post.Comments {
		if comment.Id == mutation.EntityId {
			// duplicate delivery, or the echoed event confirming an
			// optimistic entry. replace in place, order preserved.
			post.Comments[i] = mutation.Comment
			self.flushOrphansFor(mutation.EntityId)
			return
		}
	}
	// comments append in delivery order, never re-sorted by timestamp
	post.Comments = append(post.Comments, mutation.Comment)
	self.flushOrphansFor(mutation.EntityId)
}

func (self *Store) applyUpdate(mutation *Mutation) {
	switch mutation.EntityKind {
	case EntityKindPost:
		if mutation.Post == nil {
			self.log("[%s]update dropped, missing post payload", self.scope)
			return
		}
		post, ok := self.posts.get(mutation.EntityId)
		if !ok {
			// out-of-order delivery ahead of the owning create/snapshot
			self.addOrphan(mutation, mutation.EntityId)
			return
		}
		if newerPost(post, mutation.Post) {
			self.log("[%s]update dropped, older than current %s", self.scope, mutation.EntityId)
			return
		}
		// the replace keeps the comment list and like count when the update
		// payload does not carry them
		if mutation.Post.Comments == nil {
			mutation.Post.Comments = post.Comments
		}
		if mutation.Post.LikeCount == 0 {
			mutation.Post.LikeCount = post.LikeCount
		}
		self.posts.update(mutation.EntityId, mutation.Post)
	case EntityKindComment:
		if mutation.Comment == nil {
			self.log("[%s]update dropped, missing comment payload", self.scope)
			return
		}
		post, ok := self.posts.get(mutation.Comment.PostId)
		if !ok {
			self.addOrphan(mutation, mutation.Comment.PostId)
			return
		}
		for i, comment := range post.Comments {
			if comment.Id == mutation.EntityId {
				post.Comments[i] = mutation.Comment
				return
			}
		}
		// update ahead of the comment's own create
		self.addOrphan(mutation, mutation.EntityId)
	case EntityKindMessage:
		if mutation.Message == nil {
			return
		}
		if _, ok := self.messages.get(mutation.EntityId); ok {
			self.messages.update(mutation.EntityId, mutation.Message)
		} else {
			self.addOrphan(mutation, mutation.EntityId)
		}
	case EntityKindMember:
		if mutation.Member == nil {
			return
		}
		if _, ok := self.members.get(mutation.EntityId); ok {
			self.members.update(mutation.EntityId, mutation.Member)
		} else {
			self.addOrphan(mutation, mutation.EntityId)
		}
	}
}

func (self *Store) applyDelete(mutation *Mutation) {
	// delete of an absent id is a no-op, tolerating duplicate or late
	// delivery
	switch mutation.EntityKind {
	case EntityKindPost:
		self.posts.remove(mutation.EntityId)
		self.dropOrphansFor(mutation.EntityId)
	case EntityKindComment:
		for _, id := range self.posts.ids() {
			post, _ := self.posts.get(id)
			for i, comment := range post.Comments {
				if comment.Id == mutation.EntityId {
					post.Comments = append(post.Comments[0:i], post.Comments[i+1:]...)
					return
				}
			}
		}
	case EntityKindMessage:
		self.messages.remove(mutation.EntityId)
	case EntityKindMember:
		self.members.remove(mutation.EntityId)
	}
}

func (self *Store) applyCounterDelta(mutation *Mutation) {
	if mutation.IdempotencyKey == "" {
		self.log("[%s]counter delta dropped, no idempotency key", self.scope)
		return
	}
	if self.counterKeys[mutation.IdempotencyKey] {
		// duplicate delivery of the same source action
		self.log("[%s]counter delta suppressed %s", self.scope, mutation.IdempotencyKey)
		return
	}
	post, ok := self.posts.get(mutation.EntityId)
	if !ok {
		// key is remembered on apply, not on hold, so a duplicate held
		// alongside this one still collapses to a single application
		self.addOrphan(mutation, mutation.EntityId)
		return
	}
	self.rememberCounterKey(mutation.IdempotencyKey)
	if mutation.HasCounter {
		// the server sent the authoritative count
		post.LikeCount = mutation.CounterValue
	} else {
		post.LikeCount += mutation.Delta
	}
}

func (self *Store) rememberCounterKey(key string) {
	if self.settings.MaxCounterKeys <= len(self.counterKeyOrder) {
		evict := self.counterKeyOrder[0]
		self.counterKeyOrder = self.counterKeyOrder[1:]
		delete(self.counterKeys, evict)
	}
	self.counterKeys[key] = true
	self.counterKeyOrder = append(self.counterKeyOrder, key)
}

// Invalidate transitions to the terminal state and empties the projection.
// All further input is discarded.
func (self *Store) Invalidate() {
	self.state = StoreStateInvalidated
	self.posts = newCollection[*Post](true)
	self.messages = newCollection[*ChatMessage](false)
	self.members = newCollection[*GroupMember](false)
	self.buffered = nil
	self.orphans = nil
	self.counterKeys = map[string]bool{}
	self.counterKeyOrder = nil
}

// orphan buffer

func (self *Store) addOrphan(mutation *Mutation, waitId EntityId) {
	self.orphans = append(self.orphans, &orphanMutation{
		mutation: mutation,
		waitId:   waitId,
		deadline: time.Now().Add(self.settings.OrphanTtl),
	})
	self.log("[%s]orphan held for %s", self.scope, waitId)
}

// ageOrphans drops orphans past their retention bounds. retention is capped
// both by a count of subsequent unrelated mutations and by wall time, so a
// permanently missing id cannot grow the buffer without bound.
func (self *Store) ageOrphans(applied *Mutation) {
	if len(self.orphans) == 0 {
		return
	}
	now := time.Now()
	kept := self.orphans[:0]
	for _, orphan := range self.orphans {
		if orphan.mutation == applied {
			// held by this very apply; kept without aging
			kept = append(kept, orphan)
			continue
		}
		if orphan.waitId != applied.EntityId {
			orphan.age += 1
		}
		if self.settings.MaxOrphanAge <= orphan.age || now.After(orphan.deadline) {
			self.log("[%s]orphan dropped for %s", self.scope, orphan.waitId)
			continue
		}
		kept = append(kept, orphan)
	}
	self.orphans = kept
}

// flushOrphansFor replays orphans waiting on an id that just appeared,
// in ReceivedSeq order.
func (self *Store) flushOrphansFor(id EntityId) {
	var ready []*Mutation
	kept := self.orphans[:0]
	for _, orphan := range self.orphans {
		if orphan.waitId == id {
			ready = append(ready, orphan.mutation)
		} else {
			kept = append(kept, orphan)
		}
	}
	self.orphans = kept
	sort.SliceStable(ready, func(i int, j int) bool {
		return ready[i].ReceivedSeq < ready[j].ReceivedSeq
	})
	for _, mutation := range ready {
		self.applyNow(mutation)
	}
}

func (self *Store) dropOrphansFor(id EntityId) {
	kept := self.orphans[:0]
	for _, orphan := range self.orphans {
		if orphan.waitId != id {
			kept = append(kept, orphan)
		}
	}
	self.orphans = kept
}

// ordered keyed collection with a snapshot-sourced slice and a streamed
// region. for posts the streamed region sits ahead of the paged slice
// (stream-arrival order); for transcripts and rosters it appends after it.
type collection[T any] struct {
	streamFront bool
	snapshotIds []EntityId
	streamIds   []EntityId
	byId        map[EntityId]*collectionEntry[T]
}

type collectionEntry[T any] struct {
	value  T
	source entrySource
}

func newCollection[T any](streamFront bool) *collection[T] {
	return &collection[T]{
		streamFront: streamFront,
		byId:        map[EntityId]*collectionEntry[T]{},
	}
}

func (self *collection[T]) get(id EntityId) (T, bool) {
	if entry, ok := self.byId[id]; ok {
		return entry.value, true
	}
	var empty T
	return empty, false
}

func (self *collection[T]) insertStream(id EntityId, value T) {
	self.byId[id] = &collectionEntry[T]{
		value:  value,
		source: sourceStream,
	}
	if self.streamFront {
		// newest streamed entry first, regardless of its timestamp
		self.streamIds = append([]EntityId{id}, self.streamIds...)
	} else {
		self.streamIds = append(self.streamIds, id)
	}
}

func (self *collection[T]) update(id EntityId, value T) {
	if entry, ok := self.byId[id]; ok {
		entry.value = value
	}
}

func (self *collection[T]) remove(id EntityId) {
	if _, ok := self.byId[id]; !ok {
		return
	}
	delete(self.byId, id)
	self.snapshotIds = removeId(self.snapshotIds, id)
	self.streamIds = removeId(self.streamIds, id)
}

func (self *collection[T]) ids() []EntityId {
	ids := make([]EntityId, 0, len(self.streamIds)+len(self.snapshotIds))
	if self.streamFront {
		ids = append(ids, self.streamIds...)
		ids = append(ids, self.snapshotIds...)
	} else {
		ids = append(ids, self.snapshotIds...)
		ids = append(ids, self.streamIds...)
	}
	return ids
}

func (self *collection[T]) len() int {
	return len(self.byId)
}

func removeId(ids []EntityId, id EntityId) []EntityId {
	for i, otherId := range ids {
		if otherId == id {
			return append(ids[0:i], ids[i+1:]...)
		}
	}
	return ids
}

// seedCollectionPage merges one snapshot page into a collection.
// page 1 replaces the snapshot-sourced slice; page N > 1 appends after it.
// entries introduced purely by streaming are never disturbed: a snapshot
// item whose id is already stream-sourced refreshes the payload only when
// the snapshot's version is newer, and keeps its streamed position.
func seedCollectionPage[T any](
	c *collection[T],
	page int,
	items []T,
	idOf func(T) EntityId,
	newer func(existing T, incoming T) bool,
) {
	if page <= 1 {
		for _, id := range c.snapshotIds {
			if entry, ok := c.byId[id]; ok && entry.source == sourceSnapshot {
				delete(c.byId, id)
			}
		}
		c.snapshotIds = nil
	}

	for _, item := range items {
		id := idOf(item)
		if id == "" {
			continue
		}
		if entry, ok := c.byId[id]; ok {
			if entry.source == sourceStream {
				if !newer(entry.value, item) {
					// snapshot view is at least as fresh
					entry.value = item
				}
				continue
			}
			// already paged in by an earlier page, keep the first occurrence
			continue
		}
		c.byId[id] = &collectionEntry[T]{
			value:  item,
			source: sourceSnapshot,
		}
		c.snapshotIds = append(c.snapshotIds, id)
	}
}

// version tokens. source data has no explicit version field; the derived
// token is (updated_at, presence). iso-8601 timestamps compare lexically.

func postId(post *Post) EntityId {
	return post.Id
}

func messageId(message *ChatMessage) EntityId {
	return message.Id
}

func memberId(member *GroupMember) EntityId {
	return member.Id
}

func versionOf(updatedAt string, createdAt string) string {
	if updatedAt != "" {
		return updatedAt
	}
	return createdAt
}

// newerPost reports whether existing is strictly newer than incoming
func newerPost(existing *Post, incoming *Post) bool {
	return versionOf(incoming.UpdatedAt, incoming.CreatedAt) < versionOf(existing.UpdatedAt, existing.CreatedAt)
}

func newerMessage(existing *ChatMessage, incoming *ChatMessage) bool {
	return incoming.CreatedAt < existing.CreatedAt
}

func newerMember(existing *GroupMember, incoming *GroupMember) bool {
	return incoming.JoinedAt < existing.JoinedAt
}
