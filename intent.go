package feedsync

import (
	"fmt"
	"time"
)

// IntentTracker applies a tentative local mutation for a user-initiated
// write immediately, fires the REST call, and reconciles the provisional
// entry against the authoritative response. Because the server's own push
// event for a self-originated action also arrives through the ingestor, the
// store's create/counter idempotency rules are what prevent a doubled
// entry; idempotency keys derive from action identity, not arrival.
//
// All store access happens inside tasks submitted to the scope's serialized
// queue (run). A completion landing after the scope session is disposed is
// ignored: run returns false and the reconciliation is dropped.
type IntentTracker struct {
	session *Session
	api     *FeedApi
	scope   Scope
	store   *Store

	// serialize a task onto the scope's inbound queue. false if disposed.
	run func(task func()) bool
	// shared with the ingestor so provisional and streamed mutations
	// interleave deterministically
	nextSeq func() uint64
}

func NewIntentTracker(
	session *Session,
	api *FeedApi,
	scope Scope,
	store *Store,
	run func(task func()) bool,
	nextSeq func() uint64,
) *IntentTracker {
	return &IntentTracker{
		session: session,
		api:     api,
		scope:   scope,
		store:   store,
		run:     run,
		nextSeq: nextSeq,
	}
}

func provisionalId() EntityId {
	return "pending:" + NewId().String()
}

func (self *IntentTracker) username() string {
	if token := self.session.Token(); token != nil {
		return token.Username
	}
	return ""
}

func nowTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// AddComment appends a provisional comment to the post, then confirms or
// retracts it around the REST call.
func (self *IntentTracker) AddComment(postId EntityId, content string, callback func(err error)) {
	pendingId := provisionalId()
	provisional := &Comment{
		Id:        pendingId,
		PostId:    postId,
		Content:   content,
		Author:    self.username(),
		CreatedAt: nowTimestamp(),
		Pending:   true,
	}

	self.run(func() {
		self.store.Apply(&Mutation{
			Scope:       self.scope,
			EntityKind:  EntityKindComment,
			EntityId:    pendingId,
			Op:          MutationOpCreate,
			Comment:     provisional,
			ReceivedSeq: self.nextSeq(),
		})
	})

	self.api.AddComment(&AddCommentArgs{
		FeedId:    postId,
		Content:   content,
		GroupCode: self.scope.Key,
	}, NewApiCallback[*AddCommentResult](func(result *AddCommentResult, err error) {
		self.run(func() {
			self.retractComment(postId, pendingId)
			if err == nil && result.Comment != nil {
				// the echoed push event for the confirmed id applies
				// idempotently over this
				confirmed := result.Comment
				if confirmed.PostId == "" {
					confirmed.PostId = postId
				}
				self.store.Apply(&Mutation{
					Scope:       self.scope,
					EntityKind:  EntityKindComment,
					EntityId:    confirmed.Id,
					Op:          MutationOpCreate,
					Comment:     confirmed,
					ReceivedSeq: self.nextSeq(),
				})
			}
		})
		if callback != nil {
			callback(err)
		}
	}))
}

func (self *IntentTracker) retractComment(postId EntityId, commentId EntityId) {
	self.store.Apply(&Mutation{
		Scope:       self.scope,
		EntityKind:  EntityKindComment,
		EntityId:    commentId,
		Op:          MutationOpDelete,
		Comment:     &Comment{Id: commentId, PostId: postId},
		ReceivedSeq: self.nextSeq(),
	})
}

// ToggleLike applies a provisional counter delta keyed by a fresh action
// identity. The server echoes the key in the like_feed event, so the echo
// is suppressed by the store; a REST failure applies a compensating delta.
// liked is the current local state; toggling off sends a negative delta.
func (self *IntentTracker) ToggleLike(postId EntityId, liked bool, callback func(likeCount int, err error)) {
	actionKey := fmt.Sprintf("like:%s:%s", postId, NewId())
	delta := 1
	if liked {
		delta = -1
	}

	self.run(func() {
		self.store.Apply(&Mutation{
			Scope:          self.scope,
			EntityKind:     EntityKindPost,
			EntityId:       postId,
			Op:             MutationOpCounterDelta,
			Delta:          delta,
			IdempotencyKey: actionKey,
			ReceivedSeq:    self.nextSeq(),
		})
	})

	self.api.ToggleLike(&ToggleLikeArgs{
		FeedId:    postId,
		GroupCode: self.scope.Key,
		ActionKey: actionKey,
	}, NewApiCallback[*ToggleLikeResult](func(result *ToggleLikeResult, err error) {
		likeCount := 0
		if err == nil {
			likeCount = result.LikeCount
			self.run(func() {
				// authoritative count from the response
				self.store.Apply(&Mutation{
					Scope:          self.scope,
					EntityKind:     EntityKindPost,
					EntityId:       postId,
					Op:             MutationOpCounterDelta,
					IdempotencyKey: actionKey + ":confirm",
					CounterValue:   result.LikeCount,
					HasCounter:     true,
					ReceivedSeq:    self.nextSeq(),
				})
			})
		} else {
			self.run(func() {
				self.store.Apply(&Mutation{
					Scope:          self.scope,
					EntityKind:     EntityKindPost,
					EntityId:       postId,
					Op:             MutationOpCounterDelta,
					Delta:          -delta,
					IdempotencyKey: actionKey + ":retract",
					ReceivedSeq:    self.nextSeq(),
				})
			})
		}
		if callback != nil {
			callback(likeCount, err)
		}
	}))
}

// AddPost prepends a provisional post, then replaces it with the confirmed
// entity or retracts it.
func (self *IntentTracker) AddPost(heading string, content string, photo string, callback func(err error)) {
	pendingId := provisionalId()
	provisional := &Post{
		Id:        pendingId,
		Heading:   heading,
		Content:   content,
		Photo:     photo,
		Author:    self.username(),
		CreatedAt: nowTimestamp(),
		Pending:   true,
	}

	self.run(func() {
		self.store.Apply(&Mutation{
			Scope:       self.scope,
			EntityKind:  EntityKindPost,
			EntityId:    pendingId,
			Op:          MutationOpCreate,
			Post:        provisional,
			ReceivedSeq: self.nextSeq(),
		})
	})

	self.api.AddFeed(&AddFeedArgs{
		Heading:   heading,
		Content:   content,
		Photo:     photo,
		GroupCode: self.scope.Key,
	}, NewApiCallback[*AddFeedResult](func(result *AddFeedResult, err error) {
		self.run(func() {
			if err == nil && result.FeedId != "" {
				confirmed := *provisional
				confirmed.Id = result.FeedId
				confirmed.Pending = false
				self.store.Apply(&Mutation{
					Scope:       self.scope,
					EntityKind:  EntityKindPost,
					EntityId:    result.FeedId,
					Op:          MutationOpCreate,
					Post:        &confirmed,
					ReceivedSeq: self.nextSeq(),
				})
			}
			self.store.Apply(&Mutation{
				Scope:       self.scope,
				EntityKind:  EntityKindPost,
				EntityId:    pendingId,
				Op:          MutationOpDelete,
				ReceivedSeq: self.nextSeq(),
			})
		})
		if callback != nil {
			callback(err)
		}
	}))
}

// EditPost applies the edit immediately and restores the pre-image on
// failure.
func (self *IntentTracker) EditPost(postId EntityId, heading string, content string, callback func(err error)) {
	submitted := self.run(func() {
		post, ok := self.store.posts.get(postId)
		if !ok {
			if callback != nil {
				callback(ErrScopeNotFound)
			}
			return
		}
		preImage := *post

		edited := *post
		edited.Heading = heading
		edited.Content = content
		edited.UpdatedAt = nowTimestamp()
		edited.Pending = true
		self.store.Apply(&Mutation{
			Scope:       self.scope,
			EntityKind:  EntityKindPost,
			EntityId:    postId,
			Op:          MutationOpUpdate,
			Post:        &edited,
			ReceivedSeq: self.nextSeq(),
		})

		go self.api.UpdateFeed(&UpdateFeedArgs{
			FeedId:    postId,
			Heading:   heading,
			Content:   content,
			GroupCode: self.scope.Key,
		}, NewApiCallback[*UpdateFeedResult](func(result *UpdateFeedResult, err error) {
			self.run(func() {
				if err == nil {
					confirmed := result.Feed
					if confirmed == nil {
						confirmed = &edited
					}
					clean := *confirmed
					clean.Pending = false
					if clean.UpdatedAt == "" {
						clean.UpdatedAt = edited.UpdatedAt
					}
					self.store.Apply(&Mutation{
						Scope:       self.scope,
						EntityKind:  EntityKindPost,
						EntityId:    postId,
						Op:          MutationOpUpdate,
						Post:        &clean,
						ReceivedSeq: self.nextSeq(),
					})
				} else {
					restored := preImage
					self.store.posts.update(postId, &restored)
				}
			})
			if callback != nil {
				callback(err)
			}
		}))
	})
	if !submitted && callback != nil {
		callback(ErrScopeClosed)
	}
}

// DeletePost removes the post immediately and restores it on failure.
func (self *IntentTracker) DeletePost(postId EntityId, callback func(err error)) {
	submitted := self.run(func() {
		post, ok := self.store.posts.get(postId)
		if !ok {
			if callback != nil {
				callback(ErrScopeNotFound)
			}
			return
		}
		preImage := *post

		self.store.Apply(&Mutation{
			Scope:       self.scope,
			EntityKind:  EntityKindPost,
			EntityId:    postId,
			Op:          MutationOpDelete,
			ReceivedSeq: self.nextSeq(),
		})

		go self.api.DeleteFeed(&DeleteFeedArgs{
			FeedId:    postId,
			GroupCode: self.scope.Key,
		}, NewApiCallback[*DeleteFeedResult](func(result *DeleteFeedResult, err error) {
			if err != nil {
				self.run(func() {
					restored := preImage
					self.store.Apply(&Mutation{
						Scope:       self.scope,
						EntityKind:  EntityKindPost,
						EntityId:    postId,
						Op:          MutationOpCreate,
						Post:        &restored,
						ReceivedSeq: self.nextSeq(),
					})
				})
			}
			if callback != nil {
				callback(err)
			}
		}))
	})
	if !submitted && callback != nil {
		callback(ErrScopeClosed)
	}
}

// SendMessage appends a provisional chat message, then confirms or retracts
// it.
func (self *IntentTracker) SendMessage(content string, callback func(err error)) {
	pendingId := provisionalId()
	provisional := &ChatMessage{
		Id:        pendingId,
		Content:   content,
		Author:    self.username(),
		CreatedAt: nowTimestamp(),
		Pending:   true,
	}

	self.run(func() {
		self.store.Apply(&Mutation{
			Scope:       self.scope,
			EntityKind:  EntityKindMessage,
			EntityId:    pendingId,
			Op:          MutationOpCreate,
			Message:     provisional,
			ReceivedSeq: self.nextSeq(),
		})
	})

	self.api.SendGroupMessage(&SendGroupMessageArgs{
		GroupCode: self.scope.Key,
		Content:   content,
	}, NewApiCallback[*SendGroupMessageResult](func(result *SendGroupMessageResult, err error) {
		self.run(func() {
			self.store.Apply(&Mutation{
				Scope:       self.scope,
				EntityKind:  EntityKindMessage,
				EntityId:    pendingId,
				Op:          MutationOpDelete,
				ReceivedSeq: self.nextSeq(),
			})
			if err == nil && result.Message != nil {
				self.store.Apply(&Mutation{
					Scope:       self.scope,
					EntityKind:  EntityKindMessage,
					EntityId:    result.Message.Id,
					Op:          MutationOpCreate,
					Message:     result.Message,
					ReceivedSeq: self.nextSeq(),
				})
			}
		})
		if callback != nil {
			callback(err)
		}
	}))
}
