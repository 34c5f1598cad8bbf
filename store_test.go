package feedsync

import (
	"fmt"
	"testing"

	"github.com/go-playground/assert/v2"
)

func testScope() Scope {
	return FeedGroupScope("ALPHA")
}

func testPost(id EntityId, createdAt string) *Post {
	return &Post{
		Id:        id,
		Heading:   "heading " + id,
		Content:   "content " + id,
		Author:    "alice",
		CreatedAt: createdAt,
	}
}

func postCreate(scope Scope, id EntityId, seq uint64) *Mutation {
	return &Mutation{
		Scope:       scope,
		EntityKind:  EntityKindPost,
		EntityId:    id,
		Op:          MutationOpCreate,
		Post:        testPost(id, "2024-05-01T10:00:00Z"),
		ReceivedSeq: seq,
	}
}

func postDelete(scope Scope, id EntityId, seq uint64) *Mutation {
	return &Mutation{
		Scope:       scope,
		EntityKind:  EntityKindPost,
		EntityId:    id,
		Op:          MutationOpDelete,
		ReceivedSeq: seq,
	}
}

func readyStore(scope Scope, posts ...*Post) *Store {
	store := NewStoreWithDefaults(scope)
	store.BeginLoad(1)
	store.SeedPage(&SnapshotPage{
		Scope:      scope,
		Page:       1,
		TotalPages: 1,
		FetchSeq:   1,
		Posts:      posts,
	})
	return store
}

func feedIds(store *Store) []EntityId {
	view := ProjectFeed(store)
	ids := make([]EntityId, 0, len(view.Posts))
	for _, post := range view.Posts {
		ids = append(ids, post.Id)
	}
	return ids
}

func TestStoreStateMachine(t *testing.T) {
	scope := testScope()
	store := NewStoreWithDefaults(scope)
	assert.Equal(t, StoreStateUninitialized, store.State())

	store.BeginLoad(1)
	assert.Equal(t, StoreStateLoading, store.State())

	store.SeedPage(&SnapshotPage{
		Scope:      scope,
		Page:       1,
		TotalPages: 3,
		FetchSeq:   1,
		Posts:      []*Post{testPost("p1", "2024-05-01T10:00:00Z")},
	})
	assert.Equal(t, StoreStateReady, store.State())
	assert.Equal(t, 3, store.TotalPages())

	store.Invalidate()
	assert.Equal(t, StoreStateInvalidated, store.State())

	// terminal: further input is discarded
	store.Apply(postCreate(scope, "p9", 10))
	store.SeedPage(&SnapshotPage{
		Scope:    scope,
		Page:     1,
		FetchSeq: 2,
		Posts:    []*Post{testPost("p1", "2024-05-01T10:00:00Z")},
	})
	assert.Equal(t, StoreStateInvalidated, store.State())
	assert.Equal(t, []EntityId{}, feedIds(store))
}

func TestCreateIdempotence(t *testing.T) {
	scope := testScope()
	store := readyStore(scope)

	store.Apply(postCreate(scope, "p1", 1))
	once := feedIds(store)

	store.Apply(postCreate(scope, "p1", 2))
	twice := feedIds(store)

	assert.Equal(t, once, twice)
	assert.Equal(t, []EntityId{"p1"}, twice)
}

func TestDeleteIdempotence(t *testing.T) {
	scope := testScope()
	store := readyStore(scope, testPost("p1", "2024-05-01T10:00:00Z"))

	store.Apply(postDelete(scope, "p1", 1))
	once := feedIds(store)

	store.Apply(postDelete(scope, "p1", 2))
	twice := feedIds(store)

	assert.Equal(t, once, twice)
	assert.Equal(t, []EntityId{}, twice)
}

func TestDeleteThenRecreate(t *testing.T) {
	scope := testScope()
	store := readyStore(scope, testPost("p1", "2024-05-01T10:00:00Z"))

	store.Apply(postDelete(scope, "p1", 1))
	assert.Equal(t, []EntityId{}, feedIds(store))

	store.Apply(postCreate(scope, "p1", 2))
	assert.Equal(t, []EntityId{"p1"}, feedIds(store))
}

func TestOrderIndependenceForDisjointEntities(t *testing.T) {
	scope := testScope()

	a := readyStore(scope)
	a.Apply(postCreate(scope, "pa", 1))
	a.Apply(postCreate(scope, "pb", 2))

	b := readyStore(scope)
	b.Apply(postCreate(scope, "pb", 2))
	b.Apply(postCreate(scope, "pa", 1))

	// both orders converge to the same set; view order is stream arrival
	viewA := feedIds(a)
	viewB := feedIds(b)
	assert.Equal(t, len(viewA), len(viewB))
	assert.Equal(t, []EntityId{"pb", "pa"}, viewA)
	assert.Equal(t, []EntityId{"pa", "pb"}, viewB)
}

func TestOutOfOrderUpdateBuffered(t *testing.T) {
	scope := testScope()

	update := &Mutation{
		Scope:      scope,
		EntityKind: EntityKindPost,
		EntityId:   "p5",
		Op:         MutationOpUpdate,
		Post: &Post{
			Id:        "p5",
			Heading:   "updated heading",
			Content:   "updated content",
			CreatedAt: "2024-05-01T10:00:00Z",
			UpdatedAt: "2024-05-01T11:00:00Z",
		},
		ReceivedSeq: 1,
	}

	// update ahead of create, then the create
	outOfOrder := readyStore(scope)
	outOfOrder.Apply(update)
	outOfOrder.Apply(postCreate(scope, "p5", 2))

	// causal order
	causal := readyStore(scope)
	causal.Apply(postCreate(scope, "p5", 2))
	causal.Apply(update)

	viewA := ProjectFeed(outOfOrder)
	viewB := ProjectFeed(causal)
	assert.Equal(t, 1, len(viewA.Posts))
	assert.Equal(t, "updated heading", viewA.Posts[0].Heading)
	assert.Equal(t, viewA.Posts[0].Heading, viewB.Posts[0].Heading)
	assert.Equal(t, viewA.Posts[0].Content, viewB.Posts[0].Content)
}

func TestHeldUpdateSurvivesUnrelatedTraffic(t *testing.T) {
	scope := testScope()
	store := readyStore(scope)

	store.Apply(&Mutation{
		Scope:      scope,
		EntityKind: EntityKindPost,
		EntityId:   "p5",
		Op:         MutationOpUpdate,
		Post: &Post{
			Id:        "p5",
			Heading:   "updated heading",
			Content:   "updated content",
			CreatedAt: "2024-05-01T10:00:00Z",
			UpdatedAt: "2024-05-01T11:00:00Z",
		},
		ReceivedSeq: 1,
	})

	// unrelated creates age the held update without evicting it
	store.Apply(postCreate(scope, "pa", 2))
	store.Apply(postCreate(scope, "pb", 3))
	store.Apply(postCreate(scope, "p5", 4))

	view := ProjectFeed(store)
	for _, post := range view.Posts {
		if post.Id == "p5" {
			assert.Equal(t, "updated heading", post.Heading)
			return
		}
	}
	t.Fatal("p5 missing from the feed")
}

func TestSnapshotPageReleasesHeldUpdate(t *testing.T) {
	scope := testScope()
	store := readyStore(scope, testPost("p1", "2024-05-01T10:00:00Z"))

	// the update targets a post that only arrives with the second page
	store.Apply(&Mutation{
		Scope:      scope,
		EntityKind: EntityKindPost,
		EntityId:   "p9",
		Op:         MutationOpUpdate,
		Post: &Post{
			Id:        "p9",
			Heading:   "second page edit",
			Content:   "rewritten",
			CreatedAt: "2024-05-01T09:00:00Z",
			UpdatedAt: "2024-05-01T12:00:00Z",
		},
		ReceivedSeq: 1,
	})

	store.BeginLoad(2)
	store.SeedPage(&SnapshotPage{
		Scope:      scope,
		Page:       2,
		TotalPages: 2,
		FetchSeq:   2,
		Posts:      []*Post{testPost("p9", "2024-05-01T09:00:00Z")},
	})

	view := ProjectFeed(store)
	assert.Equal(t, 2, len(view.Posts))
	for _, post := range view.Posts {
		if post.Id == "p9" {
			assert.Equal(t, "second page edit", post.Heading)
			return
		}
	}
	t.Fatal("p9 missing from the feed")
}

func TestOrphanUpdateRetentionBound(t *testing.T) {
	scope := testScope()
	settings := DefaultStoreSettings()
	settings.MaxOrphanAge = 3
	store := NewStore(scope, settings)
	store.BeginLoad(1)
	store.SeedPage(&SnapshotPage{
		Scope:    scope,
		Page:     1,
		FetchSeq: 1,
	})

	store.Apply(&Mutation{
		Scope:      scope,
		EntityKind: EntityKindPost,
		EntityId:   "missing",
		Op:         MutationOpUpdate,
		Post: &Post{
			Id:      "missing",
			Heading: "never lands",
		},
		ReceivedSeq: 1,
	})

	// enough unrelated mutations to age the orphan out
	for i := 0; i < 4; i += 1 {
		store.Apply(postCreate(scope, EntityId(fmt.Sprintf("p%d", i)), uint64(2+i)))
	}

	// the owning create finally arrives. the orphan was dropped, so the
	// create's own payload wins
	store.Apply(postCreate(scope, "missing", 10))
	view := ProjectFeed(store)
	for _, post := range view.Posts {
		if post.Id == "missing" {
			assert.Equal(t, "heading missing", post.Heading)
		}
	}
}

func TestDuplicateCounterDeltaSuppressed(t *testing.T) {
	scope := testScope()
	store := readyStore(scope, testPost("p1", "2024-05-01T10:00:00Z"))

	counterDelta := func(seq uint64) *Mutation {
		return &Mutation{
			Scope:          scope,
			EntityKind:     EntityKindPost,
			EntityId:       "p1",
			Op:             MutationOpCounterDelta,
			Delta:          1,
			IdempotencyKey: "u7:likeP1",
			ReceivedSeq:    seq,
		}
	}

	store.Apply(counterDelta(1))
	store.Apply(counterDelta(2))

	view := ProjectFeed(store)
	assert.Equal(t, 1, view.Posts[0].LikeCount)
}

func TestBufferedMutationsFlushInReceivedSeqOrder(t *testing.T) {
	scope := testScope()
	store := NewStoreWithDefaults(scope)
	store.BeginLoad(1)

	// arrive out of seq order while loading
	store.Apply(postCreate(scope, "p3", 3))
	store.Apply(postCreate(scope, "p2", 2))

	store.SeedPage(&SnapshotPage{
		Scope:    scope,
		Page:     1,
		FetchSeq: 1,
		Posts:    []*Post{testPost("p1", "2024-05-01T10:00:00Z")},
	})

	// flushed in seq order: p2 prepended first, then p3
	assert.Equal(t, []EntityId{"p3", "p2", "p1"}, feedIds(store))
}

func TestPageBoundaryNonInterference(t *testing.T) {
	scope := testScope()
	store := readyStore(scope,
		testPost("p1", "2024-05-01T10:00:00Z"),
		testPost("p2", "2024-05-01T09:00:00Z"),
	)

	// page 2 is in flight when a streamed create lands
	store.BeginLoad(2)
	store.Apply(postCreate(scope, "pNew", 1))

	store.SeedPage(&SnapshotPage{
		Scope:      scope,
		Page:       2,
		TotalPages: 2,
		FetchSeq:   2,
		Posts: []*Post{
			testPost("p3", "2024-05-01T08:00:00Z"),
			// the server page may also include the streamed entity
			testPost("pNew", "2024-05-01T12:00:00Z"),
		},
	})

	// streamed entity present exactly once, ahead of the paged entities
	assert.Equal(t, []EntityId{"pNew", "p1", "p2", "p3"}, feedIds(store))
}

func TestPageOneReloadPreservesStreamedEntries(t *testing.T) {
	scope := testScope()
	store := readyStore(scope,
		testPost("p1", "2024-05-01T10:00:00Z"),
		testPost("p2", "2024-05-01T09:00:00Z"),
	)

	store.Apply(postCreate(scope, "pNew", 1))
	assert.Equal(t, []EntityId{"pNew", "p1", "p2"}, feedIds(store))

	// the user revisits page 1; p2 is gone server-side, p4 is new
	store.SeedPage(&SnapshotPage{
		Scope:      scope,
		Page:       1,
		TotalPages: 1,
		FetchSeq:   2,
		Posts: []*Post{
			testPost("p1", "2024-05-01T10:00:00Z"),
			testPost("p4", "2024-05-01T08:30:00Z"),
		},
	})

	assert.Equal(t, []EntityId{"pNew", "p1", "p4"}, feedIds(store))
}

func TestStaleFetchSeqDropped(t *testing.T) {
	scope := testScope()
	store := readyStore(scope, testPost("p1", "2024-05-01T10:00:00Z"))
	assert.Equal(t, uint64(1), store.fetchSeq)

	store.SeedPage(&SnapshotPage{
		Scope:    scope,
		Page:     1,
		FetchSeq: 5,
		Posts:    []*Post{testPost("p2", "2024-05-01T10:00:00Z")},
	})
	// an older in-flight fetch completes late
	store.SeedPage(&SnapshotPage{
		Scope:    scope,
		Page:     1,
		FetchSeq: 3,
		Posts:    []*Post{testPost("p1", "2024-05-01T10:00:00Z")},
	})

	assert.Equal(t, []EntityId{"p2"}, feedIds(store))
}

func TestCommentsKeepInsertionOrder(t *testing.T) {
	scope := testScope()
	store := readyStore(scope, testPost("p1", "2024-05-01T10:00:00Z"))

	commentCreate := func(id EntityId, createdAt string, seq uint64) *Mutation {
		return &Mutation{
			Scope:      scope,
			EntityKind: EntityKindComment,
			EntityId:   id,
			Op:         MutationOpCreate,
			Comment: &Comment{
				Id:        id,
				PostId:    "p1",
				Content:   "comment " + id,
				Author:    "bob",
				CreatedAt: createdAt,
			},
			ReceivedSeq: seq,
		}
	}

	// delivered out of timestamp order; order must stay as delivered
	store.Apply(commentCreate("c2", "2024-05-01T11:00:00Z", 1))
	store.Apply(commentCreate("c1", "2024-05-01T10:30:00Z", 2))

	view := ProjectFeed(store)
	assert.Equal(t, 2, len(view.Posts[0].Comments))
	assert.Equal(t, EntityId("c2"), view.Posts[0].Comments[0].Id)
	assert.Equal(t, EntityId("c1"), view.Posts[0].Comments[1].Id)

	// duplicate delivery replaces in place
	store.Apply(commentCreate("c2", "2024-05-01T11:00:00Z", 3))
	view = ProjectFeed(store)
	assert.Equal(t, 2, len(view.Posts[0].Comments))
}

func TestCommentAheadOfPost(t *testing.T) {
	scope := testScope()
	store := readyStore(scope)

	store.Apply(&Mutation{
		Scope:      scope,
		EntityKind: EntityKindComment,
		EntityId:   "c1",
		Op:         MutationOpCreate,
		Comment: &Comment{
			Id:      "c1",
			PostId:  "p1",
			Content: "first",
		},
		ReceivedSeq: 1,
	})
	assert.Equal(t, []EntityId{}, feedIds(store))

	store.Apply(postCreate(scope, "p1", 2))

	view := ProjectFeed(store)
	assert.Equal(t, 1, len(view.Posts))
	assert.Equal(t, 1, len(view.Posts[0].Comments))
	assert.Equal(t, EntityId("c1"), view.Posts[0].Comments[0].Id)
}

func TestCommentUpdateAheadOfCreate(t *testing.T) {
	scope := testScope()
	store := readyStore(scope, testPost("p1", "2024-05-01T10:00:00Z"))

	store.Apply(&Mutation{
		Scope:      scope,
		EntityKind: EntityKindComment,
		EntityId:   "c1",
		Op:         MutationOpUpdate,
		Comment: &Comment{
			Id:      "c1",
			PostId:  "p1",
			Content: "edited",
		},
		ReceivedSeq: 1,
	})
	store.Apply(&Mutation{
		Scope:      scope,
		EntityKind: EntityKindComment,
		EntityId:   "c1",
		Op:         MutationOpCreate,
		Comment: &Comment{
			Id:      "c1",
			PostId:  "p1",
			Content: "original",
		},
		ReceivedSeq: 2,
	})

	view := ProjectFeed(store)
	assert.Equal(t, 1, len(view.Posts[0].Comments))
	assert.Equal(t, "edited", view.Posts[0].Comments[0].Content)
}

func TestCommentDelete(t *testing.T) {
	scope := testScope()
	store := readyStore(scope, testPost("p1", "2024-05-01T10:00:00Z"))

	store.Apply(&Mutation{
		Scope:      scope,
		EntityKind: EntityKindComment,
		EntityId:   "c1",
		Op:         MutationOpCreate,
		Comment: &Comment{
			Id:     "c1",
			PostId: "p1",
		},
		ReceivedSeq: 1,
	})
	store.Apply(&Mutation{
		Scope:       scope,
		EntityKind:  EntityKindComment,
		EntityId:    "c1",
		Op:          MutationOpDelete,
		ReceivedSeq: 2,
	})
	// duplicate delete no-ops
	store.Apply(&Mutation{
		Scope:       scope,
		EntityKind:  EntityKindComment,
		EntityId:    "c1",
		Op:          MutationOpDelete,
		ReceivedSeq: 3,
	})

	view := ProjectFeed(store)
	assert.Equal(t, 0, len(view.Posts[0].Comments))
}

func TestChatTranscriptAppendOrder(t *testing.T) {
	scope := ChatGroupScope("ALPHA")
	store := NewStoreWithDefaults(scope)
	store.BeginLoad(1)
	store.SeedPage(&SnapshotPage{
		Scope:      scope,
		Page:       1,
		TotalPages: 1,
		FetchSeq:   1,
		Messages: []*ChatMessage{
			{Id: "m1", Content: "hello", Author: "alice", CreatedAt: "2024-05-01T10:00:00Z"},
			{Id: "m2", Content: "hi", Author: "bob", CreatedAt: "2024-05-01T10:01:00Z"},
		},
	})

	store.Apply(&Mutation{
		Scope:      scope,
		EntityKind: EntityKindMessage,
		EntityId:   "m3",
		Op:         MutationOpCreate,
		Message: &ChatMessage{
			Id:      "m3",
			Content: "anyone here",
			Author:  "alice",
		},
		ReceivedSeq: 1,
	})

	view := ProjectChat(store)
	assert.Equal(t, 3, len(view.Messages))
	// streamed messages append after the snapshot slice
	assert.Equal(t, EntityId("m1"), view.Messages[0].Id)
	assert.Equal(t, EntityId("m2"), view.Messages[1].Id)
	assert.Equal(t, EntityId("m3"), view.Messages[2].Id)
}

func TestMessageUpdateAheadOfCreate(t *testing.T) {
	scope := ChatGroupScope("ALPHA")
	store := NewStoreWithDefaults(scope)
	store.BeginLoad(1)
	store.SeedPage(&SnapshotPage{
		Scope:      scope,
		Page:       1,
		TotalPages: 1,
		FetchSeq:   1,
		Messages:   []*ChatMessage{},
	})

	store.Apply(&Mutation{
		Scope:       scope,
		EntityKind:  EntityKindMessage,
		EntityId:    "m1",
		Op:          MutationOpUpdate,
		Message:     &ChatMessage{Id: "m1", Content: "edited", Author: "alice"},
		ReceivedSeq: 1,
	})
	store.Apply(&Mutation{
		Scope:       scope,
		EntityKind:  EntityKindMessage,
		EntityId:    "m1",
		Op:          MutationOpCreate,
		Message:     &ChatMessage{Id: "m1", Content: "original", Author: "alice"},
		ReceivedSeq: 2,
	})

	view := ProjectChat(store)
	assert.Equal(t, 1, len(view.Messages))
	assert.Equal(t, "edited", view.Messages[0].Content)
}

func TestMemberUpdateAheadOfCreate(t *testing.T) {
	scope := testScope()
	store := readyStore(scope)

	store.Apply(&Mutation{
		Scope:       scope,
		EntityKind:  EntityKindMember,
		EntityId:    "u2",
		Op:          MutationOpUpdate,
		Member:      &GroupMember{Id: "u2", Username: "bob-renamed"},
		ReceivedSeq: 1,
	})
	store.Apply(&Mutation{
		Scope:       scope,
		EntityKind:  EntityKindMember,
		EntityId:    "u2",
		Op:          MutationOpCreate,
		Member:      &GroupMember{Id: "u2", Username: "bob"},
		ReceivedSeq: 2,
	})

	view := ProjectRoster(store)
	assert.Equal(t, 1, len(view.Members))
	assert.Equal(t, "bob-renamed", view.Members[0].Username)
}

func TestRosterMembership(t *testing.T) {
	scope := testScope()
	store := readyStore(scope, testPost("p1", "2024-05-01T10:00:00Z"))

	// the roster rides beside the post collection with its own seq
	store.SeedPage(&SnapshotPage{
		Scope:    scope,
		Page:     1,
		FetchSeq: 9,
		Members: []*GroupMember{
			{Id: "u1", Username: "alice", JoinedAt: "2024-04-01T00:00:00Z"},
			{Id: "u2", Username: "bob", JoinedAt: "2024-04-02T00:00:00Z"},
		},
	})

	// a slower in-flight post page is not stale relative to the roster
	store.SeedPage(&SnapshotPage{
		Scope:      scope,
		Page:       1,
		TotalPages: 1,
		FetchSeq:   2,
		Posts:      []*Post{testPost("p1", "2024-05-01T10:00:00Z")},
	})
	assert.Equal(t, []EntityId{"p1"}, feedIds(store))

	store.Apply(&Mutation{
		Scope:      scope,
		EntityKind: EntityKindMember,
		EntityId:   "u3",
		Op:         MutationOpCreate,
		Member: &GroupMember{
			Id:       "u3",
			Username: "carol",
		},
		ReceivedSeq: 1,
	})
	store.Apply(&Mutation{
		Scope:       scope,
		EntityKind:  EntityKindMember,
		EntityId:    "u2",
		Op:          MutationOpDelete,
		ReceivedSeq: 2,
	})

	view := ProjectRoster(store)
	assert.Equal(t, 2, len(view.Members))
	// joined members append after the snapshot slice
	assert.Equal(t, "alice", view.Members[0].Username)
	assert.Equal(t, "carol", view.Members[1].Username)
}

func TestForeignScopeMutationDropped(t *testing.T) {
	scope := testScope()
	store := readyStore(scope)

	store.Apply(postCreate(FeedGroupScope("BETA"), "p1", 1))
	assert.Equal(t, []EntityId{}, feedIds(store))
}

// the end-to-end scenario from the design:
// page 1 loads [P1, P2]; a created event for P3 arrives; the projected feed
// is [P3, P1, P2]. a counter delta for P1 with key "u7:likeP1" arrives
// twice; P1's like count increases exactly once. a scope invalidation
// arrives; the store empties and goes terminal.
func TestFeedGroupScenario(t *testing.T) {
	scope := testScope()
	store := NewStoreWithDefaults(scope)
	store.BeginLoad(1)
	store.SeedPage(&SnapshotPage{
		Scope:      scope,
		Page:       1,
		TotalPages: 1,
		FetchSeq:   1,
		Posts: []*Post{
			testPost("P1", "2024-05-01T10:00:00Z"),
			testPost("P2", "2024-05-01T09:00:00Z"),
		},
	})

	store.Apply(postCreate(scope, "P3", 1))
	assert.Equal(t, []EntityId{"P3", "P1", "P2"}, feedIds(store))

	like := func(seq uint64) *Mutation {
		return &Mutation{
			Scope:          scope,
			EntityKind:     EntityKindPost,
			EntityId:       "P1",
			Op:             MutationOpCounterDelta,
			Delta:          1,
			IdempotencyKey: "u7:likeP1",
			ReceivedSeq:    seq,
		}
	}
	store.Apply(like(2))
	store.Apply(like(3))

	view := ProjectFeed(store)
	for _, post := range view.Posts {
		if post.Id == "P1" {
			assert.Equal(t, 1, post.LikeCount)
		}
	}

	store.Invalidate()
	assert.Equal(t, StoreStateInvalidated, store.State())
	assert.Equal(t, []EntityId{}, feedIds(store))
}
