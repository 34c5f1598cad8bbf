package feedsync

import (
	"context"
	"sync/atomic"

	"github.com/golang/glog"
)

// SnapshotSource serves one page of authoritative data for a scope.
type SnapshotSource interface {
	FetchPage(ctx context.Context, scope Scope, page int) (*SnapshotPage, error)
}

// SnapshotFetcher performs paginated snapshot retrieval. Every completed
// fetch is tagged with a monotonic fetch sequence number, and a fetch whose
// originating scope is no longer the active one is discarded on completion:
// its result must never be merged into a store for a different, now-active
// scope.
type SnapshotFetcher struct {
	ctx     context.Context
	session *Session
	source  SnapshotSource

	fetchSeq atomic.Uint64
}

func NewSnapshotFetcher(ctx context.Context, session *Session, source SnapshotSource) *SnapshotFetcher {
	return &SnapshotFetcher{
		ctx:     ctx,
		session: session,
		source:  source,
	}
}

type SnapshotCallback func(page *SnapshotPage, err error)

// Fetch retrieves one page asynchronously. isActive is evaluated with the
// fetch's originating scope when the response lands; a false result drops
// the page and reports ErrScopeClosed.
func (self *SnapshotFetcher) Fetch(scope Scope, page int, isActive func(scope Scope) bool, callback SnapshotCallback) {
	if !self.session.IsSessionValid() {
		callback(nil, ErrSessionExpired)
		return
	}

	fetchSeq := self.fetchSeq.Add(1)

	go func() {
		snapshotPage, err := self.source.FetchPage(self.ctx, scope, page)
		if err != nil {
			callback(nil, err)
			return
		}
		if !isActive(scope) {
			glog.V(2).Infof("[fetch]discarded page %d for retired scope %s\n", page, scope)
			callback(nil, ErrScopeClosed)
			return
		}
		snapshotPage.Scope = scope
		snapshotPage.Page = page
		snapshotPage.FetchSeq = fetchSeq
		callback(snapshotPage, nil)
	}()
}

// RosterSource serves the member list for a group scope. The roster is not
// paginated; it arrives whole from the group description.
type RosterSource interface {
	FetchRoster(ctx context.Context, scope Scope) (*SnapshotPage, error)
}

// FetchRoster retrieves the member list, tagged and guarded like any
// snapshot page.
func (self *SnapshotFetcher) FetchRoster(scope Scope, isActive func(scope Scope) bool, callback SnapshotCallback) {
	if !self.session.IsSessionValid() {
		callback(nil, ErrSessionExpired)
		return
	}
	rosterSource, ok := self.source.(RosterSource)
	if !ok {
		callback(nil, ErrScopeNotFound)
		return
	}

	fetchSeq := self.fetchSeq.Add(1)

	go func() {
		snapshotPage, err := rosterSource.FetchRoster(self.ctx, scope)
		if err != nil {
			callback(nil, err)
			return
		}
		if !isActive(scope) {
			glog.V(2).Infof("[fetch]discarded roster for retired scope %s\n", scope)
			callback(nil, ErrScopeClosed)
			return
		}
		snapshotPage.Scope = scope
		snapshotPage.Page = 1
		snapshotPage.FetchSeq = fetchSeq
		callback(snapshotPage, nil)
	}()
}

// apiSnapshotSource adapts the REST client to the snapshot source contract,
// choosing the endpoint by scope kind.
type apiSnapshotSource struct {
	api *FeedApi
}

func NewApiSnapshotSource(api *FeedApi) SnapshotSource {
	return &apiSnapshotSource{
		api: api,
	}
}

func (self *apiSnapshotSource) FetchPage(ctx context.Context, scope Scope, page int) (*SnapshotPage, error) {
	switch scope.Kind {
	case ScopeKindChatGroup:
		callback, c := NewBlockingApiCallback[*GetGroupMessagesResult](ctx)
		self.api.GetGroupMessages(&GetGroupMessagesArgs{
			GroupCode: scope.Key,
			Page:      page,
		}, callback)
		r := <-c
		if r.Error != nil {
			return nil, r.Error
		}
		return &SnapshotPage{
			TotalPages: r.Result.TotalPages,
			Messages:   r.Result.Messages,
		}, nil
	case ScopeKindProfile:
		callback, c := NewBlockingApiCallback[*GetUserDataResult](ctx)
		self.api.GetUserData(&GetUserDataArgs{
			Username: scope.Key,
			Page:     page,
		}, callback)
		r := <-c
		if r.Error != nil {
			return nil, r.Error
		}
		if r.Result.User == nil {
			return nil, ErrScopeNotFound
		}
		return &SnapshotPage{
			TotalPages: r.Result.User.TotalPages,
			Posts:      r.Result.User.Feeds,
		}, nil
	case ScopeKindFeedGroup:
		callback, c := NewBlockingApiCallback[*GetFeedsResult](ctx)
		self.api.GetFeeds(&GetFeedsArgs{
			GroupCode: scope.Key,
			Page:      page,
		}, callback)
		r := <-c
		if r.Error != nil {
			return nil, r.Error
		}
		return &SnapshotPage{
			TotalPages: r.Result.TotalPages,
			Posts:      r.Result.Feeds,
		}, nil
	}
	return nil, ErrScopeNotFound
}

func (self *apiSnapshotSource) FetchRoster(ctx context.Context, scope Scope) (*SnapshotPage, error) {
	callback, c := NewBlockingApiCallback[*AboutGroupResult](ctx)
	self.api.AboutGroup(&AboutGroupArgs{
		GroupCode: scope.Key,
	}, callback)
	r := <-c
	if r.Error != nil {
		return nil, r.Error
	}
	members := r.Result.Members
	if members == nil {
		// an empty roster must still route as a member page
		members = []*GroupMember{}
	}
	return &SnapshotPage{
		Members: members,
	}, nil
}
