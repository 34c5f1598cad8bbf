package feedsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/gorilla/websocket"
)

// fake backend: REST surface plus the push channel endpoint
type backendHarness struct {
	restServer *httptest.Server
	wsServer   *httptest.Server

	byJwt string

	feedsCalls atomic.Int64
	feeds      atomic.Value // []*Post

	conns chan *websocket.Conn
	joins chan ScopeRef
}

func newBackendHarness(t *testing.T) *backendHarness {
	h := &backendHarness{
		byJwt: makeTestJwt(t, "alice", time.Now().Add(1*time.Hour)),
		conns: make(chan *websocket.Conn, 8),
		joins: make(chan ScopeRef, 8),
	}
	h.feeds.Store([]*Post{})

	h.restServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			json.NewEncoder(w).Encode(map[string]any{
				"access_token": h.byJwt,
				"username":     "alice",
			})
		case "/getAllFeeds":
			h.feedsCalls.Add(1)
			json.NewEncoder(w).Encode(map[string]any{
				"feeds":       h.feeds.Load(),
				"total_pages": 1,
				"page":        1,
			})
		case "/logout":
			json.NewEncoder(w).Encode(map[string]any{
				"message": "logged out",
			})
		default:
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]any{
				"message": "no such endpoint",
			})
		}
	}))

	h.wsServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.conns <- ws
		for {
			_, message, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var frame PushFrame
			if err := json.Unmarshal(message, &frame); err != nil {
				continue
			}
			if frame.Type == MessageTypeJoin {
				h.joins <- frame.Scope
			}
		}
	}))

	return h
}

func (self *backendHarness) close() {
	self.restServer.Close()
	self.wsServer.Close()
}

func (self *backendHarness) awaitJoin(t *testing.T) (*websocket.Conn, ScopeRef) {
	var ws *websocket.Conn
	select {
	case ws = <-self.conns:
	case <-time.After(5 * time.Second):
		t.Fatal("no push connection")
	}
	select {
	case ref := <-self.joins:
		return ws, ref
	case <-time.After(5 * time.Second):
		t.Fatal("no join frame")
		return nil, ScopeRef{}
	}
}

func (self *backendHarness) push(t *testing.T, ws *websocket.Conn, frame *PushFrame) {
	message, err := json.Marshal(frame)
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, ws.WriteMessage(websocket.TextMessage, message))
}

func newBackendClient(ctx context.Context, h *backendHarness) *Client {
	settings := DefaultClientSettings()
	settings.TransportSettings = testTransportSettings()
	return NewClient(ctx, h.restServer.URL, wsUrl(h.wsServer), settings)
}

func waitFor(t *testing.T, check func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestClientFeedLifecycle(t *testing.T) {
	h := newBackendHarness(t)
	defer h.close()
	h.feeds.Store([]*Post{
		testPost("P1", "2024-05-01T10:00:00Z"),
		testPost("P2", "2024-05-01T09:00:00Z"),
	})

	client := newBackendClient(context.Background(), h)
	defer client.Close()

	assert.Equal(t, nil, client.Login("alice", "hunter2"))

	scope := FeedGroupScope("ALPHA")
	scopeSession, err := client.OpenScope(scope)
	assert.Equal(t, nil, err)

	// opening again returns the same live session
	again, err := client.OpenScope(scope)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, scopeSession == again)

	ws, joinedRef := h.awaitJoin(t)
	assert.Equal(t, RefForScope(scope), joinedRef)

	waitFor(t, func() bool {
		view := scopeSession.Feed()
		return view.State == StoreStateReady && len(view.Posts) == 2
	})

	// a streamed create lands ahead of the snapshot slice
	h.push(t, ws, &PushFrame{
		Type:  MessageTypeNewFeed,
		Scope: RefForScope(scope),
		Data:  json.RawMessage(`{"id": "P3", "heading": "fresh", "created_by": "bob"}`),
	})
	waitFor(t, func() bool {
		view := scopeSession.Feed()
		return len(view.Posts) == 3 && view.Posts[0].Id == "P3"
	})

	view := scopeSession.Feed()
	assert.Equal(t, EntityId("P3"), view.Posts[0].Id)
	assert.Equal(t, EntityId("P1"), view.Posts[1].Id)
	assert.Equal(t, EntityId("P2"), view.Posts[2].Id)

	scopeSession.Close()
}

func TestClientScopeInvalidated(t *testing.T) {
	h := newBackendHarness(t)
	defer h.close()
	h.feeds.Store([]*Post{
		testPost("P1", "2024-05-01T10:00:00Z"),
	})

	client := newBackendClient(context.Background(), h)
	defer client.Close()

	assert.Equal(t, nil, client.Login("alice", "hunter2"))

	scope := FeedGroupScope("ALPHA")
	scopeSession, err := client.OpenScope(scope)
	assert.Equal(t, nil, err)

	errs := make(chan error, 8)
	removeErrorCallback := scopeSession.AddErrorCallback(func(err error) {
		errs <- err
	})
	defer removeErrorCallback()

	ws, _ := h.awaitJoin(t)
	waitFor(t, func() bool {
		return scopeSession.State() == StoreStateReady
	})

	h.push(t, ws, &PushFrame{
		Type:  MessageTypeGroupDeleted,
		Scope: RefForScope(scope),
	})

	select {
	case err := <-errs:
		assert.Equal(t, ErrScopeInvalidated, err)
	case <-time.After(5 * time.Second):
		t.Fatal("no invalidation error")
	}
	waitFor(t, func() bool {
		return scopeSession.State() == StoreStateInvalidated
	})
	assert.Equal(t, 0, len(scopeSession.Feed().Posts))
	assert.Equal(t, false, client.rooms.IsJoined(scope))
}

func TestClientReconnectRefetchesFirstPage(t *testing.T) {
	h := newBackendHarness(t)
	defer h.close()
	h.feeds.Store([]*Post{
		testPost("P1", "2024-05-01T10:00:00Z"),
	})

	client := newBackendClient(context.Background(), h)
	defer client.Close()

	assert.Equal(t, nil, client.Login("alice", "hunter2"))

	scope := FeedGroupScope("ALPHA")
	scopeSession, err := client.OpenScope(scope)
	assert.Equal(t, nil, err)
	defer scopeSession.Close()

	ws, _ := h.awaitJoin(t)
	waitFor(t, func() bool {
		view := scopeSession.Feed()
		return view.State == StoreStateReady && len(view.Posts) == 1
	})

	// events missed during the gap surface through the fresh snapshot
	h.feeds.Store([]*Post{
		testPost("P1", "2024-05-01T10:00:00Z"),
		testPost("P9", "2024-05-01T11:00:00Z"),
	})
	ws.Close()

	// the client reconnects, rejoins, and re-fetches page 1
	_, rejoinedRef := h.awaitJoin(t)
	assert.Equal(t, RefForScope(scope), rejoinedRef)
	waitFor(t, func() bool {
		return len(scopeSession.Feed().Posts) == 2
	})
}

func TestClientJoinError(t *testing.T) {
	h := newBackendHarness(t)
	defer h.close()

	client := newBackendClient(context.Background(), h)
	defer client.Close()

	assert.Equal(t, nil, client.Login("alice", "hunter2"))

	scope := FeedGroupScope("PRIVATE")
	scopeSession, err := client.OpenScope(scope)
	assert.Equal(t, nil, err)
	defer scopeSession.Close()

	errs := make(chan error, 8)
	removeErrorCallback := scopeSession.AddErrorCallback(func(err error) {
		errs <- err
	})
	defer removeErrorCallback()

	ws, joinedRef := h.awaitJoin(t)
	h.push(t, ws, &PushFrame{
		Type:  MessageTypeJoinError,
		Scope: joinedRef,
		Code:  string(ApiErrorForbidden),
	})

	select {
	case err := <-errs:
		assert.Equal(t, ErrScopeForbidden, err)
	case <-time.After(5 * time.Second):
		t.Fatal("no join error")
	}
	assert.Equal(t, false, client.rooms.IsJoined(scope))
}

func TestClientOpenScopeRequiresSession(t *testing.T) {
	h := newBackendHarness(t)
	defer h.close()

	client := newBackendClient(context.Background(), h)
	defer client.Close()

	_, err := client.OpenScope(FeedGroupScope("ALPHA"))
	assert.Equal(t, ErrSessionExpired, err)
}
