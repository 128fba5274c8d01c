package flowsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/skshohagmiah/flowsync/internal/config"
	"github.com/skshohagmiah/flowsync/internal/projector"
	"github.com/skshohagmiah/flowsync/internal/protocol"
	"github.com/skshohagmiah/flowsync/internal/query"
	"github.com/skshohagmiah/flowsync/internal/server"
)

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// newTestServer runs a full server over a test listener and returns the
// WebSocket URL of its sync endpoint.
func newTestServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	srv, err := server.New(cfg, quietLog())
	if err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.CloseClientConnections()
		ts.Close()
		srv.Stop()
	})
	return ts, "ws" + strings.TrimPrefix(ts.URL, "http") + "/flowsync"
}

func connect(t *testing.T, url string, opts Options) *Client {
	t.Helper()
	opts.Log = quietLog()
	c, err := Connect(context.Background(), url, opts)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func nextSnapshot(t *testing.T, sub *Subscription) projector.Snapshot {
	t.Helper()
	select {
	case snap, ok := <-sub.Snapshots():
		if !ok {
			t.Fatalf("Subscription ended early: %v", sub.Err())
		}
		return snap
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for a snapshot")
	}
	return projector.Snapshot{}
}

func TestConnectHandshake(t *testing.T) {
	_, url := newTestServer(t)
	c := connect(t, url, Options{})

	if c.State() != StateReady {
		t.Fatalf("Expected a ready connection, got state %d", c.State())
	}
	if c.UserID() == "" || c.Token() == "" {
		t.Fatal("Expected the handshake to mint an identity and token")
	}
}

// A point watch observes null, each stored value in turn, and null again
// after the remove.
func TestFindWatchSequence(t *testing.T) {
	_, url := newTestServer(t)
	c := connect(t, url, Options{})
	ctx := context.Background()
	col := c.Collection("msgs")

	sub, err := col.Find("1").Watch(ctx)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer sub.Close()

	if snap := nextSnapshot(t, sub); !snap.Point || snap.Doc != nil {
		t.Fatalf("Expected an initial null, got %+v", snap)
	}

	for _, a := range []float64{1, 2} {
		if _, err := col.StoreOne(ctx, map[string]interface{}{"id": "1", "a": a}); err != nil {
			t.Fatalf("Store failed: %v", err)
		}
		if snap := nextSnapshot(t, sub); snap.Doc["a"] != a {
			t.Fatalf("Expected a=%v, got %v", a, snap.Doc)
		}
	}

	if _, err := c.Collection("msgs").RemoveOne(ctx, "1"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if snap := nextSnapshot(t, sub); snap.Doc != nil {
		t.Fatalf("Expected null after the remove, got %v", snap.Doc)
	}
}

func TestFetchRoundTrip(t *testing.T) {
	_, url := newTestServer(t)
	c := connect(t, url, Options{})
	ctx := context.Background()
	col := c.Collection("msgs")

	ack, err := col.StoreOne(ctx, map[string]interface{}{"id": "a", "text": "hi"})
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if ack.ID != "a" || ack.Version != 0 {
		t.Fatalf("Unexpected ack: %+v", ack)
	}

	doc, err := col.Find("a").FetchOne(ctx)
	if err != nil {
		t.Fatalf("FetchOne failed: %v", err)
	}
	if doc["text"] != "hi" {
		t.Fatalf("Unexpected document: %v", doc)
	}

	// A miss resolves to an explicit null, not an error.
	doc, err = col.Find("missing").FetchOne(ctx)
	if err != nil {
		t.Fatalf("FetchOne failed: %v", err)
	}
	if doc != nil {
		t.Fatalf("Expected nil for a missing document, got %v", doc)
	}
}

func TestInsertDuplicateFailsRow(t *testing.T) {
	_, url := newTestServer(t)
	c := connect(t, url, Options{})
	ctx := context.Background()
	col := c.Collection("msgs")

	if _, err := col.InsertOne(ctx, map[string]interface{}{"id": "a"}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	_, err := col.InsertOne(ctx, map[string]interface{}{"id": "a"})
	var serr *ServerError
	if !errors.As(err, &serr) || serr.Code != protocol.CodeConflict {
		t.Fatalf("Expected a conflict error row, got %v", err)
	}
}

func TestSubscriptionCloseIdempotent(t *testing.T) {
	_, url := newTestServer(t)
	c := connect(t, url, Options{})

	sub, err := c.Collection("msgs").Query().Watch(context.Background())
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	nextSnapshot(t, sub)

	sub.Close()
	sub.Close()

	select {
	case _, ok := <-sub.Snapshots():
		if ok {
			t.Fatal("Expected no further snapshots after close")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for the channel to close")
	}
	if sub.Err() != nil {
		t.Fatalf("A plain close is not an error, got %v", sub.Err())
	}
}

// Connection loss fans out to every live request and subscription.
func TestDisconnectFansOut(t *testing.T) {
	ts, url := newTestServer(t)
	c := connect(t, url, Options{})

	sub, err := c.Collection("msgs").Query().Watch(context.Background())
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	nextSnapshot(t, sub)

	ts.CloseClientConnections()

	select {
	case _, ok := <-sub.Snapshots():
		if ok {
			t.Fatal("Expected the subscription to terminate")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for the disconnect")
	}
	if !errors.Is(sub.Err(), ErrDisconnected) {
		t.Fatalf("Expected ErrDisconnected, got %v", sub.Err())
	}

	if _, err := c.Collection("msgs").Query().Fetch(context.Background()); err == nil {
		t.Fatal("Expected requests after the disconnect to fail")
	}
}

// The compact patch wire variant drives the same windowed projection as
// the event variant.
func TestWatchWindowWithPatches(t *testing.T) {
	_, url := newTestServer(t)
	c := connect(t, url, Options{UsePatches: true})
	ctx := context.Background()
	col := c.Collection("ranked")

	for id, score := range map[string]float64{"1": 100, "2": 200, "3": 300} {
		if _, err := col.StoreOne(ctx, map[string]interface{}{"id": id, "score": score}); err != nil {
			t.Fatalf("Store failed: %v", err)
		}
	}

	sub, err := col.Order(query.Ascending, "score").Limit(2).Watch(ctx)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer sub.Close()

	snap := nextSnapshot(t, sub)
	if len(snap.Docs) != 2 || snap.Docs[0]["id"] != "1" || snap.Docs[1]["id"] != "2" {
		t.Fatalf("Expected the initial window [1 2], got %v", snap.Docs)
	}

	// id 3 drops to the top; the feed removes 2 and inserts 3 at the front.
	if _, err := col.StoreOne(ctx, map[string]interface{}{"id": "3", "score": 50.0}); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	nextSnapshot(t, sub)
	snap = nextSnapshot(t, sub)
	if len(snap.Docs) != 2 || snap.Docs[0]["id"] != "3" || snap.Docs[1]["id"] != "1" {
		t.Fatalf("Expected the window [3 1], got %v", snap.Docs)
	}
}

// newShortResponseServer speaks just enough of the protocol to complete a
// handshake, then answers every write with a response carrying no rows.
func newShortResponseServer(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			var req protocol.Request
			if err := ws.ReadJSON(&req); err != nil {
				return
			}
			resp := protocol.Response{RequestID: req.RequestID, State: protocol.StateComplete}
			if req.Type == protocol.TypeHandshake {
				raw, _ := json.Marshal(protocol.HandshakeResult{UserID: "u", Token: "t"})
				resp.Data = []json.RawMessage{raw}
			}
			if err := ws.WriteJSON(resp); err != nil {
				return
			}
		}
	}))
	t.Cleanup(func() {
		ts.CloseClientConnections()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

// A write response with the wrong row count is an error, never a panic.
func TestWriteOneRejectsShortResponse(t *testing.T) {
	c := connect(t, newShortResponseServer(t), Options{})

	_, err := c.Collection("msgs").StoreOne(context.Background(), map[string]interface{}{"id": "a"})
	if err == nil {
		t.Fatal("Expected an error for a write response without rows")
	}
}
