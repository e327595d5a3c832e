package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dmaraujo/parley/internal/api"
	"github.com/dmaraujo/parley/internal/bus"
	"github.com/dmaraujo/parley/internal/call"
	"github.com/dmaraujo/parley/internal/config"
	"github.com/dmaraujo/parley/internal/gateway"
	"github.com/dmaraujo/parley/internal/outbox"
	"github.com/dmaraujo/parley/internal/reconcile"
	"github.com/dmaraujo/parley/internal/session"
	"github.com/dmaraujo/parley/internal/status"
	"github.com/dmaraujo/parley/internal/store"
)

type restRecorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *restRecorder) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		r.paths = append(r.paths, req.Method+" "+req.URL.Path)
		r.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if req.Method == http.MethodPost && req.URL.Path == "/api/messages" {
			_ = json.NewEncoder(w).Encode(map[string]any{"accepted": true})
			return
		}
		_, _ = w.Write([]byte(`{}`))
	})
}

func (r *restRecorder) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

func testCore(t *testing.T) (*Core, *store.DB, *restRecorder, *bus.Bus) {
	t.Helper()

	rec := &restRecorder{}
	srv := httptest.NewServer(rec.handler())
	t.Cleanup(srv.Close)

	db, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	id, err := session.GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	id.UserID = "me"
	id.AuthToken = "token"

	cfg := config.Default()
	cfg.Server.BaseURL = srv.URL

	b := bus.New()
	client := api.NewClient(srv.URL, id.AuthToken)
	msgs := api.NewMessageService(client)
	calls := api.NewCallService(client)
	keySvc := api.NewKeyService(client)
	presenceSvc := api.NewPresenceService(client)

	keyring := session.NewKeyring(id, keySvc, db)
	gw := gateway.New(cfg.Conn, "ws://127.0.0.1:1/ws", id, presenceSvc, b, nil)
	tracker := reconcile.NewPresenceTracker()
	engine := reconcile.NewEngine(db, keyring, msgs, tracker, b, nil)
	sender := outbox.NewSender(db, engine, msgs, gw, keyring, id.UserID, b, time.Minute, nil)
	callMachine := call.NewMachine(b)
	coordinator := call.NewCoordinator(callMachine, calls, gw, nil, id.UserID, 0, b, nil)
	runtime := status.NewMachine(b)

	core := NewCore(db, engine, sender, coordinator, callMachine, runtime, tracker, msgs, gw, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	engine.Start(ctx)
	sender.Start(ctx)
	t.Cleanup(func() {
		sender.Stop()
		engine.Stop()
	})

	return core, db, rec, b
}

func TestSendTextFlowsThroughOutbox(t *testing.T) {
	core, db, rec, _ := testCore(t)

	tempID, err := core.SendText("42", "hello")
	if err != nil {
		t.Fatal(err)
	}

	// Optimistic record is visible immediately.
	msgs, err := core.Messages("42", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || !msgs[0].Pending || msgs[0].TempID != tempID {
		t.Fatalf("messages = %+v", msgs)
	}

	// The drain loop submits it over REST and clears the outbox.
	deadline := time.After(5 * time.Second)
	for {
		pending, err := db.PendingOutbox()
		if err != nil {
			t.Fatal(err)
		}
		if len(pending) == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("outbox not drained: %+v", pending)
		case <-time.After(20 * time.Millisecond):
		}
	}

	found := false
	for _, p := range rec.recorded() {
		if p == "POST /api/messages" {
			found = true
		}
	}
	if !found {
		t.Errorf("REST calls = %v, want POST /api/messages", rec.recorded())
	}
}

func TestInboundEventReachesReadSide(t *testing.T) {
	core, _, _, b := testCore(t)

	b.Publish(bus.Event{
		Kind: gateway.KindMessageNew,
		Payload: &gateway.NewMessage{Message: gateway.WireMessage{
			ID: "m1", ChatID: "42", SenderID: "them", Content: "hi", CreatedAt: "2024-03-01T10:00:00Z",
		}},
	})

	deadline := time.After(5 * time.Second)
	for {
		msgs, err := core.Messages("42", 0, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) == 1 {
			if msgs[0].Body != "hi" || msgs[0].Pending {
				t.Fatalf("message = %+v", msgs[0])
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("inbound message never reached the store")
		case <-time.After(10 * time.Millisecond):
		}
	}

	chats, err := core.Chats(50, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 1 || chats[0].ID != "42" {
		t.Errorf("chats = %+v", chats)
	}

	groups, err := core.MessagesByDay("42", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || len(groups[0].Messages) != 1 {
		t.Errorf("groups = %+v", groups)
	}
}

func TestMarkChatReadReportsEachMessage(t *testing.T) {
	core, _, rec, b := testCore(t)

	b.Publish(bus.Event{
		Kind: gateway.KindMessageNew,
		Payload: &gateway.NewMessage{Message: gateway.WireMessage{
			ID: "m1", ChatID: "42", SenderID: "them", Content: "hi", CreatedAt: "2024-03-01T10:00:00Z",
		}},
	})
	deadline := time.After(5 * time.Second)
	for {
		msgs, _ := core.Messages("42", 0, 10)
		if len(msgs) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("inbound message never ingested")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := core.MarkChatRead(context.Background(), "42"); err != nil {
		t.Fatal(err)
	}

	found := false
	for _, p := range rec.recorded() {
		if p == "PUT /api/messages/m1/read" {
			found = true
		}
	}
	if !found {
		t.Errorf("REST calls = %v, want PUT /api/messages/m1/read", rec.recorded())
	}
}

func TestCallSessionStartsIdle(t *testing.T) {
	core, _, _, _ := testCore(t)

	if s := core.CallSession(); s.Status != call.Idle {
		t.Errorf("session = %+v, want idle", s)
	}
	if st := core.Status(); st != status.Starting {
		t.Errorf("runtime = %s, want %s", st, status.Starting)
	}
}
