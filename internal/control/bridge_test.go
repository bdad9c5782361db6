package control

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/core/failure"
	"github.com/vietddude/relay/internal/infra/memory"
	webhookclient "github.com/vietddude/relay/internal/infra/webhook"
	"github.com/vietddude/relay/internal/relay/conn"
	"github.com/vietddude/relay/internal/relay/ledger"
	"github.com/vietddude/relay/internal/relay/queue"
	"github.com/vietddude/relay/internal/relay/sched"
	"github.com/vietddude/relay/internal/relay/send"
	"github.com/vietddude/relay/internal/transport"
)

type fakeTransport struct {
	events   chan transport.Event
	fetched  map[domain.MessageKey]*domain.InboundMessage
	fetchErr error
	sendErr  error
	sends    atomic.Int64
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events:  make(chan transport.Event, 16),
		fetched: make(map[domain.MessageKey]*domain.InboundMessage),
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error { return nil }
func (f *fakeTransport) Disconnect()                       {}
func (f *fakeTransport) Send(ctx context.Context, peer domain.PeerID, text string) error {
	f.sends.Add(1)
	return f.sendErr
}
func (f *fakeTransport) Fetch(ctx context.Context, peer domain.PeerID, key domain.MessageKey) (*domain.InboundMessage, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if msg, ok := f.fetched[key]; ok {
		return msg, nil
	}
	return nil, failure.New(failure.Unknown, "message not available")
}
func (f *fakeTransport) Events() <-chan transport.Event { return f.events }

func newTestBridge(t *testing.T, backend http.HandlerFunc) (*Bridge, *fakeTransport) {
	t.Helper()

	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	ft := newFakeTransport()
	scheduler := sched.New()
	t.Cleanup(scheduler.Stop)

	failureLedger := ledger.New(100)
	ctrl := conn.New(conn.DefaultConfig(), scheduler, ft.Connect, nil)
	pipeline := send.New(send.Config{
		RetryDelays:    []time.Duration{time.Millisecond},
		RateLimitPause: time.Minute,
	}, ft.Send, ctrl.Connected, failureLedger)
	ctrl.OnOpen(pipeline.ResetSession)

	b := &Bridge{
		transport: ft,
		ctrl:      ctrl,
		pipeline:  pipeline,
		queue:     queue.New(queue.Config{Expiry: 10 * time.Second, MaxRetries: 3}),
		scheduler: scheduler,
		webhook:   webhookclient.New(webhookclient.Config{MessageURL: srv.URL, MaxRetries: 1}),
		dedup:     memory.NewDedup(time.Minute),
		log:       slog.Default(),
	}
	return b, ft
}

func inbound(id string) domain.InboundMessage {
	return domain.InboundMessage{
		Peer:       "5511999999999",
		Key:        domain.MessageKey{ID: id},
		Text:       "hello",
		ReceivedAt: time.Now(),
	}
}

func TestLifecycleEventsDriveController(t *testing.T) {
	b, _ := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {})
	ctx := context.Background()

	b.handleEvent(ctx, transport.LifecycleEvent{State: transport.LifecycleOpen})
	if !b.ctrl.Connected() {
		t.Fatal("controller not open after open event")
	}

	b.handleEvent(ctx, transport.LifecycleEvent{
		State: transport.LifecycleClosed,
		Cause: failure.New(failure.Timeout, "read timeout"),
	})
	if b.ctrl.Connected() {
		t.Fatal("controller still open after closed event")
	}
	if !b.ctrl.Snapshot().Pending {
		t.Error("no reconnect pending after a timeout disconnect")
	}
}

func TestInboundMessageDelivered(t *testing.T) {
	var hits atomic.Int64
	b, _ := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	})

	b.handleEvent(context.Background(), transport.MessageEvent{Msg: inbound("MSG1")})
	if got := hits.Load(); got != 1 {
		t.Errorf("backend hits = %d, want 1", got)
	}
}

func TestDuplicateInboundSuppressed(t *testing.T) {
	var hits atomic.Int64
	b, _ := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	})
	ctx := context.Background()

	b.handleEvent(ctx, transport.MessageEvent{Msg: inbound("MSG1")})
	b.handleEvent(ctx, transport.MessageEvent{Msg: inbound("MSG1")})
	if got := hits.Load(); got != 1 {
		t.Errorf("backend hits = %d, want 1 (duplicate must be suppressed)", got)
	}
}

func TestDecryptFailureQueuesThenSessionDrains(t *testing.T) {
	var hits atomic.Int64
	b, ft := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	})
	ctx := context.Background()

	msg := inbound("MSG1")
	b.handleEvent(ctx, transport.MessageEvent{
		Msg:        domain.InboundMessage{Peer: msg.Peer, Key: msg.Key},
		DecryptErr: failure.New(failure.SessionNotEstablished, "no session"),
	})
	if hits.Load() != 0 {
		t.Fatal("undecryptable message reached the backend")
	}
	if b.queue.Len(msg.Peer) != 1 {
		t.Fatalf("queue len = %d, want 1", b.queue.Len(msg.Peer))
	}

	// Session comes up; the drain fetches and delivers.
	ft.fetched[msg.Key] = &msg
	b.handleEvent(ctx, transport.SessionEvent{Peer: msg.Peer})
	if got := hits.Load(); got != 1 {
		t.Errorf("backend hits after drain = %d, want 1", got)
	}
	if b.queue.Len(msg.Peer) != 0 {
		t.Errorf("queue len after drain = %d, want 0", b.queue.Len(msg.Peer))
	}
}

func TestWebhookFailureRequeues(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	var hits atomic.Int64
	b, _ := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
		}
	})
	ctx := context.Background()

	msg := inbound("MSG1")
	b.handleEvent(ctx, transport.MessageEvent{Msg: msg})
	if b.queue.Len(msg.Peer) != 1 {
		t.Fatalf("queue len after failed delivery = %d, want 1", b.queue.Len(msg.Peer))
	}

	// The dedup mark was forgotten, so the gateway's retransmission gets
	// a real delivery attempt.
	fail.Store(false)
	before := hits.Load()
	b.handleEvent(ctx, transport.MessageEvent{Msg: msg})
	if hits.Load() == before {
		t.Error("retransmission was suppressed by a stale dedup mark")
	}
	if b.queue.Len(msg.Peer) != 0 {
		t.Errorf("queue len after successful redelivery = %d, want 0", b.queue.Len(msg.Peer))
	}
}

func TestSuccessfulProcessingRemovesQueueEntry(t *testing.T) {
	b, _ := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {})
	ctx := context.Background()

	msg := inbound("MSG1")
	b.queue.Enqueue(msg.Peer, msg.Key)

	b.handleEvent(ctx, transport.MessageEvent{Msg: msg})
	if b.queue.Len(msg.Peer) != 0 {
		t.Errorf("queue len = %d, want 0 after fresh successful processing", b.queue.Len(msg.Peer))
	}
}
