package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/core/failure"
	"github.com/vietddude/relay/internal/infra/memory"
	"github.com/vietddude/relay/internal/transport"
)

// gatewayStub accepts one websocket session, performs the hello/ack
// handshake, and hands the connection to serve.
func gatewayStub(t *testing.T, ackToken string, serve func(ctx context.Context, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		ctx := r.Context()

		var hello frame
		if err := wsjson.Read(ctx, conn, &hello); err != nil {
			t.Errorf("read hello: %v", err)
			return
		}
		if hello.Type != "hello" || hello.DeviceID == "" {
			t.Errorf("unexpected hello frame: %+v", hello)
		}
		if err := wsjson.Write(ctx, conn, frame{Type: "ack", Token: ackToken}); err != nil {
			t.Errorf("write ack: %v", err)
			return
		}
		if serve != nil {
			serve(ctx, conn)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func pairedStore(t *testing.T) *memory.CredentialStore {
	t.Helper()
	store := memory.NewCredentialStore()
	err := store.Save(context.Background(), &domain.Credentials{
		DeviceID: "dev-1", Token: "tok-1", PairedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func waitEvent(t *testing.T, ch <-chan transport.Event) transport.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func waitLifecycle(t *testing.T, ch <-chan transport.Event, want transport.LifecycleState) transport.LifecycleEvent {
	t.Helper()
	for {
		ev := waitEvent(t, ch)
		le, ok := ev.(transport.LifecycleEvent)
		if !ok {
			continue
		}
		if le.State != want {
			t.Fatalf("lifecycle = %v, want %v (cause %v)", le.State, want, le.Cause)
		}
		return le
	}
}

func TestConnectHandshake(t *testing.T) {
	block := make(chan struct{})
	srv := gatewayStub(t, "", func(ctx context.Context, conn *websocket.Conn) {
		<-block
	})
	defer close(block)

	c := New(Config{URL: wsURL(srv), DeviceID: "dev-1"}, pairedStore(t))
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitLifecycle(t, c.Events(), transport.LifecycleConnecting)
	waitLifecycle(t, c.Events(), transport.LifecycleOpen)
}

func TestConnectPersistsRotatedToken(t *testing.T) {
	block := make(chan struct{})
	srv := gatewayStub(t, "tok-2", func(ctx context.Context, conn *websocket.Conn) {
		<-block
	})
	defer close(block)

	store := pairedStore(t)
	c := New(Config{URL: wsURL(srv), DeviceID: "dev-1"}, store)
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	creds, err := store.Load(context.Background())
	if err != nil || creds == nil {
		t.Fatalf("Load: %v, %v", creds, err)
	}
	if creds.Token != "tok-2" {
		t.Errorf("token = %s, want rotated tok-2", creds.Token)
	}
}

func TestConnectWithoutCredentials(t *testing.T) {
	c := New(Config{URL: "ws://localhost:1", DeviceID: "dev-1"}, memory.NewCredentialStore())

	err := c.Connect(context.Background())
	if failure.KindOf(err) != failure.AuthInvalid {
		t.Fatalf("kind = %v, want AuthInvalid (err %v)", failure.KindOf(err), err)
	}
}

func TestSendRoundTrip(t *testing.T) {
	srv := gatewayStub(t, "", func(ctx context.Context, conn *websocket.Conn) {
		for {
			var req frame
			if err := wsjson.Read(ctx, conn, &req); err != nil {
				return
			}
			if req.Type != "send" {
				continue
			}
			reply := frame{Type: "result", ID: req.ID, Status: 200}
			if req.To == "5511000000000" {
				reply = frame{Type: "error", ID: req.ID, Status: 404, Error: "recipient not found"}
			}
			if err := wsjson.Write(ctx, conn, reply); err != nil {
				return
			}
		}
	})

	c := New(Config{URL: wsURL(srv), DeviceID: "dev-1"}, pairedStore(t))
	defer c.Disconnect()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := c.Send(context.Background(), "5511999999999", "hi"); err != nil {
		t.Errorf("Send: %v", err)
	}

	err := c.Send(context.Background(), "5511000000000", "hi")
	if failure.KindOf(err) != failure.TargetNotFound {
		t.Errorf("kind = %v, want TargetNotFound (err %v)", failure.KindOf(err), err)
	}
}

func TestSendWithoutConnection(t *testing.T) {
	c := New(Config{URL: "ws://localhost:1", DeviceID: "dev-1"}, pairedStore(t))

	err := c.Send(context.Background(), "5511999999999", "hi")
	if failure.KindOf(err) != failure.SessionNotEstablished {
		t.Fatalf("kind = %v, want SessionNotEstablished", failure.KindOf(err))
	}
}

func TestInboundMessageEvents(t *testing.T) {
	block := make(chan struct{})
	srv := gatewayStub(t, "", func(ctx context.Context, conn *websocket.Conn) {
		_ = wsjson.Write(ctx, conn, frame{
			Type: "message", From: "5511999999999", MsgID: "MSG1", Text: "hello", PushName: "Alice",
		})
		_ = wsjson.Write(ctx, conn, frame{
			Type: "message", From: "5511999999999", MsgID: "MSG2", Error: "no session",
		})
		_ = wsjson.Write(ctx, conn, frame{Type: "session", From: "5511999999999"})
		<-block
	})
	defer close(block)

	c := New(Config{URL: wsURL(srv), DeviceID: "dev-1"}, pairedStore(t))
	defer c.Disconnect()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitLifecycle(t, c.Events(), transport.LifecycleConnecting)
	waitLifecycle(t, c.Events(), transport.LifecycleOpen)

	ev := waitEvent(t, c.Events())
	me, ok := ev.(transport.MessageEvent)
	if !ok {
		t.Fatalf("event = %T, want MessageEvent", ev)
	}
	if me.Msg.Key.ID != "MSG1" || me.Msg.Text != "hello" || me.DecryptErr != nil {
		t.Errorf("message event = %+v", me)
	}

	ev = waitEvent(t, c.Events())
	me, ok = ev.(transport.MessageEvent)
	if !ok {
		t.Fatalf("event = %T, want MessageEvent", ev)
	}
	if me.DecryptErr == nil || failure.KindOf(me.DecryptErr) != failure.SessionNotEstablished {
		t.Errorf("DecryptErr = %v, want SessionNotEstablished", me.DecryptErr)
	}

	ev = waitEvent(t, c.Events())
	se, ok := ev.(transport.SessionEvent)
	if !ok {
		t.Fatalf("event = %T, want SessionEvent", ev)
	}
	if se.Peer != "5511999999999" {
		t.Errorf("session peer = %s", se.Peer)
	}
}

func TestCloseCodeClassification(t *testing.T) {
	tests := []struct {
		name       string
		code       websocket.StatusCode
		wantKind   failure.Kind
		superseded bool
	}{
		{name: "logged out", code: closeLoggedOut, wantKind: failure.AuthInvalid},
		{name: "timed out", code: closeTimedOut, wantKind: failure.Timeout},
		{name: "throttled", code: closeThrottled, wantKind: failure.RateLimited},
		{name: "superseded", code: closeSuperseded, wantKind: failure.Unknown, superseded: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := gatewayStub(t, "", func(ctx context.Context, conn *websocket.Conn) {
				_ = conn.Close(tt.code, "gateway close")
			})

			c := New(Config{URL: wsURL(srv), DeviceID: "dev-1"}, pairedStore(t))
			if err := c.Connect(context.Background()); err != nil {
				t.Fatalf("Connect: %v", err)
			}
			waitLifecycle(t, c.Events(), transport.LifecycleConnecting)
			waitLifecycle(t, c.Events(), transport.LifecycleOpen)

			closed := waitLifecycle(t, c.Events(), transport.LifecycleClosed)
			if got := failure.KindOf(closed.Cause); got != tt.wantKind {
				t.Errorf("kind = %v, want %v (cause %v)", got, tt.wantKind, closed.Cause)
			}
			if failure.IsSuperseded(closed.Cause) != tt.superseded {
				t.Errorf("IsSuperseded = %v, want %v", !tt.superseded, tt.superseded)
			}
		})
	}
}

func TestDisconnectDuringReplyDispatch(t *testing.T) {
	srv := gatewayStub(t, "", func(ctx context.Context, conn *websocket.Conn) {
		for {
			var req frame
			if err := wsjson.Read(ctx, conn, &req); err != nil {
				return
			}
			if err := wsjson.Write(ctx, conn, frame{Type: "result", ID: req.ID, Status: 200}); err != nil {
				return
			}
		}
	})

	// Race reply dispatch against teardown: the read loop must own a reply
	// channel exclusively before sending on it, or a concurrent Disconnect
	// closing the pending set panics the loop.
	for i := 0; i < 20; i++ {
		c := New(Config{URL: wsURL(srv), DeviceID: "dev-1"}, pairedStore(t))
		if err := c.Connect(context.Background()); err != nil {
			t.Fatalf("Connect: %v", err)
		}

		var wg sync.WaitGroup
		for j := 0; j < 8; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = c.Send(context.Background(), "5511999999999", "hi")
			}()
		}
		time.Sleep(time.Millisecond)
		c.Disconnect()
		wg.Wait()
	}
}

func TestDisconnectEmitsNoClosedEvent(t *testing.T) {
	block := make(chan struct{})
	srv := gatewayStub(t, "", func(ctx context.Context, conn *websocket.Conn) {
		<-block
	})
	defer close(block)

	c := New(Config{URL: wsURL(srv), DeviceID: "dev-1"}, pairedStore(t))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitLifecycle(t, c.Events(), transport.LifecycleConnecting)
	waitLifecycle(t, c.Events(), transport.LifecycleOpen)

	c.Disconnect()

	select {
	case ev := <-c.Events():
		if le, ok := ev.(transport.LifecycleEvent); ok && le.State == transport.LifecycleClosed {
			t.Errorf("got Closed event after deliberate Disconnect: %+v", le)
		}
	case <-time.After(200 * time.Millisecond):
	}
}
