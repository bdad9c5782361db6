// Package control wires the resilience components together and runs the
// single event loop that consumes the gateway session's signals.
package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vietddude/relay/internal/core/config"
	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/memory"
	"github.com/vietddude/relay/internal/infra/postgres"
	redisclient "github.com/vietddude/relay/internal/infra/redis"
	webhookclient "github.com/vietddude/relay/internal/infra/webhook"
	"github.com/vietddude/relay/internal/relay/alert"
	"github.com/vietddude/relay/internal/relay/conn"
	"github.com/vietddude/relay/internal/relay/health"
	"github.com/vietddude/relay/internal/relay/ledger"
	"github.com/vietddude/relay/internal/relay/metrics"
	"github.com/vietddude/relay/internal/relay/queue"
	"github.com/vietddude/relay/internal/relay/sched"
	"github.com/vietddude/relay/internal/relay/send"
	"github.com/vietddude/relay/internal/transport"
	"github.com/vietddude/relay/internal/transport/ws"
)

// Dedup remembers delivered message keys so redeliveries and reconnect
// replays do not hit the backend twice.
type Dedup interface {
	Seen(ctx context.Context, peer domain.PeerID, key domain.MessageKey) (bool, error)
	Forget(ctx context.Context, peer domain.PeerID, key domain.MessageKey) error
}

// Bridge is the main application struct that manages the relay lifecycle.
type Bridge struct {
	cfg *config.AppConfig

	transport transport.Client
	ctrl      *conn.Controller
	pipeline  *send.Pipeline
	queue     *queue.RetryQueue
	alerter   *alert.Alerter
	monitor   *health.Monitor
	server    *health.Server
	scheduler *sched.Scheduler
	webhook   *webhookclient.Client
	dedup     Dedup

	db          *postgres.DB
	redisClient *redisclient.Client
	prober      *health.GRPCProber
	memDedup    *memory.Dedup // set only in fallback mode; needs its prune loop

	log *slog.Logger
}

// NewBridge creates a Bridge with all dependencies initialized. shutdown is
// invoked when the health monitor decides the process must restart.
func NewBridge(cfg *config.AppConfig, shutdown func()) (*Bridge, error) {
	b := &Bridge{cfg: cfg, log: slog.Default()}

	// 1. Initialize Storage
	var credStore interface {
		transport.CredentialStore
		Has(ctx context.Context) (bool, error)
	}
	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(); err != nil {
			return nil, err
		}
		b.db = db
		credStore = postgres.NewCredentialRepo(db, cfg.Gateway.DeviceID)
		slog.Info("Using PostgreSQL storage")
	} else {
		credStore = memory.NewCredentialStore()
		slog.Info("Using Memory storage, pairing will not survive a restart")
	}

	// 2. Initialize Dedup
	if cfg.Redis.URL != "" {
		redisClient, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("Failed to connect to Redis, using in-memory dedup", "error", err)
			b.memDedup = memory.NewDedup(cfg.Resilience.DedupTTL)
			b.dedup = b.memDedup
		} else {
			b.redisClient = redisClient
			b.dedup = redisclient.NewDedup(redisClient, cfg.Resilience.DedupTTL)
			slog.Info("Using Redis dedup")
		}
	} else {
		b.memDedup = memory.NewDedup(cfg.Resilience.DedupTTL)
		b.dedup = b.memDedup
	}

	// 3. Initialize Backend Webhook Client
	b.webhook = webhookclient.New(cfg.Backend)

	// 4. Initialize Transport
	b.transport = ws.New(cfg.Gateway, credStore)

	// 5. Initialize Resilience Core
	b.scheduler = sched.New()
	failureLedger := ledger.New(ledger.DefaultCapacity)

	b.ctrl = conn.New(cfg.Resilience.Reconnect, b.scheduler,
		b.transport.Connect, credStore.Delete)

	b.pipeline = send.New(cfg.Resilience.Send, b.transport.Send,
		b.ctrl.Connected, failureLedger)
	b.ctrl.OnOpen(b.pipeline.ResetSession)

	b.queue = queue.New(cfg.Resilience.Queue)

	// 6. Initialize Alerting and Health
	b.alerter = alert.New(cfg.Resilience.Alerts, b.webhook, failureLedger, b.ctrl.Snapshot)

	if cfg.Backend.HealthGRPC != "" {
		prober, err := health.NewGRPCProber(context.Background(), cfg.Backend.HealthGRPC, "")
		if err != nil {
			slog.Warn("Backend health probe unavailable", "error", err)
		} else {
			b.prober = prober
		}
	}

	var backendProber health.BackendProber
	if b.prober != nil {
		backendProber = b.prober
	}
	b.monitor = health.NewMonitor(
		health.Config{
			Interval:        cfg.Resilience.HealthInterval,
			MemoryThreshold: cfg.Resilience.MemoryThreshold,
		},
		b.ctrl.Snapshot,
		b.ctrl.TriggerReconnect,
		credStore.Has,
		backendProber,
		b.alerter,
		b.scheduler,
		shutdown,
	)

	// A rate-limit signal may mean the session is degrading; re-verify
	// health immediately instead of waiting for the next tick.
	b.pipeline.SetRateLimitHook(func() {
		go b.monitor.Check(context.Background())
	})

	b.server = health.NewServer(b.monitor, b.ctrl, b.pipeline, b.queue, cfg.Server.Port)

	return b, nil
}

// Start starts the bridge and all its background loops.
func (b *Bridge) Start(ctx context.Context) error {
	go func() {
		if err := b.server.Start(); err != nil {
			b.log.Error("Front-door server failed", "error", err)
		}
	}()

	go b.monitor.Run(ctx)
	go b.queue.Run(ctx)
	go b.eventLoop(ctx)
	if b.memDedup != nil {
		go b.memDedup.Run(ctx)
	}

	b.ctrl.Start(ctx)
	return nil
}

// Stop stops the bridge.
func (b *Bridge) Stop(ctx context.Context) error {
	b.log.Info("Stopping bridge...")

	b.scheduler.Stop()
	b.transport.Disconnect()

	if b.redisClient != nil {
		if err := b.redisClient.Close(); err != nil {
			b.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if b.db != nil {
		if err := b.db.Close(); err != nil {
			b.log.Warn("Failed to close database", "error", err)
		}
	}
	if b.prober != nil {
		_ = b.prober.Close()
	}

	return b.server.Stop(ctx)
}

// Send exposes the outbound pipeline (used by the front door and tests).
func (b *Bridge) Send(ctx context.Context, peer domain.PeerID, text string) error {
	return b.pipeline.Send(ctx, peer, text)
}

// eventLoop consumes every transport signal on one goroutine, which keeps
// connection-state and queue mutation serialized.
func (b *Bridge) eventLoop(ctx context.Context) {
	events := b.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			b.handleEvent(ctx, ev)
		}
	}
}

func (b *Bridge) handleEvent(ctx context.Context, ev transport.Event) {
	switch e := ev.(type) {
	case transport.LifecycleEvent:
		switch e.State {
		case transport.LifecycleConnecting:
			b.ctrl.HandleConnecting()
		case transport.LifecycleOpen:
			b.ctrl.HandleOpen()
		case transport.LifecycleClosed:
			b.ctrl.HandleClosed(e.Cause)
		}

	case transport.MessageEvent:
		b.handleMessage(ctx, e)

	case transport.SessionEvent:
		b.log.Info("Session established, draining retry queue", "peer", e.Peer)
		b.queue.Drain(ctx, e.Peer, b.reprocess)
	}
}

func (b *Bridge) handleMessage(ctx context.Context, e transport.MessageEvent) {
	msg := e.Msg

	if e.DecryptErr != nil {
		// No session with the peer yet. Park the message identity and wait
		// for the session signal or the gateway's own retransmission.
		if b.queue.Enqueue(msg.Peer, msg.Key) {
			b.log.Info("Queued undecryptable message for retry",
				"peer", msg.Peer, "message_id", msg.Key.ID, "error", e.DecryptErr)
		}
		metrics.InboundMessages.WithLabelValues("queued").Inc()
		return
	}

	b.deliver(ctx, &msg)
}

// deliver pushes one decoded message to the backend, with dedup around it.
func (b *Bridge) deliver(ctx context.Context, msg *domain.InboundMessage) {
	seen, err := b.dedup.Seen(ctx, msg.Peer, msg.Key)
	if err != nil {
		b.log.Warn("Dedup check failed, delivering anyway",
			"peer", msg.Peer, "message_id", msg.Key.ID, "error", err)
	}
	if seen {
		metrics.InboundMessages.WithLabelValues("duplicate").Inc()
		return
	}

	if err := b.webhook.DeliverMessage(ctx, msg); err != nil {
		b.log.Error("Webhook delivery failed",
			"peer", msg.Peer, "message_id", msg.Key.ID, "error", err)
		// Forget the dedup mark so a later retry is not swallowed.
		_ = b.dedup.Forget(ctx, msg.Peer, msg.Key)
		b.queue.Enqueue(msg.Peer, msg.Key)
		metrics.InboundMessages.WithLabelValues("queued").Inc()
		return
	}

	// A fresh successful delivery is evidence the session works; the same
	// message may still sit in the queue from an earlier failure.
	b.queue.Remove(msg.Peer, msg.Key)
	metrics.InboundMessages.WithLabelValues("delivered").Inc()
}

// reprocess is the retry-queue drain callback: fetch the message again now
// that the session exists and push it through the normal delivery path.
func (b *Bridge) reprocess(ctx context.Context, peer domain.PeerID, key domain.MessageKey) error {
	msg, err := b.transport.Fetch(ctx, peer, key)
	if err != nil {
		return err
	}
	seen, err := b.dedup.Seen(ctx, peer, key)
	if err == nil && seen {
		return nil
	}
	if err := b.webhook.DeliverMessage(ctx, msg); err != nil {
		_ = b.dedup.Forget(ctx, peer, key)
		return err
	}
	metrics.InboundMessages.WithLabelValues("delivered").Inc()
	return nil
}
