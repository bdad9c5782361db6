package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/relay/internal/relay/alert"
	"github.com/vietddude/relay/internal/relay/conn"
	"github.com/vietddude/relay/internal/relay/sched"
)

const exitKey = "resource-exit"

// exitGrace is how long a memory breach must persist before the monitor
// asks for a controlled restart.
const exitGrace = 30 * time.Second

// BackendProber checks the downstream webhook service.
type BackendProber interface {
	Probe(ctx context.Context) error
}

// Config controls the verification cadence and the memory ceiling.
type Config struct {
	Interval        time.Duration `yaml:"interval"`
	MemoryThreshold float64       `yaml:"memory_threshold"`
}

// Monitor runs the periodic verification pass: connection state, credential
// presence, memory pressure, and the backend probe. It repairs what it can
// (triggering a reconnect) and escalates what it cannot (a controlled exit
// on sustained memory pressure).
type Monitor struct {
	cfg       Config
	status    func() conn.Status
	trigger   func()
	credsHas  func(ctx context.Context) (bool, error)
	prober    BackendProber
	alerter   *alert.Alerter
	scheduler *sched.Scheduler
	shutdown  func()

	memUsage func() (float64, error)

	mu   sync.Mutex
	last Snapshot

	log *slog.Logger
}

func NewMonitor(
	cfg Config,
	status func() conn.Status,
	trigger func(),
	credsHas func(ctx context.Context) (bool, error),
	prober BackendProber,
	alerter *alert.Alerter,
	scheduler *sched.Scheduler,
	shutdown func(),
) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.MemoryThreshold <= 0 || cfg.MemoryThreshold > 1 {
		cfg.MemoryThreshold = 0.9
	}
	return &Monitor{
		cfg:       cfg,
		status:    status,
		trigger:   trigger,
		credsHas:  credsHas,
		prober:    prober,
		alerter:   alerter,
		scheduler: scheduler,
		shutdown:  shutdown,
		memUsage:  MemoryUsage,
		log:       slog.Default(),
	}
}

// Check performs one verification pass and returns the snapshot.
func (m *Monitor) Check(ctx context.Context) Snapshot {
	st := m.status()
	snap := Snapshot{
		ConnectionOK:  st.State == conn.StateOpen,
		CredentialsOK: true,
		ResourcesOK:   true,
		BackendOK:     true,
		Timestamp:     time.Now(),
	}

	if m.credsHas != nil {
		has, err := m.credsHas(ctx)
		if err != nil {
			m.log.Warn("Credential check failed", "error", err)
		}
		// An open session is proof of working credentials even when the
		// store is momentarily empty (e.g. mid token rotation).
		snap.CredentialsOK = (err == nil && has) || snap.ConnectionOK
	}

	if usage, err := m.memUsage(); err != nil {
		m.log.Warn("Memory check failed", "error", err)
	} else {
		snap.MemoryUsage = usage
		snap.ResourcesOK = usage < m.cfg.MemoryThreshold
	}

	if m.prober != nil {
		if err := m.prober.Probe(ctx); err != nil {
			m.log.Warn("Backend probe failed", "error", err)
			snap.BackendOK = false
		}
	}

	// Repair: a down connection without a pending reconnect gets nudged.
	if !snap.ConnectionOK && !st.Pending && !st.Halted && !st.AwaitingPair {
		m.log.Info("Connection down without a pending reconnect, triggering one")
		m.trigger()
	}

	// Escalate: sustained memory pressure ends the process so the supervisor
	// restarts it with a clean heap. The timer is cancelled if a later pass
	// sees the pressure gone.
	if !snap.ResourcesOK {
		if !m.scheduler.Pending(exitKey) {
			m.log.Error("Memory usage above threshold, scheduling controlled exit",
				"usage", snap.MemoryUsage, "threshold", m.cfg.MemoryThreshold, "grace", exitGrace)
			m.scheduler.Schedule(exitKey, exitGrace, m.shutdown)
		}
	} else if m.scheduler.Pending(exitKey) {
		m.log.Info("Memory pressure cleared, cancelling controlled exit")
		m.scheduler.Cancel(exitKey)
	}

	snap.Status = aggregate(snap)

	if m.alerter != nil {
		m.alerter.Check(ctx)
	}

	m.mu.Lock()
	m.last = snap
	m.mu.Unlock()
	return snap
}

// Last returns the most recent snapshot without running a new pass.
func (m *Monitor) Last() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Run checks on a fixed period until the context is cancelled. One pass runs
// immediately on start.
func (m *Monitor) Run(ctx context.Context) {
	m.Check(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

func aggregate(s Snapshot) SystemStatus {
	switch {
	case !s.ResourcesOK:
		return StatusCritical
	case !s.ConnectionOK || !s.CredentialsOK || !s.BackendOK:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}
