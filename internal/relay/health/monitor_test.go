package health

import (
	"context"
	"testing"
	"time"

	"github.com/vietddude/relay/internal/relay/conn"
	"github.com/vietddude/relay/internal/relay/sched"
)

func newTestMonitor(status conn.Status, usage float64) (*Monitor, *int) {
	triggered := 0
	m := NewMonitor(
		Config{Interval: time.Minute, MemoryThreshold: 0.9},
		func() conn.Status { return status },
		func() { triggered++ },
		func(ctx context.Context) (bool, error) { return true, nil },
		nil,
		nil,
		sched.New(),
		func() {},
	)
	m.memUsage = func() (float64, error) { return usage, nil }
	return m, &triggered
}

func TestCheck_Healthy(t *testing.T) {
	m, triggered := newTestMonitor(conn.Status{State: conn.StateOpen}, 0.5)

	snap := m.Check(context.Background())
	if snap.Status != StatusHealthy {
		t.Errorf("status = %s, want healthy", snap.Status)
	}
	if *triggered != 0 {
		t.Errorf("trigger called %d times on an open connection", *triggered)
	}
}

func TestCheck_TriggersReconnectWhenDownAndIdle(t *testing.T) {
	m, triggered := newTestMonitor(conn.Status{State: conn.StateClosed}, 0.5)

	snap := m.Check(context.Background())
	if snap.Status != StatusDegraded {
		t.Errorf("status = %s, want degraded", snap.Status)
	}
	if *triggered != 1 {
		t.Errorf("trigger called %d times, want 1", *triggered)
	}
}

func TestCheck_NoTriggerWhileReconnectPending(t *testing.T) {
	m, triggered := newTestMonitor(conn.Status{State: conn.StateClosed, Pending: true}, 0.5)

	m.Check(context.Background())
	if *triggered != 0 {
		t.Error("trigger called while a reconnect was already pending")
	}
}

func TestCheck_NoTriggerWhenHalted(t *testing.T) {
	m, triggered := newTestMonitor(conn.Status{State: conn.StateClosed, Halted: true}, 0.5)

	m.Check(context.Background())
	if *triggered != 0 {
		t.Error("trigger called on a halted controller")
	}
}

func TestCheck_MemoryPressureSchedulesExit(t *testing.T) {
	scheduler := sched.New()
	defer scheduler.Stop()

	m := NewMonitor(
		Config{Interval: time.Minute, MemoryThreshold: 0.9},
		func() conn.Status { return conn.Status{State: conn.StateOpen} },
		func() {},
		nil,
		nil,
		nil,
		scheduler,
		func() {},
	)
	usage := 0.95
	m.memUsage = func() (float64, error) { return usage, nil }

	snap := m.Check(context.Background())
	if snap.Status != StatusCritical {
		t.Errorf("status = %s, want critical", snap.Status)
	}
	if !scheduler.Pending(exitKey) {
		t.Fatal("exit not scheduled under memory pressure")
	}

	// A second breach must not re-arm (and so re-delay) the timer logic;
	// Pending stays true either way, but Check must not panic or double-log.
	m.Check(context.Background())

	// Recovery before the grace period cancels the exit.
	usage = 0.5
	snap = m.Check(context.Background())
	if snap.Status != StatusHealthy {
		t.Errorf("status after recovery = %s, want healthy", snap.Status)
	}
	if scheduler.Pending(exitKey) {
		t.Error("exit still scheduled after memory pressure cleared")
	}
}

func TestCheck_MissingCredentialsDegradeOnlyWhileClosed(t *testing.T) {
	newMonitor := func(state conn.State) *Monitor {
		m := NewMonitor(
			Config{},
			func() conn.Status { return conn.Status{State: state, Pending: true} },
			func() {},
			func(ctx context.Context) (bool, error) { return false, nil },
			nil,
			nil,
			sched.New(),
			func() {},
		)
		m.memUsage = func() (float64, error) { return 0.5, nil }
		return m
	}

	// An empty store with the connection down means pairing is lost.
	snap := newMonitor(conn.StateClosed).Check(context.Background())
	if snap.CredentialsOK {
		t.Error("CredentialsOK = true with no stored credentials and no session")
	}
	if snap.Status != StatusDegraded {
		t.Errorf("status = %s, want degraded", snap.Status)
	}

	// An open session vouches for the credentials even when the store is
	// momentarily empty.
	snap = newMonitor(conn.StateOpen).Check(context.Background())
	if !snap.CredentialsOK {
		t.Error("CredentialsOK = false despite an open session")
	}
	if snap.Status != StatusHealthy {
		t.Errorf("status = %s, want healthy", snap.Status)
	}
}

type failingProber struct{}

func (failingProber) Probe(ctx context.Context) error {
	return context.DeadlineExceeded
}

func TestCheck_BackendProbeFailureDegrades(t *testing.T) {
	m := NewMonitor(
		Config{},
		func() conn.Status { return conn.Status{State: conn.StateOpen} },
		func() {},
		nil,
		failingProber{},
		nil,
		sched.New(),
		func() {},
	)
	m.memUsage = func() (float64, error) { return 0.5, nil }

	snap := m.Check(context.Background())
	if snap.BackendOK {
		t.Error("BackendOK = true with a failing probe")
	}
	if snap.Status != StatusDegraded {
		t.Errorf("status = %s, want degraded", snap.Status)
	}
}
