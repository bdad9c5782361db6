package alert

import (
	"context"
	"testing"
	"time"

	"github.com/vietddude/relay/internal/core/failure"
	"github.com/vietddude/relay/internal/relay/conn"
	"github.com/vietddude/relay/internal/relay/ledger"
)

type sinkStub struct {
	alerts []Alert
	err    error
}

func (s *sinkStub) Notify(ctx context.Context, a Alert) error {
	s.alerts = append(s.alerts, a)
	return s.err
}

func TestExcessiveFailuresFiresOnce(t *testing.T) {
	lg := ledger.New(100)
	sink := &sinkStub{}
	a := New(DefaultConfig(), sink, lg, func() conn.Status {
		return conn.Status{State: conn.StateOpen}
	})

	ctx := context.Background()

	// 11 failures within the window: one alert.
	for i := 0; i < 11; i++ {
		lg.Record("5511999999999", failure.Unknown, "boom")
	}
	a.Check(ctx)

	if len(sink.alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(sink.alerts))
	}
	if sink.alerts[0].Type != TypeExcessiveFailures {
		t.Errorf("type = %s, want excessive_failures", sink.alerts[0].Type)
	}

	// A 12th failure in the same window emits nothing new.
	lg.Record("5511999999999", failure.Unknown, "boom again")
	a.Check(ctx)
	if len(sink.alerts) != 1 {
		t.Errorf("alerts after 12th failure = %d, want still 1", len(sink.alerts))
	}
}

func TestTenFailuresIsBelowThreshold(t *testing.T) {
	lg := ledger.New(100)
	sink := &sinkStub{}
	a := New(DefaultConfig(), sink, lg, func() conn.Status {
		return conn.Status{State: conn.StateOpen}
	})

	for i := 0; i < 10; i++ {
		lg.Record("5511999999999", failure.Timeout, "x")
	}
	a.Check(context.Background())

	if len(sink.alerts) != 0 {
		t.Errorf("alerts = %d, want 0 (threshold is strictly more than 10)", len(sink.alerts))
	}
}

func TestProlongedDisconnectEdgeTriggered(t *testing.T) {
	lg := ledger.New(100)
	sink := &sinkStub{}

	state := conn.Status{State: conn.StateClosed}
	a := New(DefaultConfig(), sink, lg, func() conn.Status { return state })

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now := base
	a.now = func() time.Time { return now }
	state.LastClosedAt = base

	ctx := context.Background()

	// 2 minutes down: below the threshold.
	now = base.Add(2 * time.Minute)
	a.Check(ctx)
	if len(sink.alerts) != 0 {
		t.Fatalf("alert fired before the 3 minute threshold")
	}

	// 4 minutes down: fires once.
	now = base.Add(4 * time.Minute)
	a.Check(ctx)
	a.Check(ctx)
	if len(sink.alerts) != 1 {
		t.Fatalf("alerts = %d, want exactly 1 per episode", len(sink.alerts))
	}
	if sink.alerts[0].Type != TypeProlongedDisconnect {
		t.Errorf("type = %s, want prolonged_disconnect", sink.alerts[0].Type)
	}

	// Reconnection clears the episode; a later disconnect fires again.
	state.State = conn.StateOpen
	a.Check(ctx)

	state.State = conn.StateClosed
	state.LastClosedAt = now
	now = now.Add(5 * time.Minute)
	a.Check(ctx)
	if len(sink.alerts) != 2 {
		t.Errorf("alerts = %d, want 2 after a second episode", len(sink.alerts))
	}
}

func TestNotifierFailureDoesNotResetFlag(t *testing.T) {
	lg := ledger.New(100)
	sink := &sinkStub{err: context.DeadlineExceeded}
	a := New(DefaultConfig(), sink, lg, func() conn.Status {
		return conn.Status{State: conn.StateOpen}
	})

	for i := 0; i < 11; i++ {
		lg.Record("5511999999999", failure.Unknown, "x")
	}
	ctx := context.Background()
	a.Check(ctx)
	a.Check(ctx)

	if len(sink.alerts) != 1 {
		t.Errorf("delivery failure must not re-arm the alert, got %d attempts", len(sink.alerts))
	}
}

func TestResetFailuresReArms(t *testing.T) {
	lg := ledger.New(100)
	sink := &sinkStub{}
	a := New(DefaultConfig(), sink, lg, func() conn.Status {
		return conn.Status{State: conn.StateClosed}
	})

	for i := 0; i < 11; i++ {
		lg.Record("5511999999999", failure.Unknown, "x")
	}
	ctx := context.Background()
	a.Check(ctx)
	a.ResetFailures()
	a.Check(ctx)

	if len(sink.alerts) != 2 {
		t.Errorf("alerts = %d, want 2 after a deliberate reset", len(sink.alerts))
	}
}
