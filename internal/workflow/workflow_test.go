package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/pureboot/pureboot/internal/arbiter"
	"github.com/pureboot/pureboot/internal/audit"
	"github.com/pureboot/pureboot/internal/clock"
	"github.com/pureboot/pureboot/internal/data"
	"github.com/pureboot/pureboot/internal/statemachine"
	"github.com/pureboot/pureboot/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Memory, *clock.Fixed) {
	t.Helper()
	c := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	st := store.NewMemory(c)
	arb := arbiter.New(c, time.Second, 0)
	q := audit.NewQueue(logr.Discard(), audit.NewMemory(), 100)
	m := statemachine.NewMachine(st, arb, q, noApprovals{}, logr.Discard())
	return &Engine{
		Store:              st,
		Machine:            m,
		Clock:              c,
		Log:                logr.Discard(),
		DefaultTaskTimeout: 30 * time.Minute,
		CancelGrace:        60 * time.Second,
	}, st, c
}

type noApprovals struct{}

func (noApprovals) RequestApproval(context.Context, data.OperationType, *data.Node, data.TransitionIntent, string) (*data.Approval, error) {
	return nil, nil
}

func setupInstallingNode(t *testing.T, st *store.Memory, m *statemachine.Machine) *data.Node {
	t.Helper()
	ctx := context.Background()
	if err := st.PutWorkflow(ctx, &data.Workflow{
		ID:   "ubuntu-2404-server",
		Name: "ubuntu-2404-server",
		Arch: data.ArchX86_64,
		Boot: data.FirmwareUEFI,
		Tasks: []data.Task{
			{Ordinal: 0, Type: data.TaskImageDeploy},
			{Ordinal: 1, Type: data.TaskReboot},
		},
	}); err != nil {
		t.Fatal(err)
	}
	n, err := st.CreateDiscovered(ctx, &data.Node{MAC: "aa:bb:cc:dd:ee:ff", Arch: data.ArchX86_64, Boot: data.FirmwareUEFI})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.CommitTransition(ctx, store.CommitBundle{NodeID: n.ID, FromState: data.StateDiscovered, ToState: data.StatePending, Actor: "sys"}); err != nil {
		t.Fatal(err)
	}
	if err := st.AssignWorkflow(ctx, n.ID, "ubuntu-2404-server"); err != nil {
		t.Fatal(err)
	}
	out, err := m.Transition(ctx, n.ID, data.StateInstalling, "sys", "start")
	if err != nil || !out.Committed {
		t.Fatalf("transition to installing: out=%+v err=%v", out, err)
	}
	n, _ = st.Snapshot(ctx, n.ID)
	return n
}

func TestBegin_SeedsTaskProgress(t *testing.T) {
	e, st, _ := newTestEngine(t)
	n := setupInstallingNode(t, st, e.Machine)

	s, wf, err := e.Begin(context.Background(), n)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if len(s.Tasks) != len(wf.Tasks) {
		t.Fatalf("got %d task progress rows, want %d", len(s.Tasks), len(wf.Tasks))
	}
	for _, tp := range s.Tasks {
		if tp.Status != data.TaskPending {
			t.Errorf("task %d status = %s, want pending", tp.Ordinal, tp.Status)
		}
	}
}

func TestReportProgress_ForwardOnlyAndIdempotent(t *testing.T) {
	e, st, _ := newTestEngine(t)
	n := setupInstallingNode(t, st, e.Machine)
	s, _, err := e.Begin(context.Background(), n)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := e.ReportProgress(ctx, s.ID, 0, data.TaskDone, 1, "r1", time.Now()); err != nil {
		t.Fatalf("ReportProgress: %v", err)
	}
	got, err := st.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentTaskOrdinal != 1 {
		t.Fatalf("CurrentTaskOrdinal = %d, want 1", got.CurrentTaskOrdinal)
	}

	// Replay of sequence 1 must have no effect (Testable Property 7).
	if err := e.ReportProgress(ctx, s.ID, 0, data.TaskFailed, 1, "r1-replay", time.Now()); err != nil {
		t.Fatalf("ReportProgress replay: %v", err)
	}
	got2, err := st.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got2.CurrentTaskOrdinal != 1 {
		t.Fatalf("replay advanced/regressed ordinal: %d", got2.CurrentTaskOrdinal)
	}
}

func TestReportProgress_RetryThenFail(t *testing.T) {
	e, st, _ := newTestEngine(t)
	n := setupInstallingNode(t, st, e.Machine)
	s, _, err := e.Begin(context.Background(), n)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	for i := 1; i <= MaxAttempts; i++ {
		if err := e.ReportProgress(ctx, s.ID, 0, data.TaskFailed, uint64(i), "r", time.Now()); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}

	got, err := st.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != data.SessionFailed {
		t.Fatalf("session status = %s, want failed after %d attempts", got.Status, MaxAttempts)
	}

	node, err := st.Snapshot(ctx, n.ID)
	if err != nil {
		t.Fatal(err)
	}
	if node.State != data.StateInstallFailed {
		t.Fatalf("node state = %s, want install_failed", node.State)
	}
}

func TestReportProgress_CompletesSession(t *testing.T) {
	e, st, _ := newTestEngine(t)
	n := setupInstallingNode(t, st, e.Machine)
	s, _, err := e.Begin(context.Background(), n)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := e.ReportProgress(ctx, s.ID, 0, data.TaskDone, 1, "r1", time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := e.ReportProgress(ctx, s.ID, 1, data.TaskDone, 2, "r2", time.Now()); err != nil {
		t.Fatal(err)
	}

	got, err := st.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != data.SessionSucceeded {
		t.Fatalf("session status = %s, want succeeded", got.Status)
	}

	node, err := st.Snapshot(ctx, n.ID)
	if err != nil {
		t.Fatal(err)
	}
	if node.State != data.StateInstalled {
		t.Fatalf("node state = %s, want installed", node.State)
	}
}

func TestCheckTimeouts_FailsOnGlobalTimeoutEvenWithFreshProgress(t *testing.T) {
	e, st, c := newTestEngine(t)
	ctx := context.Background()

	if err := st.PutWorkflow(ctx, &data.Workflow{
		ID:                   "ubuntu-2404-server",
		Name:                 "ubuntu-2404-server",
		Arch:                 data.ArchX86_64,
		Boot:                 data.FirmwareUEFI,
		Tasks:                []data.Task{{Ordinal: 0, Type: data.TaskImageDeploy, TimeoutMS: int64(time.Hour / time.Millisecond)}},
		GlobalTimeoutSeconds: 600,
	}); err != nil {
		t.Fatal(err)
	}
	n, err := st.CreateDiscovered(ctx, &data.Node{MAC: "aa:bb:cc:dd:ee:ff", Arch: data.ArchX86_64, Boot: data.FirmwareUEFI})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.CommitTransition(ctx, store.CommitBundle{NodeID: n.ID, FromState: data.StateDiscovered, ToState: data.StatePending, Actor: "sys"}); err != nil {
		t.Fatal(err)
	}
	if err := st.AssignWorkflow(ctx, n.ID, "ubuntu-2404-server"); err != nil {
		t.Fatal(err)
	}
	if out, err := e.Machine.Transition(ctx, n.ID, data.StateInstalling, "sys", "start"); err != nil || !out.Committed {
		t.Fatalf("transition to installing: out=%+v err=%v", out, err)
	}
	n, _ = st.Snapshot(ctx, n.ID)

	s, _, err := e.Begin(ctx, n)
	if err != nil {
		t.Fatal(err)
	}

	// Fresh per-task progress (well within the 1h task timeout) but past
	// the workflow's 10-minute global timeout.
	c.Advance(11 * time.Minute)
	if err := e.ReportProgress(ctx, s.ID, 0, data.TaskRunning, 1, "r1", c.Now()); err != nil {
		t.Fatal(err)
	}

	if err := e.CheckTimeouts(ctx, st.GetWorkflow); err != nil {
		t.Fatalf("CheckTimeouts: %v", err)
	}

	got, err := st.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != data.SessionTimedOut {
		t.Fatalf("session status = %s, want timed_out", got.Status)
	}
}

func TestCheckTimeouts_FailsStaleSession(t *testing.T) {
	e, st, c := newTestEngine(t)
	n := setupInstallingNode(t, st, e.Machine)
	s, _, err := e.Begin(context.Background(), n)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	c.Advance(31 * time.Minute)

	if err := e.CheckTimeouts(ctx, st.GetWorkflow); err != nil {
		t.Fatalf("CheckTimeouts: %v", err)
	}

	got, err := st.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != data.SessionTimedOut {
		t.Fatalf("session status = %s, want timed_out", got.Status)
	}
}

func TestBackoffDelay_Schedule(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 8 * time.Second},
		{3, 32 * time.Second},
	}
	for _, c := range cases {
		if got := backoffDelay(c.attempt); got != c.want {
			t.Errorf("backoffDelay(%d) = %s, want %s", c.attempt, got, c.want)
		}
	}
}
