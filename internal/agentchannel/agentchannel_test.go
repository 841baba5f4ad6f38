package agentchannel

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
	"github.com/pureboot/pureboot/internal/workflow"
)

type noApprovals struct{}

func (noApprovals) RequestApproval(context.Context, data.OperationType, *data.Node, data.TransitionIntent, string) (*data.Approval, error) {
	return nil, nil
}

func newChannel(t *testing.T) (*Channel, *store.Memory) {
	t.Helper()
	c := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	st := store.NewMemory(c)
	arb := arbiter.New(c, time.Second, 0)
	q := audit.NewQueue(logr.Discard(), audit.NewMemory(), 100)
	m := statemachine.NewMachine(st, arb, q, noApprovals{}, logr.Discard())
	wf := &workflow.Engine{Store: st, Machine: m, Clock: c, Log: logr.Discard(), DefaultTaskTimeout: 30 * time.Minute, CancelGrace: 60 * time.Second}
	return &Channel{Store: st, Workflow: wf, Machine: m, Log: logr.Discard()}, st
}

func TestSubmitDiskScan_RoundTrip(t *testing.T) {
	ch, st := newChannel(t)
	ctx := context.Background()
	n, err := st.CreateDiscovered(ctx, &data.Node{MAC: "aa:bb:cc:dd:ee:ff"})
	if err != nil {
		t.Fatal(err)
	}

	if err := ch.SubmitDiskScan(ctx, n.ID, []byte(`{"disks":["sda"]}`)); err != nil {
		t.Fatalf("SubmitDiskScan: %v", err)
	}
	got, err := ch.GetDiskScan(ctx, n.ID)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"disks":["sda"]}` {
		t.Errorf("got %s", got)
	}

	// A second submission atomically replaces the first (no merge).
	if err := ch.SubmitDiskScan(ctx, n.ID, []byte(`{"disks":["sda","sdb"]}`)); err != nil {
		t.Fatal(err)
	}
	got2, err := ch.GetDiskScan(ctx, n.ID)
	if err != nil {
		t.Fatal(err)
	}
	if string(got2) != `{"disks":["sda","sdb"]}` {
		t.Errorf("got %s", got2)
	}
}

func TestReport_FirstBootOK_DrivesInstalledToActive(t *testing.T) {
	ch, st := newChannel(t)
	ctx := context.Background()
	n, err := st.CreateDiscovered(ctx, &data.Node{MAC: "aa:bb:cc:dd:ee:ff"})
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range []data.State{data.StatePending, data.StateInstalling, data.StateInstalled} {
		cur, _ := st.Snapshot(ctx, n.ID)
		if _, err := st.CommitTransition(ctx, store.CommitBundle{NodeID: n.ID, FromState: cur.State, ToState: s, Actor: "sys"}); err != nil {
			t.Fatal(err)
		}
	}
	sess, err := st.CreateSession(ctx, &data.BootSession{NodeID: n.ID, WorkflowID: "wf-1"})
	if err != nil {
		t.Fatal(err)
	}

	if err := ch.Report(ctx, Report{SessionID: sess.ID, Kind: ReportFirstBootOK}); err != nil {
		t.Fatalf("Report(first_boot_ok): %v", err)
	}

	got, err := st.Snapshot(ctx, n.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != data.StateActive {
		t.Errorf("node state = %s, want active", got.State)
	}
}

func TestRequestPartitionOperations_OrderedSequence(t *testing.T) {
	ch, st := newChannel(t)
	ctx := context.Background()
	n, err := st.CreateDiscovered(ctx, &data.Node{MAC: "aa:bb:cc:dd:ee:ff"})
	if err != nil {
		t.Fatal(err)
	}

	created, err := ch.RequestPartitionOperations(ctx, n.ID, "/dev/sda", []data.PartitionOperation{
		{Type: data.PartitionDelete},
		{Type: data.PartitionCreate},
		{Type: data.PartitionFormat},
	})
	if err != nil {
		t.Fatalf("RequestPartitionOperations: %v", err)
	}
	for i, op := range created {
		if op.Sequence != i {
			t.Errorf("op[%d].Sequence = %d, want %d", i, op.Sequence, i)
		}
		if op.Status != data.PartitionOpPending {
			t.Errorf("op[%d].Status = %s, want pending", i, op.Status)
		}
	}

	if err := ch.ReportOperationStatus(ctx, created[0].ID, data.PartitionOpCompleted); err != nil {
		t.Fatal(err)
	}
	ops, err := ch.PartitionOperations(ctx, n.ID, "/dev/sda")
	if err != nil {
		t.Fatal(err)
	}
	if ops[0].Status != data.PartitionOpCompleted {
		t.Errorf("ops[0].Status = %s, want completed", ops[0].Status)
	}
}
