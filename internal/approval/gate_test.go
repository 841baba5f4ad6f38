package approval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/pureboot/pureboot/internal/approvalsvc"
	"github.com/pureboot/pureboot/internal/clock"
	"github.com/pureboot/pureboot/internal/data"
	"github.com/pureboot/pureboot/internal/statemachine"
)

type fakeCommitter struct {
	commits  []string
	rejects  []string
	errOnID  string
	approved map[string]statemachine.Outcome
}

func (f *fakeCommitter) CommitApproved(_ context.Context, approvalID string, _ data.TransitionIntent) (statemachine.Outcome, error) {
	if approvalID == f.errOnID {
		return statemachine.Outcome{}, errors.New("boom")
	}
	f.commits = append(f.commits, approvalID)
	return statemachine.Outcome{Committed: true}, nil
}

func (f *fakeCommitter) RecordRejectedApproval(_ context.Context, _, approvalID, _, _ string) error {
	f.rejects = append(f.rejects, approvalID)
	return nil
}

func TestGate_RequestApproval_Forwards(t *testing.T) {
	c := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	svc := approvalsvc.NewMemory(c)
	committer := &fakeCommitter{}
	g := &Gate{Service: svc, Machine: committer, Log: logr.Discard(), RequiredApprovers: 1, ExpirySeconds: 3600}

	node := &data.Node{ID: "node-1"}
	intent := data.TransitionIntent{NodeID: "node-1", ToState: data.StateRetired}

	a, err := g.RequestApproval(context.Background(), data.OpRetire, node, intent, "alice")
	if err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}
	if a.Requester != "alice" || a.Operation != data.OpRetire || a.Target != "node-1" {
		t.Errorf("unexpected approval: %+v", a)
	}
}

func TestGate_OnResolved_Approved_CommitsOnce(t *testing.T) {
	c := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	svc := approvalsvc.NewMemory(c)
	committer := &fakeCommitter{}
	g := &Gate{Service: svc, Machine: committer, Log: logr.Discard(), RequiredApprovers: 1, ExpirySeconds: 3600}
	g.Subscribe()

	intent := data.TransitionIntent{NodeID: "node-1", ToState: data.StateRetired}
	a, err := svc.Create(context.Background(), "alice", data.OpRetire, "node-1", 1, intent, 3600)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Vote(context.Background(), a.ID, "bob", true, "looks fine"); err != nil {
		t.Fatal(err)
	}

	if len(committer.commits) != 1 || committer.commits[0] != a.ID {
		t.Fatalf("expected one commit for %s, got %v", a.ID, committer.commits)
	}
}

func TestGate_OnResolved_Rejected_RecordsNoChange(t *testing.T) {
	c := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	svc := approvalsvc.NewMemory(c)
	committer := &fakeCommitter{}
	g := &Gate{Service: svc, Machine: committer, Log: logr.Discard(), RequiredApprovers: 2, ExpirySeconds: 3600}
	g.Subscribe()

	intent := data.TransitionIntent{NodeID: "node-1", ToState: data.StateRetired}
	a, err := svc.Create(context.Background(), "alice", data.OpRetire, "node-1", 2, intent, 3600)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Vote(context.Background(), a.ID, "bob", false, "not yet"); err != nil {
		t.Fatal(err)
	}

	if len(committer.rejects) != 1 || committer.rejects[0] != a.ID {
		t.Fatalf("expected one reject record for %s, got %v", a.ID, committer.rejects)
	}
	if len(committer.commits) != 0 {
		t.Fatalf("expected no commit, got %v", committer.commits)
	}
}
