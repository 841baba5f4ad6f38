// Package decision implements Policy & Decision (C3): given a resolved
// Node, choose the next boot artifact set or local-boot instruction per
// lifecycle rules (spec.md §4.3).
package decision

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pureboot/pureboot/internal/artifact"
	"github.com/pureboot/pureboot/internal/data"
	"github.com/pureboot/pureboot/internal/engineerr"
	"github.com/pureboot/pureboot/internal/metrics"
	"github.com/pureboot/pureboot/internal/statemachine"
	"github.com/pureboot/pureboot/internal/store"
	"github.com/pureboot/pureboot/internal/workflow"
)

// Kind is the BootDecision's answer, matching the four values in spec.md
// §6's `/next` response. A wiping node's decision is reported as Install
// (spec.md §4.3: "equivalent to an install artifact").
type Kind string

const (
	KindAwait   Kind = "await"
	KindInstall Kind = "install"
	KindLocal   Kind = "local"
	KindDeny    Kind = "deny"
)

// Artifact is one named byte-source the caller should fetch or chain to.
type Artifact struct {
	Name string // "kernel", "initrd"
	URL  string
}

// Decision is the engine's answer for a single boot attempt.
type Decision struct {
	Kind      Kind
	SessionID string
	Artifacts []Artifact
	Cmdline   string
	Reason    string // set for Deny
	Silent    bool   // Deny for an ignored node is silent, per spec.md §4.3
}

// Engine implements the decision pipeline. It never takes the node lock for
// pure reads; it only acquires one (via Machine/Workflow) when a state
// transition or session creation is required.
type Engine struct {
	Store     store.NodeStore
	Machine   *statemachine.Machine
	Workflow  *workflow.Engine
	Artifacts *artifact.Resolver
	Log       logr.Logger
}

// Decide returns the BootDecision for the node, per spec.md §4.3. The whole
// C1->C3->C4 pipeline this triggers (identity re-resolution already done by
// the caller, workflow begin/resume, artifact URL resolution) runs inside
// one span so a slow decision can be traced end to end.
func (e *Engine) Decide(ctx context.Context, nodeID string) (Decision, error) {
	tracer := otel.Tracer("decision")
	ctx, span := tracer.Start(ctx, "Decide", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	d, err := e.decide(ctx, nodeID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return d, err
	}
	span.SetStatus(codes.Ok, string(d.Kind))
	metrics.ObserveBootDecision(string(d.Kind))
	return d, nil
}

func (e *Engine) decide(ctx context.Context, nodeID string) (Decision, error) {
	n, err := e.Store.Snapshot(ctx, nodeID)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", engineerr.ErrStoreUnavailable, err)
	}

	switch n.State {
	case data.StateDiscovered:
		return Decision{Kind: KindAwait}, nil

	case data.StateIgnored:
		return Decision{Kind: KindDeny, Silent: true, Reason: "node is ignored"}, nil

	case data.StateRetired:
		return Decision{Kind: KindDeny, Reason: "node is retired"}, nil

	case data.StateDecommissioned:
		return Decision{Kind: KindDeny, Reason: "node is decommissioned"}, nil

	case data.StatePending:
		if n.WorkflowID == "" {
			return Decision{Kind: KindAwait}, nil
		}
		return e.beginInstall(ctx, n)

	case data.StateInstalling, data.StateMigrating:
		return e.resumeOrBeginInstall(ctx, n)

	case data.StateInstalled, data.StateActive:
		return Decision{Kind: KindLocal}, nil

	case data.StateReprovision:
		// reprovision is a short-lived admin-driven waypoint en route back
		// to pending; there is no installation artifact to serve from here.
		return Decision{Kind: KindAwait}, nil

	case data.StateWiping:
		return e.resumeOrBeginInstall(ctx, n)

	default:
		return Decision{Kind: KindDeny, Reason: "unrecognized node state"}, nil
	}
}

// beginInstall advances pending -> installing and starts a BootSession.
func (e *Engine) beginInstall(ctx context.Context, n *data.Node) (Decision, error) {
	_, err := e.Machine.Transition(ctx, n.ID, data.StateInstalling, "system", "boot request with assigned workflow")
	if err != nil {
		var rej *engineerr.Rejected
		if errors.As(err, &rej) {
			// Lost a race to another concurrent first request; fall through
			// and resume from whatever state the node is in now.
			n2, serr := e.Store.Snapshot(ctx, n.ID)
			if serr != nil {
				return Decision{}, fmt.Errorf("%w: %v", engineerr.ErrStoreUnavailable, serr)
			}
			return e.decide(ctx, n2.ID)
		}
		return Decision{}, err
	}
	n, err = e.Store.Snapshot(ctx, n.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", engineerr.ErrStoreUnavailable, err)
	}
	return e.resumeOrBeginInstall(ctx, n)
}

// resumeOrBeginInstall returns the current installation artifacts for an
// active session, starting one if none exists yet (first request after the
// installing/wiping transition, or resume after a node reset).
func (e *Engine) resumeOrBeginInstall(ctx context.Context, n *data.Node) (Decision, error) {
	sess, err := e.Store.ActiveSession(ctx, n.ID)
	switch {
	case err == nil:
		// fall through to render artifacts below
	case errors.Is(err, store.ErrNotFound):
		var wf *data.Workflow
		sess, wf, err = e.Workflow.Begin(ctx, n)
		if err != nil {
			return Decision{}, err
		}
		return e.renderInstall(ctx, n, sess, wf)
	default:
		return Decision{}, fmt.Errorf("%w: %v", engineerr.ErrStoreUnavailable, err)
	}

	wf, err := e.Store.GetWorkflow(ctx, sess.WorkflowID)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", engineerr.ErrStoreUnavailable, err)
	}
	return e.renderInstall(ctx, n, sess, wf)
}

func (e *Engine) renderInstall(ctx context.Context, n *data.Node, sess *data.BootSession, wf *data.Workflow) (Decision, error) {
	d := Decision{Kind: KindInstall, SessionID: sess.ID}

	if wf.KernelRef != "" {
		url, err := e.Artifacts.ResolveURL(ctx, wf.KernelRef, n)
		if err != nil {
			return Decision{}, err
		}
		d.Artifacts = append(d.Artifacts, Artifact{Name: "kernel", URL: url})
	}
	if wf.InitrdRef != "" {
		url, err := e.Artifacts.ResolveURL(ctx, wf.InitrdRef, n)
		if err != nil {
			return Decision{}, err
		}
		d.Artifacts = append(d.Artifacts, Artifact{Name: "initrd", URL: url})
	}
	if wf.Cmdline != "" {
		cmdline, err := artifact.ExpandPlaceholders(wf.Cmdline, n)
		if err != nil {
			return Decision{}, err
		}
		d.Cmdline = cmdline
	}
	return d, nil
}
