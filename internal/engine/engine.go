// Package engine is the facade that wires the Identity Resolver (C1),
// State Machine (C2), Policy & Decision (C3), Workflow Engine (C4), Approval
// Gate (C7), Concurrency Arbiter (C8), and Artifact Resolver (C9) together,
// and exposes the ready-to-serve Boot Protocol Gateway (C5) and Agent
// Channel (C6) adapters that cmd/pureboot's transport listeners run.
//
// Wiring follows the dependency order spec.md §4 describes the components
// in: identity and the arbiter have no engine-internal dependencies; the
// state machine depends on the arbiter and the approval gate; decision
// depends on the state machine, workflow, and artifact resolver; the boot
// protocol adapters depend on identity and decision.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/pureboot/pureboot/internal/agentchannel"
	"github.com/pureboot/pureboot/internal/approval"
	"github.com/pureboot/pureboot/internal/approvalsvc"
	"github.com/pureboot/pureboot/internal/arbiter"
	"github.com/pureboot/pureboot/internal/artifact"
	"github.com/pureboot/pureboot/internal/audit"
	"github.com/pureboot/pureboot/internal/blobstore"
	"github.com/pureboot/pureboot/internal/bootproto/dhcp"
	"github.com/pureboot/pureboot/internal/bootproto/httpapi"
	"github.com/pureboot/pureboot/internal/bootproto/tftp"
	"github.com/pureboot/pureboot/internal/clock"
	"github.com/pureboot/pureboot/internal/config"
	"github.com/pureboot/pureboot/internal/data"
	"github.com/pureboot/pureboot/internal/decision"
	"github.com/pureboot/pureboot/internal/identity"
	"github.com/pureboot/pureboot/internal/metrics"
	"github.com/pureboot/pureboot/internal/notify"
	"github.com/pureboot/pureboot/internal/statemachine"
	"github.com/pureboot/pureboot/internal/store"
	"github.com/pureboot/pureboot/internal/workflow"
)

// Collaborators are the external, swappable dependencies spec.md §6 names
// as interfaces: NodeStore, BlobStore, ApprovalService, AuditSink, Clock.
// Notifier is the one SPEC_FULL.md supplement; nil degrades to
// notify.NoopPublisher so deployments without a broker need no special case.
type Collaborators struct {
	Store     store.NodeStore
	Blobs     blobstore.BlobStore
	Approvals approvalsvc.ApprovalService
	AuditSink audit.Sink
	Clock     clock.Clock
	Notifier  notify.Publisher
}

// Engine owns every wired collaborator plus the transport-facing adapters
// built on top of them, and the background loops that must run for the
// lifetime of the process.
type Engine struct {
	cfg *config.Config
	log logr.Logger

	Store    store.NodeStore
	Identity *identity.Resolver
	Machine  *statemachine.Machine
	Artifact *artifact.Resolver
	Workflow *workflow.Engine
	Decision *decision.Engine
	Arbiter  *arbiter.Arbiter
	Channel  *agentchannel.Channel
	Gate     *approval.Gate
	Audit    *audit.Queue
	Notify   *notify.Queue

	// HTTPAPI, TFTP, and DHCP are the ready-to-serve C5/C6 transport
	// adapters; cmd/pureboot calls their Router()/ListenAndServe directly.
	HTTPAPI *httpapi.API
	TFTP    *tftp.Server
	DHCP    *dhcp.Responder

	unsubscribeGate func()
}

// New wires every collaborator into an Engine. It does not start any
// background loop or listener; call Run for that.
func New(cfg *config.Config, c Collaborators, log logr.Logger) *Engine {
	arb := arbiter.New(c.Clock, time.Duration(cfg.Lock.WaitTimeoutMS)*time.Millisecond, time.Duration(cfg.Dedup.WindowMS)*time.Millisecond)
	auditQueue := audit.NewQueue(log, c.AuditSink, cfg.Audit.QueueCapacity)
	notifyQueue := notify.NewQueue(log, c.Notifier, cfg.Notify.QueueCapacity)

	machine := statemachine.NewMachine(c.Store, arb, auditQueue, nil, log)
	machine.Notifier = notifyQueue

	gate := &approval.Gate{
		Service:           c.Approvals,
		Machine:           machine,
		Log:               log,
		RequiredApprovers: cfg.Approval.RequiredApprovers,
		ExpirySeconds:     cfg.Approval.ExpiryMS / 1000,
	}
	machine.Approvals = gate

	artifacts := &artifact.Resolver{Blobs: c.Blobs}

	wf := &workflow.Engine{
		Store:              c.Store,
		Machine:            machine,
		Clock:              c.Clock,
		Log:                log,
		DefaultTaskTimeout: time.Duration(cfg.Task.DefaultTimeoutMS) * time.Millisecond,
		CancelGrace:        time.Duration(cfg.Session.CancelGraceMS) * time.Millisecond,
	}

	dec := &decision.Engine{
		Store:     c.Store,
		Machine:   machine,
		Workflow:  wf,
		Artifacts: artifacts,
		Log:       log,
	}

	idr := &identity.Resolver{
		Store: c.Store,
		Log:   log,
		AutoDiscover: func(req identity.Request) bool {
			if req.PiSerial != "" {
				return cfg.Pi.DiscoveryEnabled
			}
			return cfg.Discovery.Enabled
		},
		PiDiscoveryArch:     data.ArchAarch64,
		PiDiscoveryFirmware: data.FirmwareUEFI,
		PiDiscoveryModel:    cfg.Pi.DiscoveryDefaultModel,
	}

	channel := &agentchannel.Channel{
		Store:    c.Store,
		Workflow: wf,
		Machine:  machine,
		Log:      log,
	}

	e := &Engine{
		cfg:      cfg,
		log:      log,
		Store:    c.Store,
		Identity: idr,
		Machine:  machine,
		Artifact: artifacts,
		Workflow: wf,
		Decision: dec,
		Arbiter:  arb,
		Channel:  channel,
		Gate:     gate,
		Audit:    auditQueue,
		Notify:   notifyQueue,
	}

	e.HTTPAPI = &httpapi.API{
		Identity:  idr,
		Decision:  dec,
		Channel:   channel,
		Arbiter:   arb,
		Approvals: c.Approvals,
		Log:       log,
		StartTime: c.Clock.Now(),
	}

	e.TFTP = &tftp.Server{
		BootAssetRoot:  cfg.TFTP.Root,
		PiDiscoveryDir: cfg.Pi.DiscoveryDir,
		Blobs:          c.Blobs,
		Identity:       idr,
		ArtifactURLs:   e.resolveArtifactURL,
		BlockSize:      cfg.TFTP.BlockSize,
		Timeout:        cfg.TFTP.Timeout,
		Log:            log,
	}

	e.DHCP = &dhcp.Responder{
		ServerIP: cfg.DHCPProxy.ServerIP.AsSlice(),
		TFTPAddr: fmt.Sprintf("%s:%d", cfg.TFTP.BindAddr, cfg.TFTP.BindPort),
		Decide:   e.decideBootfile,
		Log:      log,
	}

	return e
}

// resolveArtifactURL is tftp.Server's ArtifactURLs seam: it loads the
// node and delegates to the Artifact Resolver (C9), matching the lookup
// decision.Engine itself performs at /next/menu time.
func (e *Engine) resolveArtifactURL(ctx context.Context, nodeID, artifactRef string) (string, error) {
	n, err := e.Store.Snapshot(ctx, nodeID)
	if err != nil {
		return "", err
	}
	return e.Artifact.ResolveURL(ctx, artifactRef, n)
}

// decideBootfile is dhcp.DecisionFunc: it resolves identity for the MAC,
// runs the decision pipeline, and returns "ipxe.efi" as the filename a
// ProxyDHCP reply carries. The filename is the same for every decision
// kind, architecture, and firmware.
func (e *Engine) decideBootfile(ctx context.Context, mac string, arch data.Arch, firmware data.Firmware) (string, error) {
	n, err := e.Identity.Resolve(ctx, identity.Request{MAC: mac, ArchHint: arch, FirmwareHint: firmware})
	if err != nil {
		return "", err
	}
	if _, err := e.Decision.Decide(ctx, n.ID); err != nil {
		return "", err
	}
	// The ProxyDHCP reply only ever points at the engine's own iPXE
	// chainloader; the menu's actual content (install/await/local/deny) is
	// resolved again, per node, when that loader fetches /api/v1/menus/:id
	// over HTTP (spec.md §6: ProxyDHCP "emits next-server/filename", the
	// menu script carries the real decision).
	return "ipxe.efi", nil
}

// Run starts every background loop (audit drain, notify drain, approval
// resolution subscription) and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.unsubscribeGate = e.Gate.Subscribe()
	defer e.unsubscribeGate()

	go e.Audit.Run(ctx)
	go e.Notify.Run(ctx)
	go e.sweepTimeouts(ctx)
	go e.sampleQueueDepth(ctx)

	<-ctx.Done()
	return nil
}

// sampleQueueDepth periodically publishes the audit/notify queue depths so
// an operator can see backpressure building before it starts dropping
// events (spec.md §5's non-blocking queues are silent by design otherwise).
func (e *Engine) sampleQueueDepth(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetQueueDepth("audit", float64(e.Audit.Len()))
			metrics.SetQueueDepth("notify", float64(e.Notify.Len()))
		}
	}
}

// sweepTimeouts periodically fails sessions whose task or global timeout
// has elapsed (spec.md §4.4, §8 Testable Property 10).
func (e *Engine) sweepTimeouts(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Workflow.CheckTimeouts(ctx, e.Store.GetWorkflow); err != nil {
				e.log.Error(err, "engine: timeout sweep failed")
			}
		}
	}
}
