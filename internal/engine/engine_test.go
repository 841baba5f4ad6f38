package engine

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pureboot/pureboot/internal/approvalsvc"
	"github.com/pureboot/pureboot/internal/audit"
	"github.com/pureboot/pureboot/internal/blobstore"
	"github.com/pureboot/pureboot/internal/clock"
	"github.com/pureboot/pureboot/internal/config"
	"github.com/pureboot/pureboot/internal/data"
	"github.com/pureboot/pureboot/internal/decision"
	"github.com/pureboot/pureboot/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Memory) {
	t.Helper()
	c := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	st := store.NewMemory(c)
	blobs := blobstore.NewMemory()
	blobs.Put("ubuntu-2404-kernel", "https://origin/ubuntu/kernel", []byte("kernel-bytes"))
	blobs.Put("ubuntu-2404-initrd", "https://origin/ubuntu/initrd", []byte("initrd-bytes"))

	cfg := config.NewConfig(config.Config{})
	e := New(cfg, Collaborators{
		Store:     st,
		Blobs:     blobs,
		Approvals: approvalsvc.NewMemory(c),
		AuditSink: audit.NewMemory(),
		Clock:     c,
	}, logr.Discard())
	return e, st
}

func TestNew_WiresDecisionPipelineEndToEnd(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	n, err := st.CreateDiscovered(ctx, &data.Node{MAC: "aa:bb:cc:dd:ee:ff"})
	require.NoError(t, err)

	d, err := e.Decision.Decide(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, decision.KindAwait, d.Kind)
}

func TestNew_LeavesNotifierNilSafe(t *testing.T) {
	e, _ := newTestEngine(t)
	assert.NotNil(t, e.Machine.Notifier)
}

func TestNew_WiresApprovalGateBothWays(t *testing.T) {
	e, _ := newTestEngine(t)
	assert.NotNil(t, e.Gate)
	assert.Same(t, e.Machine, e.Gate.Machine)
	assert.Same(t, e.Gate, e.Machine.Approvals)
}

func TestRun_StopsCleanlyOnContextCancel(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestDecideBootfile_ResolvesIdentityAndReturnsChainloader(t *testing.T) {
	e, _ := newTestEngine(t)
	e.cfg.Discovery.Enabled = true
	ctx := context.Background()

	bootfile, err := e.decideBootfile(ctx, "aa:bb:cc:dd:ee:ff", data.ArchX86_64, data.FirmwareUEFI)
	require.NoError(t, err)
	assert.Equal(t, "ipxe.efi", bootfile)
}
