package tftp

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/pureboot/pureboot/internal/blobstore"
	"github.com/pureboot/pureboot/internal/clock"
	"github.com/pureboot/pureboot/internal/data"
	"github.com/pureboot/pureboot/internal/identity"
	"github.com/pureboot/pureboot/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Memory, string) {
	t.Helper()
	root := t.TempDir()

	c := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	st := store.NewMemory(c)
	idr := &identity.Resolver{
		Store:               st,
		Log:                 logr.Discard(),
		AutoDiscover:        func(identity.Request) bool { return true },
		PiDiscoveryArch:     data.ArchAarch64,
		PiDiscoveryFirmware: data.FirmwareUEFI,
	}
	blobs := blobstore.NewMemory()
	blobs.Put("ubuntu-2404-kernel", "https://origin/kernel", []byte("kernel-bytes"))

	s := &Server{
		BootAssetRoot: root,
		Blobs:         blobs,
		Identity:      idr,
		ArtifactURLs: func(ctx context.Context, nodeID, artifactRef string) (string, error) {
			return blobs.Resolve(ctx, artifactRef)
		},
		BlockSize: 512,
		Timeout:   5 * time.Second,
		Log:       logr.Discard(),
	}
	return s, st, root
}

func TestServeBootAsset(t *testing.T) {
	s, _, root := newTestServer(t)
	if err := os.MkdirAll(filepath.Join(root, "uefi"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "uefi", "ipxe.efi"), []byte("loader-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	rf := &staticReaderFrom{buf: &bytes.Buffer{}}
	if err := s.readHandler("/boot/uefi/ipxe.efi", rf); err != nil {
		t.Fatalf("readHandler: %v", err)
	}
	if rf.buf.String() != "loader-bytes" {
		t.Errorf("got %q", rf.buf.String())
	}
}

func TestServeBootAsset_NotFound(t *testing.T) {
	s, _, _ := newTestServer(t)
	rf := &staticReaderFrom{buf: &bytes.Buffer{}}
	err := s.readHandler("/boot/uefi/missing.efi", rf)
	if err != errNotFound {
		t.Errorf("err = %v, want errNotFound", err)
	}
}

func TestServeNodeArtifact(t *testing.T) {
	s, _, _ := newTestServer(t)
	rf := &staticReaderFrom{buf: &bytes.Buffer{}}
	if err := s.readHandler("/nodes/node-1/ubuntu-2404-kernel", rf); err != nil {
		t.Fatalf("readHandler: %v", err)
	}
	if rf.buf.String() != "kernel-bytes" {
		t.Errorf("got %q", rf.buf.String())
	}
}

func TestServePiDiscovery_CreatesNodeAndServes(t *testing.T) {
	s, st, root := newTestServer(t)
	if err := os.MkdirAll(filepath.Join(root, "pi", "d83add36"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "pi", "d83add36", "start4.elf"), []byte("pi-firmware"), 0o644); err != nil {
		t.Fatal(err)
	}

	rf := &staticReaderFrom{buf: &bytes.Buffer{}}
	if err := s.readHandler("/d83add36/start4.elf", rf); err != nil {
		t.Fatalf("readHandler: %v", err)
	}
	if rf.buf.String() != "pi-firmware" {
		t.Errorf("got %q", rf.buf.String())
	}

	n, err := st.LookupByMAC(context.Background(), "pi:d83add36")
	if err != nil {
		t.Fatalf("expected a discovered node for the pi serial: %v", err)
	}
	if n.Arch != data.ArchAarch64 {
		t.Errorf("Arch = %s, want aarch64", n.Arch)
	}
}

func TestUnmatchedPath_NotFound(t *testing.T) {
	s, _, _ := newTestServer(t)
	rf := &staticReaderFrom{buf: &bytes.Buffer{}}
	err := s.readHandler("/etc/passwd", rf)
	if err != errNotFound {
		t.Errorf("err = %v, want errNotFound", err)
	}
}

func TestWriteHandler_AlwaysRejects(t *testing.T) {
	s, _, _ := newTestServer(t)
	if err := s.writeHandler("/nodes/node-1/upload", nil); err == nil {
		t.Error("expected write requests to be rejected")
	}
}
