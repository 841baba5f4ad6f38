// Package tftp implements the read-only TFTP surface of the Boot Protocol
// Gateway (C5): RFC 1350 read requests with RFC 2347/2348/2349 option
// negotiation, grounded on smee/internal/tftp's pin/tftp/v3 server wrapped
// by a filename-pattern mux (smee/internal/tftp/tftp.go, servers.go).
//
// A TFTP read never takes a node lock (spec.md §4.5): it only resolves
// identity/artifacts through read paths, so the server stays responsive
// while a lifecycle commit is in flight elsewhere.
package tftp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/go-logr/logr"
	pintftp "github.com/pin/tftp/v3"
	"github.com/pureboot/pureboot/internal/blobstore"
	"github.com/pureboot/pureboot/internal/data"
	"github.com/pureboot/pureboot/internal/identity"
)

var (
	bootAssetRE = regexp.MustCompile(`^/?boot/([a-zA-Z0-9_.-]+)/([a-zA-Z0-9_.-]+)$`)
	nodeRE      = regexp.MustCompile(`^/?nodes/([a-zA-Z0-9_-]+)/([a-zA-Z0-9_.-]+)$`)
	piSerialRE  = regexp.MustCompile(`^/?([0-9a-fA-F]{8})/([a-zA-Z0-9_.-]+)$`)
)

// errNotFound is what pin/tftp/v3 reports to the client as ERROR 1 (file
// not found), per spec.md §6.
var errNotFound = fmt.Errorf("file not found")

// Server serves the three whitelisted TFTP path forms (spec.md §6):
// /boot/<firmware>/<loader>, /nodes/<node-id>/<artifact>,
// /<pi-serial>/<firmware-file>.
type Server struct {
	// BootAssetRoot is the filesystem directory firmware/bootloader assets
	// are served from (config.TFTP.Root); path traversal outside it is
	// rejected.
	BootAssetRoot string
	// PiDiscoveryDir is the directory Pi firmware files are served from by
	// serial (config.Pi.DiscoveryDir); defaults to BootAssetRoot/pi when
	// unset.
	PiDiscoveryDir string
	Blobs          blobstore.BlobStore
	Identity       *identity.Resolver
	ArtifactURLs   func(ctx context.Context, nodeID, artifact string) (string, error)

	BlockSize int
	Timeout   time.Duration

	Log logr.Logger
}

// ListenAndServe blocks serving TFTP RRQs on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := pintftp.NewServer(s.readHandler, s.writeHandler)
	server.SetTimeout(s.Timeout)
	if s.BlockSize > 0 {
		server.SetBlockSize(s.BlockSize)
	}

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	return server.ListenAndServe(addr)
}

// writeHandler rejects every TFTP WRQ; this server is read-only (spec.md §6).
func (s *Server) writeHandler(filename string, _ io.WriterTo) error {
	err := fmt.Errorf("access violation: write requests are not supported: %s", filename)
	s.Log.Info("tftp write request rejected", "filename", filename)
	return err
}

// readHandler dispatches an RRQ to whichever of the three path forms
// matches, or returns errNotFound (ERROR 1) for anything else.
func (s *Server) readHandler(filename string, rf io.ReaderFrom) error {
	ctx := context.Background()

	switch {
	case bootAssetRE.MatchString(filename):
		m := bootAssetRE.FindStringSubmatch(filename)
		return s.serveBootAsset(rf, m[1], m[2])

	case nodeRE.MatchString(filename):
		m := nodeRE.FindStringSubmatch(filename)
		return s.serveNodeArtifact(ctx, rf, m[1], m[2])

	case piSerialRE.MatchString(filename):
		m := piSerialRE.FindStringSubmatch(filename)
		return s.servePiDiscovery(ctx, rf, m[1], m[2])

	default:
		s.Log.V(1).Info("tftp request did not match any whitelisted path form", "filename", filename)
		return errNotFound
	}
}

// serveBootAsset streams a firmware/bootloader asset from the whitelisted
// root directory. firmware/loader are pre-validated against a restrictive
// charset by bootAssetRE, but the joined path is still confined with
// filepath.Clean to rule out any remaining traversal.
func (s *Server) serveBootAsset(rf io.ReaderFrom, firmware, loader string) error {
	full := filepath.Join(s.BootAssetRoot, filepath.Clean("/"+firmware+"/"+loader))
	f, err := os.Open(full)
	if err != nil {
		return errNotFound
	}
	defer f.Close()
	_, err = rf.ReadFrom(f)
	return err
}

// serveNodeArtifact resolves an artifact URL minted by the Artifact
// Resolver (C9/C4) for a specific node and streams its bytes from the blob
// store.
func (s *Server) serveNodeArtifact(ctx context.Context, rf io.ReaderFrom, nodeID, artifactRef string) error {
	url, err := s.ArtifactURLs(ctx, nodeID, artifactRef)
	if err != nil {
		return errNotFound
	}
	rc, _, err := s.Blobs.Open(ctx, url)
	if err != nil {
		return errNotFound
	}
	defer rc.Close()
	_, err = rf.ReadFrom(rc)
	return err
}

// servePiDiscovery implements spec.md §8 S6: a Raspberry Pi with an
// unregistered serial, discovery enabled, requesting its firmware file by
// serial. The matching node is created (or looked up) as aarch64/uefi, and
// the file is served from a discovery directory keyed by serial.
func (s *Server) servePiDiscovery(ctx context.Context, rf io.ReaderFrom, serial, firmwareFile string) error {
	_, err := s.Identity.Resolve(ctx, identity.Request{
		PiSerial: serial,
		ArchHint: data.ArchAarch64,
	})
	if err != nil {
		s.Log.Info("tftp: pi discovery failed", "serial", serial, "error", err)
		return errNotFound
	}

	dir := s.PiDiscoveryDir
	if dir == "" {
		dir = filepath.Join(s.BootAssetRoot, "pi")
	}
	full := filepath.Join(dir, serial, filepath.Clean("/"+firmwareFile))
	f, err := os.Open(full)
	if err != nil {
		return errNotFound
	}
	defer f.Close()
	_, err = rf.ReadFrom(f)
	return err
}

// staticReaderFrom adapts a fixed byte slice to io.ReaderFrom-compatible
// testing without a real pin/tftp/v3 connection.
type staticReaderFrom struct {
	buf *bytes.Buffer
}

func (s *staticReaderFrom) ReadFrom(r io.Reader) (int64, error) {
	return io.Copy(s.buf, r)
}
