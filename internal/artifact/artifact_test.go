package artifact

import (
	"context"
	"errors"
	"testing"

	"github.com/pureboot/pureboot/internal/blobstore"
	"github.com/pureboot/pureboot/internal/data"
	"github.com/pureboot/pureboot/internal/engineerr"
)

func TestExpandPlaceholders(t *testing.T) {
	n := &data.Node{ID: "node-1", Hostname: "web-07", Arch: data.ArchX86_64}

	got, err := ExpandPlaceholders("pureboot.node_id={node.id} pureboot.mac={node.mac}", n)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "pureboot.node_id=node-1 pureboot.mac="
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestExpandPlaceholders_UnknownField(t *testing.T) {
	n := &data.Node{ID: "node-1"}
	_, err := ExpandPlaceholders("{node.nonexistent}", n)
	if !errors.Is(err, engineerr.ErrTemplateError) {
		t.Fatalf("expected ErrTemplateError, got %v", err)
	}
}

type stubBlobs struct {
	urls map[string]string
}

func (s *stubBlobs) Resolve(_ context.Context, ref string) (string, error) {
	if u, ok := s.urls[ref]; ok {
		return u, nil
	}
	return "", blobstore.ErrNotFound
}

func (s *stubBlobs) Open(_ context.Context, _ string) (blobstore.ReadCloser, blobstore.Object, error) {
	return nil, blobstore.Object{}, errors.New("not implemented")
}

func TestResolveURL(t *testing.T) {
	n := &data.Node{ID: "node-1", Hostname: "web-07"}
	blobs := &stubBlobs{urls: map[string]string{"kernels/web-07": "https://origin/kernels/web-07.bin"}}
	r := &Resolver{Blobs: blobs}

	got, err := r.ResolveURL(context.Background(), "kernels/{node.hostname}", n)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "https://origin/kernels/web-07.bin" {
		t.Errorf("got %q", got)
	}
}

func TestResolveURL_NotFoundIsTemplateError(t *testing.T) {
	n := &data.Node{ID: "node-1"}
	blobs := &stubBlobs{urls: map[string]string{}}
	r := &Resolver{Blobs: blobs}

	_, err := r.ResolveURL(context.Background(), "missing", n)
	if !errors.Is(err, engineerr.ErrTemplateError) {
		t.Fatalf("expected ErrTemplateError, got %v", err)
	}
}
