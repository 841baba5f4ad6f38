package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/pureboot/pureboot/internal/clock"
	"github.com/pureboot/pureboot/internal/data"
	"github.com/pureboot/pureboot/internal/engineerr"
	"github.com/pureboot/pureboot/internal/store"
)

func newResolver(t *testing.T) *Resolver {
	t.Helper()
	c := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	st := store.NewMemory(c)
	return &Resolver{
		Store:        st,
		Log:          logr.Discard(),
		AutoDiscover: func(Request) bool { return true },
	}
}

func TestResolve_RejectsUnrecognizedArchHint(t *testing.T) {
	r := newResolver(t)
	_, err := r.Resolve(context.Background(), Request{MAC: "aa:bb:cc:dd:ee:ff", ArchHint: data.Arch("riscv64")})
	if !errors.Is(err, engineerr.ErrMalformedRequest) {
		t.Fatalf("err = %v, want ErrMalformedRequest", err)
	}
}

func TestResolve_RejectsUnrecognizedFirmwareHint(t *testing.T) {
	r := newResolver(t)
	_, err := r.Resolve(context.Background(), Request{MAC: "aa:bb:cc:dd:ee:ff", FirmwareHint: data.Firmware("coreboot")})
	if !errors.Is(err, engineerr.ErrMalformedRequest) {
		t.Fatalf("err = %v, want ErrMalformedRequest", err)
	}
}

func TestResolve_AcceptsValidHints(t *testing.T) {
	r := newResolver(t)
	n, err := r.Resolve(context.Background(), Request{MAC: "aa:bb:cc:dd:ee:ff", ArchHint: data.ArchX86_64, FirmwareHint: data.FirmwareUEFI})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if n.Arch != data.ArchX86_64 || n.Boot != data.FirmwareUEFI {
		t.Errorf("got arch=%s firmware=%s", n.Arch, n.Boot)
	}
}
