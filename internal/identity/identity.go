// Package identity implements the Identity Resolver (C1): mapping an
// incoming boot request to a Node record, creating a discovered record when
// none exists and auto-discovery is enabled (spec.md §4.1).
package identity

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-logr/logr"
	"github.com/pureboot/pureboot/internal/data"
	"github.com/pureboot/pureboot/internal/engineerr"
	"github.com/pureboot/pureboot/internal/store"
)

// Request is a protocol-agnostic boot request, built by a transport adapter
// (TFTP/DHCP/HTTP) at its boundary (spec.md design note: "parse once at the
// boundary, operate on validated values internally").
type Request struct {
	MAC           string // raw, as received
	PiSerial      string // 8 hex chars, set only for Pi discovery-mode requests with no MAC
	ArchHint      data.Arch
	FirmwareHint  data.Firmware
	VendorClassID string
	ClientSerial  string
}

var macRE = regexp.MustCompile(`^([0-9a-fA-F]{2}:){5}[0-9a-fA-F]{2}$`)
var macNoDelimRE = regexp.MustCompile(`^[0-9a-fA-F]{12}$`)
var piSerialRE = regexp.MustCompile(`^[0-9a-fA-F]{8}$`)

// validArchHint reports whether hint is empty or a member of data.Arch's
// closed enum (spec.md §3: "architecture ∈ {x86_64, aarch64, armv7l}").
func validArchHint(hint data.Arch) bool {
	switch hint {
	case "", data.ArchX86_64, data.ArchAarch64, data.ArchArmv7l:
		return true
	default:
		return false
	}
}

// validFirmwareHint reports whether hint is empty or a member of
// data.Firmware's closed enum.
func validFirmwareHint(hint data.Firmware) bool {
	switch hint {
	case "", data.FirmwareBIOS, data.FirmwareUEFI:
		return true
	default:
		return false
	}
}

// CanonicalizeMAC normalizes a MAC address to lowercase colon-delimited
// form. It also accepts a bare 12-hex-digit form. Returns
// engineerr.ErrMalformedRequest if the input is neither a 48-bit MAC nor
// empty.
func CanonicalizeMAC(mac string) (string, error) {
	if mac == "" {
		return "", nil
	}
	if macRE.MatchString(mac) {
		return strings.ToLower(mac), nil
	}
	if macNoDelimRE.MatchString(mac) {
		lower := strings.ToLower(mac)
		var b strings.Builder
		for i := 0; i < len(lower); i += 2 {
			if i > 0 {
				b.WriteByte(':')
			}
			b.WriteString(lower[i : i+2])
		}
		return b.String(), nil
	}
	return "", fmt.Errorf("%w: not a 48-bit MAC: %q", engineerr.ErrMalformedRequest, mac)
}

// ValidatePiSerial checks the Raspberry-Pi-style 8-hex-char serial used for
// discovery-mode requests that carry no MAC (spec.md §4.1 step 1, §8 S6).
func ValidatePiSerial(serial string) error {
	if !piSerialRE.MatchString(serial) {
		return fmt.Errorf("%w: not an 8-hex-char Pi serial: %q", engineerr.ErrMalformedRequest, serial)
	}
	if _, err := hex.DecodeString(serial); err != nil {
		return fmt.Errorf("%w: %v", engineerr.ErrMalformedRequest, err)
	}
	return nil
}

// Resolver implements the Identity Resolver. AutoDiscover reports whether
// auto-discovery is enabled for the (currently global) site; a real
// deployment might consult a per-site policy, but spec.md leaves that
// detail to the caller.
type Resolver struct {
	Store        store.NodeStore
	Log          logr.Logger
	AutoDiscover func(req Request) bool
	// PiDiscoveryArch/PiDiscoveryFirmware are used when creating a node from a
	// Pi-serial-only discovery request (no MAC present yet).
	PiDiscoveryArch     data.Arch
	PiDiscoveryFirmware data.Firmware
	// PiDiscoveryModel tags a Pi-serial-discovered node's Model field
	// (config.Pi.DiscoveryDefaultModel), since a serial-only request carries
	// no hardware model of its own.
	PiDiscoveryModel string
}

// Resolve implements spec.md §4.1's algorithm: canonicalize, look up,
// merge-or-create. It is idempotent: two concurrent first-time requests for
// the same MAC are guaranteed (by the store's unique-MAC constraint) to
// resolve to the same Node id (Testable Property 8).
func (r *Resolver) Resolve(ctx context.Context, req Request) (*data.Node, error) {
	if req.MAC == "" && req.PiSerial == "" {
		return nil, fmt.Errorf("%w: no MAC or Pi serial present", engineerr.ErrMalformedRequest)
	}
	if !validArchHint(req.ArchHint) {
		return nil, fmt.Errorf("%w: unrecognized architecture hint %q", engineerr.ErrMalformedRequest, req.ArchHint)
	}
	if !validFirmwareHint(req.FirmwareHint) {
		return nil, fmt.Errorf("%w: unrecognized firmware hint %q", engineerr.ErrMalformedRequest, req.FirmwareHint)
	}

	var mac string
	if req.MAC != "" {
		var err error
		mac, err = CanonicalizeMAC(req.MAC)
		if err != nil {
			return nil, err
		}
	} else {
		if err := ValidatePiSerial(req.PiSerial); err != nil {
			return nil, err
		}
		// A Pi identified purely by serial has no MAC yet; the caller
		// (TFTP handler) is expected to supply the MAC once it is known
		// from a later DHCP/TFTP exchange. Until then we key on a
		// synthetic pseudo-MAC so repeated serial-only requests resolve
		// to the same node.
		mac = "pi:" + strings.ToLower(req.PiSerial)
	}

	n, err := r.Store.LookupByMAC(ctx, mac)
	switch {
	case err == nil:
		return r.mergeHints(ctx, n, req)
	case errors.Is(err, store.ErrNotFound):
		// fall through to create
	default:
		return nil, fmt.Errorf("%w: %v", engineerr.ErrStoreUnavailable, err)
	}

	if r.AutoDiscover != nil && !r.AutoDiscover(req) {
		return nil, engineerr.ErrUnknownNode
	}

	arch := req.ArchHint
	firmware := req.FirmwareHint
	if req.PiSerial != "" {
		if arch == "" {
			arch = r.PiDiscoveryArch
		}
		if firmware == "" {
			firmware = r.PiDiscoveryFirmware
		}
	}

	model := ""
	if req.PiSerial != "" {
		model = r.PiDiscoveryModel
	}

	created, err := r.Store.CreateDiscovered(ctx, &data.Node{
		MAC:    mac,
		Arch:   arch,
		Boot:   firmware,
		Serial: req.ClientSerial,
		Model:  model,
	})
	switch {
	case err == nil:
		return created, nil
	case errors.Is(err, store.ErrDuplicateMAC):
		// Lost the creation race; retry the lookup (spec.md §4.1).
		n, err := r.Store.LookupByMAC(ctx, mac)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", engineerr.ErrStoreUnavailable, err)
		}
		return r.mergeHints(ctx, n, req)
	default:
		return nil, fmt.Errorf("%w: %v", engineerr.ErrStoreUnavailable, err)
	}
}

// mergeHints updates unknown-only hints and refreshes last-seen. A hint
// that conflicts with a distinct recorded value is never applied; it is
// logged as a warning instead (spec.md §4.1 step 2).
func (r *Resolver) mergeHints(ctx context.Context, n *data.Node, req Request) (*data.Node, error) {
	if req.ArchHint != "" && n.Arch != "" && n.Arch != req.ArchHint {
		r.Log.Info("warning: ignoring conflicting architecture hint", "node", n.ID, "recorded", n.Arch, "hint", req.ArchHint)
	}
	if req.FirmwareHint != "" && n.Boot != "" && n.Boot != req.FirmwareHint {
		r.Log.Info("warning: ignoring conflicting firmware hint", "node", n.ID, "recorded", n.Boot, "hint", req.FirmwareHint)
	}

	updated, err := r.Store.MergeHints(ctx, n.ID, data.Node{
		Arch:   req.ArchHint,
		Boot:   req.FirmwareHint,
		Serial: req.ClientSerial,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engineerr.ErrStoreUnavailable, err)
	}
	return updated, nil
}
