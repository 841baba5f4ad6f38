// Package menu renders the exact boot-local and install-chain byte
// sequences the three wire surfaces (TFTP, ProxyDHCP-selected loader, HTTP)
// hand to a booting client, per spec.md §6's "Boot-local response mapping
// (exact bytes)".
package menu

import (
	"fmt"
	"strings"

	"github.com/pureboot/pureboot/internal/decision"
)

// Loader identifies which bootloader is asking, independent of the node's
// recorded firmware: the same UEFI node might be mid-chain through
// PXELINUX, iPXE, or GRUB depending on what handed it control.
type Loader string

const (
	LoaderPXELINUX Loader = "pxelinux"
	LoaderIPXE     Loader = "ipxe"
	LoaderGRUB     Loader = "grub"
)

// LocalBootBody returns the exact bytes for a BootLocal instruction, per
// spec.md §6.
func LocalBootBody(l Loader) []byte {
	switch l {
	case LoaderPXELINUX:
		return []byte("LOCALBOOT 0\n")
	case LoaderGRUB:
		return []byte("chainloader (hd0)+1\nboot\n")
	default: // iPXE is the default boot script dialect served over HTTP/TFTP
		return []byte("sanboot --drive 0x80\n")
	}
}

// RenderIPXE renders an iPXE script body for a BootDecision. Rendering is
// pure: given the same Decision it always produces byte-identical output
// (spec.md §4.5, Testable Property 6).
func RenderIPXE(nodeID string, d decision.Decision) []byte {
	var b strings.Builder
	b.WriteString("#!ipxe\n")

	switch d.Kind {
	case decision.KindLocal:
		b.Write(LocalBootBody(LoaderIPXE))

	case decision.KindInstall:
		for _, a := range d.Artifacts {
			fmt.Fprintf(&b, "%s %s\n", a.Name, a.URL)
		}
		if d.Cmdline != "" {
			fmt.Fprintf(&b, "imgargs kernel %s\n", d.Cmdline)
		}
		b.WriteString("boot\n")

	case decision.KindAwait:
		b.WriteString("echo awaiting administrator assignment\n")
		b.WriteString("sleep 10\n")
		fmt.Fprintf(&b, "chain http://pureboot/api/v1/menus/%s.ipxe\n", nodeID)

	case decision.KindDeny:
		if !d.Silent {
			fmt.Fprintf(&b, "echo boot denied: %s\n", d.Reason)
		}
		b.WriteString("exit 1\n")
	}

	return []byte(b.String())
}

// LocalBootBodyForFirmware returns LocalBootBody(loader) unchanged. The
// caller chooses the loader; this function does not map a node's firmware
// to a loader.
func LocalBootBodyForFirmware(loader Loader) []byte {
	return LocalBootBody(loader)
}
