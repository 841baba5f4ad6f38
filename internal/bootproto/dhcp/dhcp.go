// Package dhcp implements the ProxyDHCP responder of the Boot Protocol
// Gateway (C5): it answers DHCPDISCOVER/DHCPREQUEST netboot probes with
// next-server/filename boot options and never assigns an address
// (spec.md §6, §1 Non-goals: "primary DHCP address assignment remains the
// operator's network's responsibility").
//
// Architecture/user-class detection is grounded on
// smee/internal/dhcp/dhcp.go's Arch/IsNetbootClient/UserClassFrom/
// ClientTypeFrom helpers; the server loop and reply construction follow
// the insomniacslk/dhcp/dhcpv4/server4.NewServer + NewReplyFromRequest
// idiom used by the pack's other ProxyDHCP implementation (the bare-metal
// infra provider's internal/dhcp/proxy.go).
package dhcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/go-logr/logr"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/server4"
	"github.com/insomniacslk/dhcp/iana"
	"github.com/pureboot/pureboot/internal/data"
)

const (
	classPXEClient  = "PXEClient"
	classHTTPClient = "HTTPClient"
)

// raspberryPiOUIs are MAC address prefixes registered to Raspberry Pi
// Trading Ltd; some Pi models report option 93 as 0 (x86 BIOS), so the
// vendor prefix is checked first, exactly as smee/internal/dhcp/dhcp.go's
// isRaspberryPI does.
var raspberryPiOUIs = [][]byte{
	{0xb8, 0x27, 0xeb},
	{0xdc, 0xa6, 0x32},
	{0xe4, 0x5f, 0x01},
	{0x28, 0xcd, 0xc1},
	{0xd8, 0x3a, 0xdd},
}

func isRaspberryPi(mac net.HardwareAddr) bool {
	for _, prefix := range raspberryPiOUIs {
		if len(mac) >= len(prefix) && string(mac[:len(prefix)]) == string(prefix) {
			return true
		}
	}
	return false
}

// clientArch returns the client's option-93 architecture, falling back to
// ARM64 for Raspberry Pi hardware (spec.md §6: BIOS/UEFI x64/ARM64).
func clientArch(pkt *dhcpv4.DHCPv4) iana.Arch {
	if isRaspberryPi(pkt.ClientHWAddr) {
		return iana.EFI_ARM64
	}
	archs := pkt.ClientArch()
	if len(archs) == 0 {
		return iana.Arch(0xff)
	}
	return archs[0]
}

// archToDataArch maps the DHCP option-93 architecture to the engine's
// closed data.Arch set: 00 00 -> BIOS x86, 00 07/00 09 -> UEFI x64, 00 0b ->
// ARM64; any other value falls back to BIOS x86 (spec.md §6), so the arch
// returned here and the firmware returned by firmwareFor must be read as a
// pair, never independently.
func archToDataArch(a iana.Arch) data.Arch {
	switch a {
	case iana.EFI_ARM64:
		return data.ArchAarch64
	case iana.EFI_IA32, iana.EFI_X86_64, iana.EFI_BC, iana.INTEL_X86PC:
		return data.ArchX86_64
	default:
		return data.ArchX86_64
	}
}

// firmwareFor mirrors archToDataArch's fallback: an unrecognized option-93
// value means BIOS x86 (spec.md §6), not UEFI.
func firmwareFor(a iana.Arch) data.Firmware {
	switch a {
	case iana.EFI_ARM64, iana.EFI_X86_64, iana.EFI_BC:
		return data.FirmwareUEFI
	default:
		return data.FirmwareBIOS
	}
}

// validateNetbootRequest mirrors smee/internal/dhcp/dhcp.go's
// IsNetbootClient: option 60 must identify a PXE/HTTP client, option 93/94
// must be present, and option 97 (client GUID) must be absent or 17 bytes
// starting with a zero byte (RFC 4578).
func validateNetbootRequest(pkt *dhcpv4.DHCPv4) error {
	if pkt.MessageType() != dhcpv4.MessageTypeDiscover && pkt.MessageType() != dhcpv4.MessageTypeRequest {
		return errors.New("message type must be discover or request")
	}
	opt60 := pkt.GetOneOption(dhcpv4.OptionClassIdentifier)
	if !strings.HasPrefix(string(opt60), classPXEClient) && !strings.HasPrefix(string(opt60), classHTTPClient) {
		return errors.New("option 60 is not PXEClient or HTTPClient")
	}
	if !pkt.Options.Has(dhcpv4.OptionClientSystemArchitectureType) {
		return errors.New("option 93 not set")
	}
	guid := pkt.GetOneOption(dhcpv4.OptionClientMachineIdentifier)
	switch len(guid) {
	case 0:
	case 17:
		if guid[0] != 0 {
			return errors.New("option 97 does not start with 0")
		}
	default:
		return errors.New("option 97 has invalid length")
	}
	return nil
}

// DecisionFunc maps a resolved MAC/arch/firmware triple to the bootfile the
// client should fetch, delegating to the full C1->C3->C4 decision pipeline.
type DecisionFunc func(ctx context.Context, mac string, arch data.Arch, firmware data.Firmware) (bootfile string, err error)

// Responder answers ProxyDHCP probes. It never assigns an IP address: every
// reply omits yiaddr and carries next-server, the boot filename, option 66
// (TFTP server name), the option-60 echo, and the client's option 97.
type Responder struct {
	ServerIP net.IP
	TFTPAddr string // "ip:port" NextServer/OptTFTPServerName value
	Decide   DecisionFunc
	Log      logr.Logger
}

// ListenAndServe blocks serving ProxyDHCP replies on addr (typically
// 0.0.0.0:4011) until ctx is cancelled.
func (r *Responder) ListenAndServe(ctx context.Context, addr string) error {
	laddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return fmt.Errorf("resolve dhcp proxy bind address: %w", err)
	}
	srv, err := server4.NewServer("", laddr, r.handle)
	if err != nil {
		return fmt.Errorf("start dhcp proxy server: %w", err)
	}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	if err := srv.Serve(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (r *Responder) handle(conn net.PacketConn, peer net.Addr, pkt *dhcpv4.DHCPv4) {
	if err := validateNetbootRequest(pkt); err != nil {
		r.Log.V(2).Info("dhcp: ignoring non-netboot packet", "mac", pkt.ClientHWAddr.String(), "reason", err)
		return
	}

	arch := clientArch(pkt)
	dataArch := archToDataArch(arch)
	firmware := firmwareFor(arch)

	bootfile, err := r.Decide(context.Background(), pkt.ClientHWAddr.String(), dataArch, firmware)
	if err != nil {
		r.Log.Info("dhcp: decision failed, not responding", "mac", pkt.ClientHWAddr.String(), "error", err)
		return
	}
	if bootfile == "" {
		return
	}

	reply, err := r.buildReply(pkt, bootfile)
	if err != nil {
		r.Log.Error(err, "dhcp: failed to build proxy reply")
		return
	}

	if _, err := conn.WriteTo(reply.ToBytes(), peer); err != nil {
		r.Log.Error(err, "dhcp: failed to send proxy reply")
	}
}

// buildReply constructs a DHCPOFFER/ACK carrying only netboot options, per
// spec.md §6: "emitting next-server/filename/option-60-echo BOOTREPLYs, no
// IP assignment."
func (r *Responder) buildReply(req *dhcpv4.DHCPv4, bootfile string) (*dhcpv4.DHCPv4, error) {
	msgType := dhcpv4.MessageTypeOffer
	if req.MessageType() == dhcpv4.MessageTypeRequest {
		msgType = dhcpv4.MessageTypeAck
	}

	modifiers := []dhcpv4.Modifier{
		dhcpv4.WithServerIP(r.ServerIP),
		dhcpv4.WithMessageType(msgType),
		dhcpv4.WithOptionCopied(req, dhcpv4.OptionClientMachineIdentifier),
		dhcpv4.WithOptionCopied(req, dhcpv4.OptionClassIdentifier),
	}

	reply, err := dhcpv4.NewReplyFromRequest(req, modifiers...)
	if err != nil {
		return nil, err
	}

	if reply.GetOneOption(dhcpv4.OptionClassIdentifier) == nil {
		reply.UpdateOption(dhcpv4.OptClassIdentifier(classPXEClient))
	}
	reply.UpdateOption(dhcpv4.OptTFTPServerName(r.TFTPAddr))
	reply.UpdateOption(dhcpv4.OptBootFileName(bootfile))
	reply.ServerIPAddr = r.ServerIP

	return reply, nil
}
