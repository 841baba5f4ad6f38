// Package config holds the engine's explicit configuration. There are no
// implicit defaults anywhere else in the codebase (spec.md §9): every
// tunable named in the spec's Design Notes has a field here, and
// NewConfig is the only place defaults are set.
package config

import (
	"fmt"
	"net/netip"
	"reflect"
	"time"

	"dario.cat/mergo"
)

// Config is the engine's full runtime configuration.
type Config struct {
	TFTP     TFTP
	DHCPProxy DHCPProxy
	Pi       Pi
	Retry    Retry
	Task     Task
	Session  Session
	Audit    Audit
	Lock     Lock
	Dedup    Dedup
	HTTP     HTTP
	Agent    Agent
	Approval Approval
	Discovery Discovery
	Notify    Notify
}

type TFTP struct {
	Enabled   bool
	Root      string
	BindAddr  netip.Addr
	BindPort  uint16
	BlockSize int
	Timeout   time.Duration
}

// DHCPMode selects the ProxyDHCP responder's behavior.
type DHCPMode string

const (
	DHCPModeProxy       DHCPMode = "proxy"
	DHCPModeReservation DHCPMode = "reservation"
)

type DHCPProxy struct {
	Enabled bool
	Mode    DHCPMode
	// ServerIP is advertised to clients as siaddr/option-54: the address
	// they should fetch bootfile from next (spec.md §6). Unlike BindAddr
	// (which may be 0.0.0.0 to listen on every interface) this must be a
	// single routable address, so it has no wildcard default; operators set
	// it explicitly the way cmd/tinkerbell requires -public-ip.
	ServerIP netip.Addr
	BindAddr netip.Addr
	BindPort uint16
}

type Pi struct {
	DiscoveryEnabled bool
	DiscoveryDefaultModel string
	DiscoveryDir          string
}

type Retry struct {
	MaxAttempts      int
	InitialBackoffMS int64
}

type Task struct {
	DefaultTimeoutMS int64
}

type Session struct {
	CancelGraceMS int64
}

type Audit struct {
	QueueCapacity int
}

type Lock struct {
	WaitTimeoutMS int64
}

type Dedup struct {
	WindowMS int64
}

type HTTP struct {
	BindAddr netip.Addr
	BindPort uint16
}

type Agent struct {
	BindAddr netip.Addr
	BindPort uint16
}

type Approval struct {
	// RequiredApprovers applies uniformly to every gated operation; spec.md
	// §9 leaves per-operation quorum as an open question, resolved here by
	// using one site-wide value (DESIGN.md).
	RequiredApprovers int
	ExpiryMS          int64
}

// Discovery is the site-wide auto-discovery policy (spec.md §4.1 step 3:
// "if auto-discovery is enabled for the inferred site"). One process
// currently serves one site, so this is a single flag rather than a
// per-site map (DESIGN.md); named the way the donor's own
// Auto.Discovery.Enabled flag is (cmd/tinkerbell/flag/tink_server.go).
type Discovery struct {
	Enabled bool
}

// Notify configures the optional NATS state-event publisher
// (internal/notify). A broker is never required: Enabled=false (the
// default) wires a notify.NoopPublisher so "no broker configured" and
// "broker configured" are the same code path.
type Notify struct {
	Enabled       bool
	Addr          string // NATS host:port, no scheme
	SubjectPrefix string
	QueueCapacity int
}

// NewConfig returns a Config with the spec-mandated defaults, overridden by
// any non-zero field set in c.
func NewConfig(c Config) *Config {
	defaults := &Config{
		TFTP: TFTP{
			Enabled:   true,
			Root:      "/var/lib/pureboot/tftp",
			BindAddr:  netip.MustParseAddr("0.0.0.0"),
			BindPort:  69,
			BlockSize: 512,
			Timeout:   5 * time.Second,
		},
		DHCPProxy: DHCPProxy{
			Enabled:  false,
			Mode:     DHCPModeProxy,
			BindAddr: netip.MustParseAddr("0.0.0.0"),
			BindPort: 4011,
		},
		Pi: Pi{
			DiscoveryEnabled:      false,
			DiscoveryDefaultModel: "raspberry-pi",
			DiscoveryDir:          "/var/lib/pureboot/tftp/pi",
		},
		Retry: Retry{
			MaxAttempts:      3,
			InitialBackoffMS: 2000,
		},
		Task: Task{
			DefaultTimeoutMS: 1_800_000,
		},
		Session: Session{
			CancelGraceMS: 60_000,
		},
		Audit: Audit{
			QueueCapacity: 10_000,
		},
		Lock: Lock{
			WaitTimeoutMS: 5_000,
		},
		Dedup: Dedup{
			WindowMS: 2_000,
		},
		HTTP: HTTP{
			BindAddr: netip.MustParseAddr("0.0.0.0"),
			BindPort: 8080,
		},
		Agent: Agent{
			BindAddr: netip.MustParseAddr("0.0.0.0"),
			BindPort: 8081,
		},
		Approval: Approval{
			RequiredApprovers: 1,
			ExpiryMS:          86_400_000,
		},
		Discovery: Discovery{
			Enabled: false,
		},
		Notify: Notify{
			Enabled:       false,
			SubjectPrefix: "pureboot.node",
			QueueCapacity: 1_000,
		},
	}

	if err := mergo.Merge(defaults, &c, mergo.WithOverride, mergo.WithTransformers(transformer{})); err != nil {
		panic(fmt.Sprintf("failed to merge config: %v", err))
	}

	return defaults
}

// transformer keeps mergo from overwriting a default netip.Addr/time.Duration
// with a caller-supplied zero value, the same pattern smee.Config.Transformer
// uses.
type transformer struct{}

func (transformer) Transformer(typ reflect.Type) func(dst, src reflect.Value) error {
	switch typ {
	case reflect.TypeOf(netip.Addr{}):
		return func(dst, src reflect.Value) error {
			if dst.CanSet() {
				v, ok := src.Interface().(netip.Addr)
				if ok && v.Compare(netip.Addr{}) != 0 {
					dst.Set(src)
				}
			}
			return nil
		}
	case reflect.TypeOf(time.Duration(0)):
		return func(dst, src reflect.Value) error {
			if dst.CanSet() {
				v, ok := src.Interface().(time.Duration)
				if ok && v != 0 {
					dst.Set(src)
				}
			}
			return nil
		}
	}
	return nil
}
