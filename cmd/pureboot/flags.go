package main

import (
	"flag"
	"fmt"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
	flagnetip "github.com/pureboot/pureboot/pkg/flag/netip"

	"github.com/pureboot/pureboot/internal/config"
)

// cli holds everything RegisterAllFlags populates: the engine config plus
// the process-level log level, which has no home in config.Config because
// it selects the logger rather than tuning engine behavior.
type cli struct {
	LogLevel int
	Cfg      *config.Config
}

// RegisterAllFlags builds the full flag set the way cmd/agent/flags.go's
// RegisterAllFlags does: one stdlib flag.FlagSet per concern, chained into a
// single ff.FlagSet via SetParent so -help prints them grouped.
func RegisterAllFlags(c *cli) *ff.FlagSet {
	fsr := flag.NewFlagSet("general", flag.ContinueOnError)
	registerRootFlags(c, fsr)
	root := ff.NewFlagSetFrom("general", fsr)

	fst := flag.NewFlagSet("tftp", flag.ContinueOnError)
	registerTFTPFlags(c, fst)
	tftp := ff.NewFlagSetFrom("tftp", fst).SetParent(root)

	fsd := flag.NewFlagSet("dhcp proxy", flag.ContinueOnError)
	registerDHCPFlags(c, fsd)
	dhcp := ff.NewFlagSetFrom("dhcp proxy", fsd).SetParent(tftp)

	fsh := flag.NewFlagSet("http api", flag.ContinueOnError)
	registerHTTPFlags(c, fsh)
	http := ff.NewFlagSetFrom("http api", fsh).SetParent(dhcp)

	fsa := flag.NewFlagSet("agent channel", flag.ContinueOnError)
	registerAgentFlags(c, fsa)
	agentfs := ff.NewFlagSetFrom("agent channel", fsa).SetParent(http)

	fsp := flag.NewFlagSet("pi discovery", flag.ContinueOnError)
	registerPiFlags(c, fsp)
	pi := ff.NewFlagSetFrom("pi discovery", fsp).SetParent(agentfs)

	fsw := flag.NewFlagSet("workflow and lifecycle", flag.ContinueOnError)
	registerLifecycleFlags(c, fsw)
	lifecycle := ff.NewFlagSetFrom("workflow and lifecycle", fsw).SetParent(pi)

	fsn := flag.NewFlagSet("notify", flag.ContinueOnError)
	registerNotifyFlags(c, fsn)
	notifyfs := ff.NewFlagSetFrom("notify", fsn).SetParent(lifecycle)

	return notifyfs
}

func registerRootFlags(c *cli, fs *flag.FlagSet) {
	fs.IntVar(&c.LogLevel, "log-level", 0, "Log level (higher is more verbose)")
}

func registerTFTPFlags(c *cli, fs *flag.FlagSet) {
	fs.BoolVar(&c.Cfg.TFTP.Enabled, "tftp-enabled", c.Cfg.TFTP.Enabled, "Serve the TFTP boot protocol gateway")
	fs.StringVar(&c.Cfg.TFTP.Root, "tftp-root", c.Cfg.TFTP.Root, "Directory firmware/bootloader assets are served from")
	fs.Var(&flagnetip.Addr{Addr: &c.Cfg.TFTP.BindAddr}, "tftp-bind-addr", "TFTP listen address")
	fs.Var(ffval.NewValueDefault(&c.Cfg.TFTP.BindPort, c.Cfg.TFTP.BindPort), "tftp-bind-port", "TFTP listen port")
	fs.IntVar(&c.Cfg.TFTP.BlockSize, "tftp-block-size", c.Cfg.TFTP.BlockSize, "TFTP negotiated block size")
	fs.Var(ffval.NewValueDefault(&c.Cfg.TFTP.Timeout, c.Cfg.TFTP.Timeout), "tftp-timeout", "TFTP per-request timeout")
}

func registerDHCPFlags(c *cli, fs *flag.FlagSet) {
	fs.BoolVar(&c.Cfg.DHCPProxy.Enabled, "dhcp-proxy-enabled", c.Cfg.DHCPProxy.Enabled, "Serve the ProxyDHCP boot-file responder")
	fs.Func("dhcp-proxy-mode", fmt.Sprintf("ProxyDHCP mode, one of [%s, %s]", config.DHCPModeProxy, config.DHCPModeReservation), func(s string) error {
		c.Cfg.DHCPProxy.Mode = config.DHCPMode(s)
		return nil
	})
	fs.Var(&flagnetip.Addr{Addr: &c.Cfg.DHCPProxy.ServerIP}, "dhcp-proxy-server-ip", "Address advertised to clients as next-server (required when dhcp-proxy-enabled)")
	fs.Var(&flagnetip.Addr{Addr: &c.Cfg.DHCPProxy.BindAddr}, "dhcp-proxy-bind-addr", "ProxyDHCP listen address")
	fs.Var(ffval.NewValueDefault(&c.Cfg.DHCPProxy.BindPort, c.Cfg.DHCPProxy.BindPort), "dhcp-proxy-bind-port", "ProxyDHCP listen port")
}

func registerHTTPFlags(c *cli, fs *flag.FlagSet) {
	fs.Var(&flagnetip.Addr{Addr: &c.Cfg.HTTP.BindAddr}, "http-bind-addr", "Node-facing HTTP API listen address")
	fs.Var(ffval.NewValueDefault(&c.Cfg.HTTP.BindPort, c.Cfg.HTTP.BindPort), "http-bind-port", "Node-facing HTTP API listen port")
}

func registerAgentFlags(c *cli, fs *flag.FlagSet) {
	fs.Var(&flagnetip.Addr{Addr: &c.Cfg.Agent.BindAddr}, "agent-bind-addr", "Agent Channel listen address")
	fs.Var(ffval.NewValueDefault(&c.Cfg.Agent.BindPort, c.Cfg.Agent.BindPort), "agent-bind-port", "Agent Channel listen port")
}

func registerPiFlags(c *cli, fs *flag.FlagSet) {
	fs.BoolVar(&c.Cfg.Pi.DiscoveryEnabled, "pi-discovery-enabled", c.Cfg.Pi.DiscoveryEnabled, "Auto-discover Raspberry Pi nodes by serial over TFTP")
	fs.StringVar(&c.Cfg.Pi.DiscoveryDefaultModel, "pi-discovery-default-model", c.Cfg.Pi.DiscoveryDefaultModel, "Model tagged on a Pi-serial-discovered node")
	fs.StringVar(&c.Cfg.Pi.DiscoveryDir, "pi-discovery-dir", c.Cfg.Pi.DiscoveryDir, "Directory Pi firmware files are served from, keyed by serial")
}

func registerLifecycleFlags(c *cli, fs *flag.FlagSet) {
	fs.BoolVar(&c.Cfg.Discovery.Enabled, "discovery-enabled", c.Cfg.Discovery.Enabled, "Auto-discover unknown MAC addresses as new nodes")
	fs.IntVar(&c.Cfg.Retry.MaxAttempts, "retry-max-attempts", c.Cfg.Retry.MaxAttempts, "Maximum task retry attempts before a session fails")
	fs.Var(ffval.NewValueDefault(&c.Cfg.Retry.InitialBackoffMS, c.Cfg.Retry.InitialBackoffMS), "retry-initial-backoff-ms", "Initial retry backoff, in milliseconds")
	fs.Var(ffval.NewValueDefault(&c.Cfg.Task.DefaultTimeoutMS, c.Cfg.Task.DefaultTimeoutMS), "task-default-timeout-ms", "Default per-task timeout, in milliseconds")
	fs.Var(ffval.NewValueDefault(&c.Cfg.Session.CancelGraceMS, c.Cfg.Session.CancelGraceMS), "session-cancel-grace-ms", "Grace period a cancelled session is given to stop cleanly, in milliseconds")
	fs.IntVar(&c.Cfg.Audit.QueueCapacity, "audit-queue-capacity", c.Cfg.Audit.QueueCapacity, "Audit event queue capacity before events are dropped")
	fs.Var(ffval.NewValueDefault(&c.Cfg.Lock.WaitTimeoutMS, c.Cfg.Lock.WaitTimeoutMS), "lock-wait-timeout-ms", "Node lock acquisition wait timeout, in milliseconds")
	fs.Var(ffval.NewValueDefault(&c.Cfg.Dedup.WindowMS, c.Cfg.Dedup.WindowMS), "dedup-window-ms", "Duplicate boot-request suppression window, in milliseconds")
	fs.IntVar(&c.Cfg.Approval.RequiredApprovers, "approval-required-approvers", c.Cfg.Approval.RequiredApprovers, "Number of distinct approvers required per gated operation")
	fs.Var(ffval.NewValueDefault(&c.Cfg.Approval.ExpiryMS, c.Cfg.Approval.ExpiryMS), "approval-expiry-ms", "Approval request expiry, in milliseconds")
}

func registerNotifyFlags(c *cli, fs *flag.FlagSet) {
	fs.BoolVar(&c.Cfg.Notify.Enabled, "notify-enabled", c.Cfg.Notify.Enabled, "Publish node state-change events to NATS")
	fs.StringVar(&c.Cfg.Notify.Addr, "notify-addr", c.Cfg.Notify.Addr, "NATS server address (host:port, no scheme)")
	fs.StringVar(&c.Cfg.Notify.SubjectPrefix, "notify-subject-prefix", c.Cfg.Notify.SubjectPrefix, "NATS subject prefix for state-change events")
	fs.IntVar(&c.Cfg.Notify.QueueCapacity, "notify-queue-capacity", c.Cfg.Notify.QueueCapacity, "Notify event queue capacity before events are dropped")
}
