package enforce

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
)

// Firewall applies and removes network-level bans. Apply is
// idempotent: banning an already banned address succeeds without
// duplicating rules. Remove of an absent ban is a no-op.
type Firewall interface {
	Apply(ctx context.Context, ip, jail string) error
	Remove(ctx context.Context, ip, jail string) error
}

// CommandRunner executes one external command. Tests substitute a fake.
type CommandRunner func(ctx context.Context, name string, args ...string) error

func execRunner(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w (%s)", name, err, string(out))
	}
	return nil
}

// ExecFirewall drives iptables/ip6tables directly. Requires the
// daemon to run with CAP_NET_ADMIN; deployments that drop privileges
// use SocketFirewall against a root-side executor instead.
type ExecFirewall struct {
	Chain string
	run   CommandRunner
	log   zerolog.Logger
}

func NewExecFirewall(logger zerolog.Logger) *ExecFirewall {
	return &ExecFirewall{Chain: "INPUT", run: execRunner, log: logger}
}

func (f *ExecFirewall) binFor(ip string) (string, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", fmt.Errorf("firewall: refusing non-address target %q: %w", ip, err)
	}
	if addr.Is4() {
		return "iptables", nil
	}
	return "ip6tables", nil
}

func (f *ExecFirewall) ruleArgs(op, ip, jail string) []string {
	return []string{op, f.Chain, "-s", ip,
		"-m", "comment", "--comment", "fail3band-" + jail,
		"-j", "DROP"}
}

func (f *ExecFirewall) Apply(ctx context.Context, ip, jail string) error {
	bin, err := f.binFor(ip)
	if err != nil {
		return err
	}
	// -C probes for the rule; a zero exit means it is already there.
	if err := f.run(ctx, bin, f.ruleArgs("-C", ip, jail)...); err == nil {
		f.log.Debug().Str("ip", ip).Str("jail", jail).Msg("ban already present")
		return nil
	}
	if err := f.run(ctx, bin, f.ruleArgs("-A", ip, jail)...); err != nil {
		return fmt.Errorf("firewall: ban %s: %w", ip, err)
	}
	f.log.Info().Str("ip", ip).Str("jail", jail).Msg("ban applied")
	return nil
}

func (f *ExecFirewall) Remove(ctx context.Context, ip, jail string) error {
	bin, err := f.binFor(ip)
	if err != nil {
		return err
	}
	if err := f.run(ctx, bin, f.ruleArgs("-C", ip, jail)...); err != nil {
		f.log.Debug().Str("ip", ip).Str("jail", jail).Msg("ban not present, nothing to remove")
		return nil
	}
	if err := f.run(ctx, bin, f.ruleArgs("-D", ip, jail)...); err != nil {
		return fmt.Errorf("firewall: unban %s: %w", ip, err)
	}
	f.log.Info().Str("ip", ip).Str("jail", jail).Msg("ban removed")
	return nil
}

// SocketFirewall forwards ban requests over a Unix socket to a
// privileged executor process (see Executor). One short-lived
// connection per request keeps the protocol stateless.
type SocketFirewall struct {
	SocketPath string
	timeout    time.Duration
	log        zerolog.Logger
}

func NewSocketFirewall(socketPath string, logger zerolog.Logger) *SocketFirewall {
	return &SocketFirewall{SocketPath: socketPath, timeout: 5 * time.Second, log: logger}
}

func (f *SocketFirewall) send(ctx context.Context, verb, ip, jail string) error {
	if _, err := netip.ParseAddr(ip); err != nil {
		return fmt.Errorf("firewall: refusing non-address target %q: %w", ip, err)
	}
	d := net.Dialer{Timeout: f.timeout}
	conn, err := d.DialContext(ctx, "unix", f.SocketPath)
	if err != nil {
		return fmt.Errorf("firewall: executor socket: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(f.timeout))
	if _, err := fmt.Fprintf(conn, "%s %s %s\n", verb, ip, jail); err != nil {
		return fmt.Errorf("firewall: executor write: %w", err)
	}
	return nil
}

func (f *SocketFirewall) Apply(ctx context.Context, ip, jail string) error {
	return f.send(ctx, "ban", ip, jail)
}

func (f *SocketFirewall) Remove(ctx context.Context, ip, jail string) error {
	return f.send(ctx, "unban", ip, jail)
}
