package enforce

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Executor is the privileged half of the split-privilege deployment.
// It runs as root, listens on a Unix socket and applies ban/unban
// requests coming from the unprivileged daemon. The protocol is one
// line per request: "ban <ip> <jail>" or "unban <ip> <jail>".
type Executor struct {
	SocketPath string
	fw         Firewall
	log        zerolog.Logger
}

func NewExecutor(socketPath string, logger zerolog.Logger) *Executor {
	if socketPath == "" {
		socketPath = "/run/fail3band.sock"
	}
	return &Executor{
		SocketPath: socketPath,
		fw:         NewExecFirewall(logger),
		log:        logger,
	}
}

// Run listens until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) error {
	// Stale socket from a previous run would block the bind.
	if _, err := os.Stat(e.SocketPath); err == nil {
		os.Remove(e.SocketPath)
	}

	ln, err := net.Listen("unix", e.SocketPath)
	if err != nil {
		return fmt.Errorf("executor: listen: %w", err)
	}
	defer ln.Close()
	defer os.Remove(e.SocketPath)

	// The daemon runs unprivileged in the same group.
	if err := os.Chmod(e.SocketPath, 0o660); err != nil {
		e.log.Warn().Err(err).Str("socket", e.SocketPath).Msg("chmod socket failed")
	}

	e.log.Info().Str("socket", e.SocketPath).Msg("executor listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			e.log.Error().Err(err).Msg("accept failed")
			continue
		}
		go e.handle(ctx, conn)
	}
}

func (e *Executor) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		verb, ip, jail, err := parseRequest(scanner.Text())
		if err != nil {
			e.log.Warn().Err(err).Msg("rejected executor request")
			continue
		}
		switch verb {
		case "ban":
			if err := e.fw.Apply(ctx, ip, jail); err != nil {
				e.log.Error().Err(err).Str("ip", ip).Msg("ban failed")
			}
		case "unban":
			if err := e.fw.Remove(ctx, ip, jail); err != nil {
				e.log.Error().Err(err).Str("ip", ip).Msg("unban failed")
			}
		}
	}
}

// parseRequest validates one protocol line. The target must parse as
// a bare IP address; anything else is refused before it can reach an
// iptables argument vector.
func parseRequest(line string) (verb, ip, jail string, err error) {
	parts := strings.Fields(line)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("malformed request %q", line)
	}
	verb, ip, jail = parts[0], parts[1], parts[2]
	if verb != "ban" && verb != "unban" {
		return "", "", "", fmt.Errorf("unknown verb %q", verb)
	}
	if _, perr := netip.ParseAddr(ip); perr != nil {
		return "", "", "", fmt.Errorf("invalid target %q", ip)
	}
	for _, r := range jail {
		if !strings.ContainsRune("abcdefghijklmnopqrstuvwxyz0123456789-", r) {
			return "", "", "", fmt.Errorf("invalid jail %q", jail)
		}
	}
	return verb, ip, jail, nil
}
