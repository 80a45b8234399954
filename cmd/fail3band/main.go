package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/cpsource/fail3band/internal/audit"
	"github.com/cpsource/fail3band/internal/config"
	"github.com/cpsource/fail3band/internal/enforce"
	"github.com/cpsource/fail3band/internal/event"
	"github.com/cpsource/fail3band/internal/ingest"
	"github.com/cpsource/fail3band/internal/iplist"
	"github.com/cpsource/fail3band/internal/metrics"
	"github.com/cpsource/fail3band/internal/pipeline"
	"github.com/cpsource/fail3band/internal/report"
	"github.com/cpsource/fail3band/internal/sanitize"
	"github.com/cpsource/fail3band/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runCommand(os.Args[2:])
	case "executor":
		executorCommand(os.Args[2:])
	case "rebuild-blacklist":
		rebuildBlacklistCommand(os.Args[2:])
	case "status":
		statusCommand(os.Args[2:])
	case "audit":
		auditCommand(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: fail3band <command> [flags]")
	fmt.Println("Commands:")
	fmt.Println("  run                Start the detection daemon")
	fmt.Println("  executor           Start the privileged firewall executor (requires root)")
	fmt.Println("  rebuild-blacklist  Regenerate the master blacklist artifact and exit")
	fmt.Println("  status             Show active bans from the ledger")
	fmt.Println("  audit              Print the audit trail")
}

func newLogger(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}

func loadConfig(path string, logger zerolog.Logger) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		logger.Fatal().Err(err).Str("path", path).Msg("config load failed")
	}
	return cfg
}

func runCommand(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "/etc/fail3band/config.yml", "Path to config file")
	debug := fs.Bool("debug", false, "Enable debug logging")
	fs.Parse(args)

	logger := newLogger(*debug)
	cfg := loadConfig(*configPath, logger)

	st, err := store.Open(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("ledger open failed")
	}
	defer st.Close()

	whitelist, err := iplist.NewSet(cfg.Detection.WhitelistFiles, cfg.Detection.ReloadCheckMod, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("whitelist load failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := whitelist.Watch(ctx); err != nil {
			logger.Warn().Err(err).Msg("whitelist watcher unavailable, relying on periodic reload")
		}
	}()

	var fw enforce.Firewall
	switch cfg.Firewall.Mode {
	case "socket":
		fw = enforce.NewSocketFirewall(cfg.Firewall.ExecutorSocket, logger)
	default:
		fw = enforce.NewExecFirewall(logger)
	}

	var reporter enforce.Reporter
	if cfg.Report.Enabled {
		client, err := report.NewClient(cfg, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("report client init failed")
		}
		reporter = client
	}

	pool := enforce.NewPool(cfg.Queue.Workers, cfg.Queue.Depth, fw, reporter, logger)
	pool.Start()

	if n, err := pipeline.BuildMasterBlacklist(ctx, cfg, st, logger); err != nil {
		logger.Warn().Err(err).Msg("master blacklist rebuild failed")
	} else {
		logger.Info().Int("entries", n).Msg("master blacklist ready")
	}

	// Firewall rules do not survive a reboot; replay the ledger so
	// still-active bans are enforced again.
	if bans, err := st.ActiveBans(ctx, time.Now()); err != nil {
		logger.Warn().Err(err).Msg("active ban replay failed")
	} else {
		for _, b := range bans {
			task := enforce.BanTask(event.ClassifiedThreat{IP: b.IP, Jail: b.Jail, DetectedAt: time.Now()}, nil)
			if err := pool.TryEnqueue(task); err != nil {
				logger.Warn().Err(err).Str("ip", b.IP).Msg("ban replay shed")
			}
		}
		logger.Info().Int("bans", len(bans)).Msg("active bans replayed")
	}

	if cfg.Metrics.Enabled {
		go func() {
			logger.Info().Str("listen", cfg.Metrics.Listen).Msg("metrics server starting")
			if err := metrics.StartServer(cfg.Metrics.Listen); err != nil {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	lines, stopIngest, err := startIngest(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("log ingestion start failed")
	}

	orch := pipeline.New(cfg, st, whitelist, pool, audit.NewLogger(cfg.Output.AuditLogPath), logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigChan {
			if sig == syscall.SIGHUP {
				logger.Info().Msg("SIGHUP received, reloading configuration")
				newCfg, err := config.Load(*configPath)
				if err != nil {
					logger.Error().Err(err).Msg("config reload failed, keeping current settings")
					continue
				}
				orch.SetTunables(newCfg.Detection.DedupWindow, newCfg.Ban.DefaultDuration)
				if err := whitelist.Reload(); err != nil {
					logger.Error().Err(err).Msg("whitelist reload failed")
					continue
				}
				// Tailer paths and storage backends need a restart;
				// only the detection tunables and control files move.
				metrics.ConfigReloads.Inc()
				logger.Info().Msg("reload complete")
				continue
			}
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
			cancel()
			return
		}
	}()

	if err := orch.Run(ctx, lines); err != nil && err != context.Canceled {
		logger.Error().Err(err).Msg("pipeline stopped")
	}

	stopIngest()
	pool.Shutdown()
	logger.Info().Msg("shutdown complete")
}

// startIngest launches every configured tailer plus journald and fans
// their lines into one channel, closed once all sources stop.
func startIngest(cfg *config.Config, logger zerolog.Logger) (<-chan ingest.LogLine, func(), error) {
	var ingesters []ingest.Ingester
	var channels []<-chan ingest.LogLine

	for _, src := range cfg.Input.Sources {
		t := ingest.NewFileTailer(src, logger)
		ch, err := t.Start()
		if err != nil {
			for _, ing := range ingesters {
				ing.Stop()
			}
			return nil, nil, err
		}
		ingesters = append(ingesters, t)
		channels = append(channels, ch)
	}

	if cfg.Input.EnableJournal {
		j := ingest.NewJournalReader(logger)
		if ch, err := j.Start(); err != nil {
			logger.Warn().Err(err).Msg("journald unavailable")
		} else {
			ingesters = append(ingesters, j)
			channels = append(channels, ch)
		}
	}

	merged, stopMerge := ingest.Merge(channels...)
	stop := func() {
		for _, ing := range ingesters {
			ing.Stop()
		}
		stopMerge()
	}
	return merged, stop, nil
}

func executorCommand(args []string) {
	fs := flag.NewFlagSet("executor", flag.ExitOnError)
	configPath := fs.String("config", "/etc/fail3band/config.yml", "Path to config file")
	debug := fs.Bool("debug", false, "Enable debug logging")
	fs.Parse(args)

	logger := newLogger(*debug)
	cfg := loadConfig(*configPath, logger)

	if cfg.Firewall.ExecutorSocket == "" {
		logger.Fatal().Msg("firewall.executor_socket not set in config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		cancel()
	}()

	e := enforce.NewExecutor(cfg.Firewall.ExecutorSocket, logger)
	if err := e.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("executor failed")
	}
}

func rebuildBlacklistCommand(args []string) {
	fs := flag.NewFlagSet("rebuild-blacklist", flag.ExitOnError)
	configPath := fs.String("config", "/etc/fail3band/config.yml", "Path to config file")
	fs.Parse(args)

	logger := newLogger(false)
	cfg := loadConfig(*configPath, logger)

	st, err := store.Open(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("ledger open failed")
	}
	defer st.Close()

	n, err := pipeline.BuildMasterBlacklist(context.Background(), cfg, st, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("master blacklist rebuild failed")
	}
	fmt.Printf("%s: %d entries\n", cfg.Detection.MasterBlacklist, n)
}

func statusCommand(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "/etc/fail3band/config.yml", "Path to config file")
	fs.Parse(args)

	logger := newLogger(false)
	cfg := loadConfig(*configPath, logger)

	st, err := store.Open(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("ledger open failed")
	}
	defer st.Close()

	bans, err := st.ActiveBans(context.Background(), time.Now())
	if err != nil {
		logger.Fatal().Err(err).Msg("ledger query failed")
	}

	fmt.Printf("Active bans: %d\n", len(bans))
	for _, b := range bans {
		expiry := "permanent"
		if b.ExpireAt != nil {
			expiry = b.ExpireAt.Local().Format(time.RFC3339)
		}
		fmt.Printf("  %-40s jail=%-12s hits=%-4d expires=%s\n", b.IP, b.Jail, b.UsageCount, expiry)
	}
}

func auditCommand(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	configPath := fs.String("config", "/etc/fail3band/config.yml", "Path to config file")
	fs.Parse(args)

	logger := newLogger(false)
	cfg := loadConfig(*configPath, logger)

	content, err := os.ReadFile(cfg.Output.AuditLogPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("audit log read failed")
	}
	// Evidence fields contain attacker-controlled bytes.
	fmt.Print(sanitize.Strip(string(content)))
}
