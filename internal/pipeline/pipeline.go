package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cpsource/fail3band/internal/audit"
	"github.com/cpsource/fail3band/internal/classify"
	"github.com/cpsource/fail3band/internal/config"
	"github.com/cpsource/fail3band/internal/enforce"
	"github.com/cpsource/fail3band/internal/ingest"
	"github.com/cpsource/fail3band/internal/iplist"
	"github.com/cpsource/fail3band/internal/metrics"
	"github.com/cpsource/fail3band/internal/normalize"
	"github.com/cpsource/fail3band/internal/sanitize"
	"github.com/cpsource/fail3band/internal/store"
)

// Orchestrator wires the detection path together: raw lines in,
// enforcement tasks out. The hot path never blocks on the firewall or
// the reporting endpoint; that work rides the pool.
type Orchestrator struct {
	cfg       *config.Config
	store     store.Store
	whitelist *iplist.Set
	chain     *classify.Chain
	norm      *normalize.Normalizer
	pool      *enforce.Pool
	audit     *audit.Logger
	log       zerolog.Logger
	now       func() time.Time

	mu          sync.Mutex
	marks       map[string]time.Time // latest line time per source, pending flush
	loaded      map[string]time.Time // checkpoint at startup, for replay skip
	dedupWindow time.Duration
	banDuration time.Duration
}

func New(cfg *config.Config, st store.Store, whitelist *iplist.Set, pool *enforce.Pool, auditLog *audit.Logger, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		store:     st,
		whitelist: whitelist,
		chain:     classify.NewChain(logger),
		norm:      normalize.New(logger),
		pool:      pool,
		audit:     auditLog,
		log:       logger,
		now:       time.Now,
		marks:     make(map[string]time.Time),
		loaded:    make(map[string]time.Time),

		dedupWindow: cfg.Detection.DedupWindow,
		banDuration: cfg.Ban.DefaultDuration,
	}
}

// SetTunables swaps the reloadable detection parameters. Called from
// the SIGHUP handler; safe while Run is consuming lines.
func (o *Orchestrator) SetTunables(dedupWindow, banDuration time.Duration) {
	o.mu.Lock()
	o.dedupWindow = dedupWindow
	o.banDuration = banDuration
	o.mu.Unlock()
}

func (o *Orchestrator) tunables() (time.Duration, time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dedupWindow, o.banDuration
}

// Run consumes lines until ctx is cancelled or the channel closes.
// It also drives the checkpoint flusher and the ban reaper.
func (o *Orchestrator) Run(ctx context.Context, lines <-chan ingest.LogLine) error {
	o.loadCheckpoints(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); o.flushLoop(ctx) }()
	go func() { defer wg.Done(); o.reapLoop(ctx) }()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			o.flushCheckpoints(context.Background())
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				wg.Wait()
				o.flushCheckpoints(context.Background())
				return nil
			}
			o.HandleLine(ctx, line)
		}
	}
}

// HandleLine runs one raw line through normalize, classify, the
// whitelist gate and the dedup window, then queues enforcement.
func (o *Orchestrator) HandleLine(ctx context.Context, line ingest.LogLine) {
	metrics.LinesProcessed.WithLabelValues(line.Source).Inc()

	ev := o.norm.Normalize(line.Text)

	// The tailer stamps lines with its own arrival clock, which after a
	// restart is "now" for the whole re-read file. The replay guard has
	// to use the time the line itself claims, falling back to arrival
	// only when the line carries no timestamp.
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = line.Time
	}

	// Lines at or before the stored checkpoint were handled by a
	// previous run; re-banning them is harmless but re-reporting is not.
	if cp, ok := o.loaded[line.Source]; ok && !ts.IsZero() && !ts.After(cp) {
		return
	}
	o.mark(line.Source, ts)

	ev = o.norm.Coalesce(ev)

	res := o.chain.Classify(ev)
	switch res.Kind {
	case classify.KindMalformed:
		metrics.ParseFailures.Inc()
		o.log.Debug().Str("reason", res.Reason).Str("line", sanitize.Strip(line.Text)).Msg("malformed line")
		return
	case classify.KindNoMatch:
		return
	}

	threat := *res.Threat
	metrics.ThreatsClassified.WithLabelValues(threat.Jail).Inc()

	if o.whitelist != nil && o.whitelist.IsMember(threat.IP) {
		metrics.WhitelistSkips.Inc()
		o.recordAudit(audit.Threat(threat, "whitelisted"))
		return
	}

	window, banDur := o.tunables()

	within, err := o.store.Touch(ctx, threat.IP, window)
	if err != nil {
		if errors.Is(err, store.ErrTransient) {
			metrics.StorageRetryFailures.Inc()
		}
		o.log.Error().Err(err).Str("ip", threat.IP).Msg("activity ledger update failed, dropping threat")
		return
	}
	if within {
		metrics.DedupSkips.Inc()
		o.recordAudit(audit.Threat(threat, "deduped"))
		return
	}

	d := banDur
	if err := o.store.AddOrRenew(ctx, threat.IP, threat.Jail, &d, false); err != nil {
		if errors.Is(err, store.ErrTransient) {
			metrics.StorageRetryFailures.Inc()
		}
		o.log.Error().Err(err).Str("ip", threat.IP).Msg("ban ledger update failed, dropping threat")
		return
	}

	if err := o.pool.Enqueue(ctx, enforce.BanTask(threat, &d)); err != nil {
		o.log.Error().Err(err).Str("ip", threat.IP).Msg("ban task not queued")
		return
	}
	if o.cfg.Report.Enabled {
		if err := o.pool.TryEnqueue(enforce.ReportTask(threat)); err != nil {
			o.log.Warn().Err(err).Str("ip", threat.IP).Msg("report task shed")
		}
	}
	o.recordAudit(audit.Threat(threat, "banned"))
}

func (o *Orchestrator) recordAudit(d audit.Decision) {
	if o.audit == nil {
		return
	}
	if err := o.audit.Record(d); err != nil {
		o.log.Error().Err(err).Msg("audit write failed")
	}
}

func (o *Orchestrator) mark(source string, ts time.Time) {
	if ts.IsZero() {
		return
	}
	o.mu.Lock()
	if ts.After(o.marks[source]) {
		o.marks[source] = ts
	}
	o.mu.Unlock()
}

func (o *Orchestrator) loadCheckpoints(ctx context.Context) {
	for _, src := range o.cfg.Input.Sources {
		ts, err := o.store.LoadCheckpoint(ctx, src.Path)
		if err != nil {
			o.log.Warn().Err(err).Str("source", src.Path).Msg("checkpoint load failed")
			continue
		}
		if !ts.IsZero() {
			o.loaded[src.Path] = ts
		}
	}
}

func (o *Orchestrator) flushLoop(ctx context.Context) {
	t := time.NewTicker(o.cfg.Output.CheckpointInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			o.flushCheckpoints(ctx)
		}
	}
}

func (o *Orchestrator) flushCheckpoints(ctx context.Context) {
	o.mu.Lock()
	pending := make(map[string]time.Time, len(o.marks))
	for k, v := range o.marks {
		pending[k] = v
	}
	o.mu.Unlock()

	for source, ts := range pending {
		if err := o.store.SaveCheckpoint(ctx, source, ts); err != nil {
			o.log.Error().Err(err).Str("source", source).Msg("checkpoint save failed")
		}
	}
}

func (o *Orchestrator) reapLoop(ctx context.Context) {
	t := time.NewTicker(o.cfg.Ban.ReaperInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			o.ReapExpired(ctx)
		}
	}
}

// ReapExpired unbans expired rows and prunes stale activity. The row
// is deleted only after the firewall confirmed the removal, so a
// failed unban is retried on the next sweep.
func (o *Orchestrator) ReapExpired(ctx context.Context) {
	now := o.now()

	expired, err := o.store.ListExpired(ctx, now)
	if err != nil {
		o.log.Error().Err(err).Msg("expired ban scan failed")
	}
	for _, key := range expired {
		key := key
		task := enforce.UnbanTask(key.IP, key.Jail)
		task.Done = func(taskErr error) {
			if taskErr != nil {
				return
			}
			if err := o.store.Remove(context.Background(), key.IP, key.Jail); err != nil {
				o.log.Error().Err(err).Str("ip", key.IP).Msg("expired ban row removal failed")
				return
			}
			metrics.BansExpired.Inc()
			o.recordAudit(audit.Decision{
				Time:    o.now(),
				IP:      key.IP,
				Jail:    key.Jail,
				Outcome: "unbanned",
			})
		}
		if err := o.pool.TryEnqueue(task); err != nil {
			o.log.Warn().Err(err).Str("ip", key.IP).Msg("unban task shed, will retry next sweep")
		}
	}

	cutoff := now.Add(-o.cfg.Ban.ActivityRetention)
	if n, err := o.store.SweepInactive(ctx, cutoff); err != nil {
		o.log.Error().Err(err).Msg("activity sweep failed")
	} else if n > 0 {
		o.log.Info().Int64("rows", n).Msg("stale activity rows swept")
	}
}
