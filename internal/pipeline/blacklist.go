package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cpsource/fail3band/internal/config"
	"github.com/cpsource/fail3band/internal/iplist"
	"github.com/cpsource/fail3band/internal/store"
)

// BuildMasterBlacklist regenerates the consolidated blacklist
// artifact from the local blacklist files, the downloaded external
// feeds and every ban row still active in the ledger.
func BuildMasterBlacklist(ctx context.Context, cfg *config.Config, st store.Store, logger zerolog.Logger) (int, error) {
	paths := append([]string{}, cfg.Detection.BlacklistFiles...)
	paths = append(paths, cfg.Detection.ExternalFeeds...)

	files, err := iplist.NewSet(paths, cfg.Detection.ReloadCheckMod, logger)
	if err != nil {
		return 0, fmt.Errorf("blacklist sources: %w", err)
	}

	bans, err := st.ActiveBans(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("active bans: %w", err)
	}
	banned := make([]string, 0, len(bans))
	for _, b := range bans {
		banned = append(banned, b.IP)
	}

	n, err := iplist.WriteMasterBlacklist(cfg.Detection.MasterBlacklist, files.Snapshot(), banned)
	if err != nil {
		return 0, err
	}
	logger.Info().Int("entries", n).Str("path", cfg.Detection.MasterBlacklist).Msg("master blacklist rebuilt")
	return n, nil
}
