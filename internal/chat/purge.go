package chat

import (
	"context"
	"log/slog"

	"github.com/ghostchat-app/ghostchat/internal/store"
)

// purgeFetchLimit bounds how many records the best-effort remote wipe
// captures in its single batched delete.
const purgeFetchLimit = 100

// Purger is the panic wipe. It has no state of its own; every
// invocation runs a full cycle: tear down the subscription, clear the
// local view synchronously, best-effort delete the remote log, then
// force a session reset regardless of how the deletion went.
type Purger struct {
	store  store.RoomStore
	logger *slog.Logger

	// reset forces the full session reset (equivalent to a fresh
	// reload). Invoked unconditionally at the end of every purge.
	reset func()
}

// NewPurger creates a purge controller over the given room store.
func NewPurger(st store.RoomStore, logger *slog.Logger, reset func()) *Purger {
	if logger == nil {
		logger = slog.Default()
	}

	return &Purger{store: st, logger: logger, reset: reset}
}

// Purge wipes the room. The local clear happens synchronously before
// any network call, so the perceived wipe is instant regardless of
// network state. Remote deletion failures are logged, never retried,
// never surfaced.
func (p *Purger) Purge(ctx context.Context, engine *Engine) {
	engine.Close()

	p.logger.Info("panic purge: local state cleared")

	recs, err := p.store.FetchUpTo(ctx, purgeFetchLimit)
	if err != nil {
		p.logger.Warn("panic purge: remote fetch failed", slog.String("error", err.Error()))
	} else if len(recs) > 0 {
		ids := make([]string, 0, len(recs))
		for _, rec := range recs {
			ids = append(ids, rec.ID)
		}

		if err := p.store.BatchDelete(ctx, ids); err != nil {
			p.logger.Warn("panic purge: remote delete failed", slog.String("error", err.Error()))
		} else {
			p.logger.Info("panic purge: remote records deleted", slog.Int("count", len(ids)))
		}
	}

	if p.reset != nil {
		p.reset()
	}
}
