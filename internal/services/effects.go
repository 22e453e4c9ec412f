package services

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-tab-ledger/internal/cache"
	"github.com/tbourn/go-tab-ledger/internal/notify"
)

// Effects carries the post-commit collaborators. Both are best-effort: a
// failure is logged and never reported to the caller.
type Effects struct {
	Notifier notify.Notifier
	Cache    cache.TabCache
}

func (e Effects) withDefaults() Effects {
	if e.Notifier == nil {
		e.Notifier = notify.Nop{}
	}
	if e.Cache == nil {
		e.Cache = cache.Nop{}
	}
	return e
}

// pending collects side effects while a transaction runs. It is reset at
// the start of every attempt and flushed only after commit.
type pending struct {
	notes []notify.Notification
	keys  []string
}

func (p *pending) reset() { p.notes, p.keys = nil, nil }

func (p *pending) invalidate(keys ...string) { p.keys = append(p.keys, keys...) }

func (p *pending) notify(n notify.Notification) { p.notes = append(p.notes, n) }

// flush runs the collected side effects.
func (e Effects) flush(ctx context.Context, p *pending) {
	e = e.withDefaults()
	if len(p.keys) > 0 {
		if err := e.Cache.Invalidate(ctx, dedupe(p.keys)...); err != nil {
			log.Warn().Err(err).Strs("keys", p.keys).Msg("cache invalidation failed")
		}
	}
	for _, n := range p.notes {
		if err := e.Notifier.Notify(ctx, n); err != nil {
			log.Warn().Err(err).Str("kind", n.Kind).Msg("notification failed")
		}
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
