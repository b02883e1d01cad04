package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/pool"

	"reviewwatch/internal/correlate"
	"reviewwatch/internal/eventbus"
	"reviewwatch/internal/review"
	"reviewwatch/pkg/logx"
)

// SyncReport summarizes one sweep.
type SyncReport struct {
	Checked   int
	Updated   int
	Skipped   int
	Failed    int
	Discarded int
}

type syncOutcome int

const (
	syncUnchanged syncOutcome = iota
	syncUpdated
	syncSkipped
	syncFailed
	syncDiscarded
)

// Sync fetches every task tracked when the sweep starts. A task whose
// LastUpdated moved, or that was never observed, gets its notification count
// bumped and an update sent. One failing task never stops the sweep.
func (r *Registry) Sync(ctx context.Context) SyncReport {
	keys := r.keys()
	outcomes := make([]syncOutcome, len(keys))

	p := pool.New().WithMaxGoroutines(r.conc).WithContext(ctx)
	for i, u := range keys {
		i, u := i, u
		p.Go(func(ctx context.Context) error {
			outcomes[i] = r.syncOne(ctx, u)
			return nil
		})
	}
	_ = p.Wait()

	rep := SyncReport{Checked: len(keys)}
	for _, o := range outcomes {
		switch o {
		case syncUpdated:
			rep.Updated++
		case syncSkipped:
			rep.Skipped++
		case syncFailed:
			rep.Failed++
		case syncDiscarded:
			rep.Discarded++
		}
	}
	r.log.Debug("sync sweep done",
		logx.Int("checked", rep.Checked), logx.Int("updated", rep.Updated),
		logx.Int("failed", rep.Failed), logx.Int("discarded", rep.Discarded))
	return rep
}

func (r *Registry) syncOne(ctx context.Context, apiURL string) (out syncOutcome) {
	log := r.log.With(logx.String("api_url", apiURL))
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("sync panicked", logx.Any("panic", rec))
			out = syncFailed
		}
	}()

	body, status, err := correlate.Fetch(ctx, r.http, apiURL)
	if err != nil {
		log.Warn("sync fetch failed", logx.Err(err))
		return syncFailed
	}
	if status/100 != 2 {
		log.Debug("sync skipped non-2xx", logx.Int("status", status))
		return syncSkipped
	}
	paper, err := review.Decode(body)
	if err != nil {
		if errors.Is(err, review.ErrSchemaMismatch) {
			r.bus.Publish(eventbus.Event{Type: eventbus.TypeSchemaMismatch, Time: time.Now(), Data: apiURL})
			log.Debug("sync payload dropped", logx.Err(err))
			return syncSkipped
		}
		log.Warn("sync decode failed", logx.Err(err))
		return syncFailed
	}

	r.mu.Lock()
	t, ok := r.tasks[apiURL]
	if !ok {
		r.mu.Unlock()
		log.Debug("task removed during sync; result discarded")
		return syncDiscarded
	}
	t.paper = &paper
	// A task never observed has no marker yet, so its first sync counts as
	// an update. Reloaded tasks carry their marker over.
	if t.seeded && t.lastUpdated == paper.LastUpdated {
		r.mu.Unlock()
		return syncUnchanged
	}
	t.seeded, t.lastUpdated = true, paper.LastUpdated
	r.counts[apiURL]++
	u := Update{
		APIURL:      apiURL,
		PageURL:     t.pageURL,
		Title:       t.displayTitle(),
		Journal:     paper.JournalName,
		LastUpdated: paper.LastUpdated,
		Count:       r.counts[apiURL],
	}
	r.mu.Unlock()

	log.Info("manuscript updated", logx.Int("count", u.Count), logx.Int64("last_updated", u.LastUpdated))
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeManuscriptMoved, Time: time.Now(), Data: u})
	if r.updates != nil {
		r.updates.ManuscriptUpdated(ctx, u)
	}
	return syncUpdated
}

// SyncJob adapts Sync to the scheduler's job signature.
func (r *Registry) SyncJob(ctx context.Context) error {
	rep := r.Sync(ctx)
	if rep.Checked > 0 && rep.Failed == rep.Checked {
		return fmt.Errorf("sync: all %d tasks failed", rep.Failed)
	}
	return nil
}
