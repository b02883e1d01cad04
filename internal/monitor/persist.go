package monitor

import (
	"context"
	"errors"

	"reviewwatch/internal/review"
	"reviewwatch/internal/storage"
	"reviewwatch/pkg/logx"
)

func (r *Registry) recordLocked(t *task) storage.TaskRecord {
	rec := storage.TaskRecord{
		APIURL:        t.apiURL,
		TaskID:        t.taskID,
		PageURL:       t.pageURL,
		Email:         t.email,
		IntervalSec:   t.interval,
		Title:         t.title,
		StartedAt:     t.startTime,
		LastUpdated:   t.lastUpdated,
		Notifications: r.counts[t.apiURL],
	}
	if t.paper != nil {
		if b, err := review.Encode(*t.paper); err == nil {
			rec.LastPayload = b
		}
	}
	return rec
}

func (r *Registry) putDurable(ctx context.Context, rec storage.TaskRecord) {
	if r.store == nil {
		return
	}
	if err := r.store.PutTask(ctx, rec); err != nil {
		r.log.Warn("persist task failed", logx.String("api_url", rec.APIURL), logx.Err(err))
	}
}

// Persist writes the current table as the durable snapshot.
func (r *Registry) Persist(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	r.mu.Lock()
	recs := make([]storage.TaskRecord, 0, len(r.tasks))
	for _, t := range r.tasks {
		recs = append(recs, r.recordLocked(t))
	}
	r.mu.Unlock()

	if err := r.store.ReplaceTasks(ctx, recs); err != nil {
		return err
	}
	r.log.Debug("tasks persisted", logx.Int("count", len(recs)))
	return nil
}

// Reload repopulates the table from storage. Tasks already in memory win.
func (r *Registry) Reload(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	recs, err := r.store.LoadTasks(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	loaded := 0
	for _, rec := range recs {
		if _, exists := r.tasks[rec.APIURL]; exists {
			continue
		}
		t := &task{
			apiURL:      rec.APIURL,
			taskID:      rec.TaskID,
			pageURL:     rec.PageURL,
			email:       rec.Email,
			interval:    rec.IntervalSec,
			title:       rec.Title,
			startTime:   rec.StartedAt,
			lastUpdated: rec.LastUpdated,
			seeded:      rec.LastUpdated != 0,
		}
		if len(rec.LastPayload) > 0 {
			p, err := review.Decode(rec.LastPayload)
			if err == nil || errors.Is(err, review.ErrSchemaMismatch) {
				t.paper = &p
				t.seeded = true
			}
		}
		r.tasks[rec.APIURL] = t
		if rec.Notifications > r.counts[rec.APIURL] {
			r.counts[rec.APIURL] = rec.Notifications
		}
		loaded++
	}
	r.log.Info("tasks reloaded", logx.Int("count", loaded))
	return nil
}
