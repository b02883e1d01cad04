package monitor

import (
	"sort"
	"time"
)

// Stats summarizes the table without touching the network.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Stats{Total: len(r.tasks), ByJournal: map[string]int{}}
	for _, t := range r.tasks {
		st.ByJournal[t.journal()]++

		ref := &TaskRef{URL: t.apiURL, Title: t.displayTitle(), StartTime: t.startTime}
		if st.OldestTask == nil || earlier(ref, st.OldestTask) {
			st.OldestTask = ref
		}
		if st.NewestTask == nil || earlier(st.NewestTask, ref) {
			st.NewestTask = ref
		}
	}
	return st
}

// earlier orders by start time, then URL so results do not depend on map
// iteration.
func earlier(a, b *TaskRef) bool {
	if !a.StartTime.Equal(b.StartTime) {
		return a.StartTime.Before(b.StartTime)
	}
	return a.URL < b.URL
}

// History flattens the review events of every task's last known payload,
// oldest first.
func (r *Registry) History() []HistoryEntry {
	r.mu.Lock()
	out := []HistoryEntry{}
	for _, t := range r.tasks {
		if t.paper == nil {
			continue
		}
		for _, ev := range t.paper.ReviewEvents.Items {
			out = append(out, HistoryEntry{
				Date:       time.Unix(ev.Date, 0).UTC(),
				Type:       ev.Event,
				ReviewerID: string(ev.ID),
				PaperTitle: t.paper.ManuscriptTitle,
				Journal:    t.paper.JournalName,
			})
		}
	}
	r.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		if out[i].PaperTitle != out[j].PaperTitle {
			return out[i].PaperTitle < out[j].PaperTitle
		}
		return out[i].ReviewerID < out[j].ReviewerID
	})
	return out
}
