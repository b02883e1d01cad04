package review

import "sort"

// Aggregate groups events by reviewer and derives each reviewer's state.
//
// Within one reviewer a later event of the same kind overwrites an earlier
// one, in input order. Unknown kinds are skipped and do not create a reviewer.
// The result is ordered Completed, then In Review, then Not accepted; ties
// go to the most recent lastUpdateAt, then to first-seen order.
func Aggregate(events []ReviewEvent) []ReviewerState {
	if len(events) == 0 {
		return []ReviewerState{}
	}

	index := make(map[string]int, len(events))
	states := make([]ReviewerState, 0, len(events))
	for _, ev := range events {
		if !ev.Kind.Known() {
			continue
		}
		i, ok := index[ev.ReviewerID]
		if !ok {
			i = len(states)
			index[ev.ReviewerID] = i
			states = append(states, ReviewerState{ReviewerID: ev.ReviewerID})
		}
		st := &states[i]
		switch ev.Kind {
		case KindInvited:
			st.InvitedAt = ev.Timestamp
		case KindAccepted:
			st.AcceptedAt = ev.Timestamp
		case KindCompleted:
			st.CompletedAt = ev.Timestamp
		}
	}

	for i := range states {
		finalize(&states[i])
	}

	sort.SliceStable(states, func(i, j int) bool {
		a, b := states[i], states[j]
		if a.Status != b.Status {
			return a.Status.rank() > b.Status.rank()
		}
		return a.LastUpdateAt > b.LastUpdateAt
	})
	return states
}

func finalize(st *ReviewerState) {
	st.LastUpdateAt = max(st.InvitedAt, st.AcceptedAt, st.CompletedAt)
	st.Status = StatusOf(st.AcceptedAt, st.CompletedAt)
	if d, ok := DaysBetween(st.InvitedAt, st.AcceptedAt); ok {
		st.ResponseTime = &d
	}
	if d, ok := DaysBetween(st.AcceptedAt, st.CompletedAt); ok {
		st.ReviewTime = &d
	}
}

// StatusOf is the pure status rule: completion wins, then acceptance.
func StatusOf(acceptedAt, completedAt int64) Status {
	switch {
	case completedAt != 0:
		return StatusCompleted
	case acceptedAt != 0:
		return StatusInReview
	default:
		return StatusNotAccepted
	}
}

// Summarize counts completed reviewers, reviewers that accepted, and all
// reviewers.
func Summarize(states []ReviewerState) Summary {
	s := Summary{Invited: len(states)}
	for _, st := range states {
		if st.Status == StatusCompleted {
			s.Completed++
		}
		if st.AcceptedAt != 0 {
			s.Accepted++
		}
	}
	return s
}
