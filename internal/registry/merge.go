package registry

import "sort"

// Supersedes reports whether next should replace cur for the same id.
// A terminal status is never undone by an active copy; otherwise the later
// write wins.
func Supersedes(cur, next Record) bool {
	switch {
	case cur.Status.Terminal() && next.Status.Active():
		return false
	case cur.Status.Active() && next.Status.Terminal():
		return true
	}
	return next.UpdatedAt.After(cur.UpdatedAt)
}

// Merge applies put and deleted to stored and returns the result newest
// first. A put that would change the status of a stored terminal record is
// dropped.
func Merge(stored, put []Record, deleted []string) []Record {
	byID := make(map[string]Record, len(stored)+len(put))
	for _, rec := range stored {
		if rec.ID != "" {
			byID[rec.ID] = rec
		}
	}
	for _, rec := range put {
		if rec.ID == "" {
			continue
		}
		if cur, ok := byID[rec.ID]; ok && cur.Status.Terminal() && rec.Status != cur.Status {
			continue
		}
		byID[rec.ID] = rec
	}
	for _, id := range deleted {
		delete(byID, id)
	}

	out := make([]Record, 0, len(byID))
	for _, rec := range byID {
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
