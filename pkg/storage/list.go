package storage

import (
	"sort"
	"time"
)

// rowMeta is the per-row projection the list machinery filters and
// sorts on, so every entity shares one code path.
type rowMeta struct {
	id        string
	name      string
	project   string
	createdAt time.Time
	deletedAt time.Time
	fields    map[string]string
}

// applyListOptions filters, sorts and paginates rows in memory. The
// tables here are small (one engine's worth of state), so scanning is
// cheaper than maintaining index buckets.
func applyListOptions[T any](opts ListOptions, rows []T, meta func(T) rowMeta) []T {
	type entry struct {
		row T
		m   rowMeta
	}

	entries := make([]entry, 0, len(rows))
	for _, r := range rows {
		m := meta(r)
		if !opts.ShowDeleted && !m.deletedAt.IsZero() {
			continue
		}
		if opts.Project != "" && m.project != opts.Project {
			continue
		}
		if !matchFilters(m.fields, opts.Filters) {
			continue
		}
		entries = append(entries, entry{row: r, m: m})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].m, entries[j].m
		var less bool
		switch opts.SortKey {
		case "name":
			if a.name != b.name {
				less = a.name < b.name
			} else {
				less = a.id < b.id
			}
		default: // created_at
			if !a.createdAt.Equal(b.createdAt) {
				less = a.createdAt.Before(b.createdAt)
			} else {
				less = a.id < b.id
			}
		}
		if opts.SortDesc {
			return !less
		}
		return less
	})

	// Marker pagination: skip everything up to and including the marker.
	if opts.Marker != "" {
		start := 0
		for i, e := range entries {
			if e.m.id == opts.Marker {
				start = i + 1
				break
			}
		}
		entries = entries[start:]
	}

	if opts.Limit > 0 && len(entries) > opts.Limit {
		entries = entries[:opts.Limit]
	}

	out := make([]T, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.row)
	}
	return out
}

func matchFilters(fields, filters map[string]string) bool {
	for k, want := range filters {
		if fields[k] != want {
			return false
		}
	}
	return true
}
