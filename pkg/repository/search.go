package repository

import (
	"cmp"
	"sort"
	"strings"
)

// Match returns the plugins whose name, description, tags or author contain
// query (case-insensitive) and that pass every filter. An empty query
// matches everything.
func Match(all []Plugin, query string, f Filters) []Plugin {
	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]Plugin, 0, len(all))
	for i := range all {
		p := &all[i]
		if q != "" && !matchesQuery(p, q) {
			continue
		}
		if !f.allows(p) {
			continue
		}
		out = append(out, *p)
	}
	return out
}

func matchesQuery(p *Plugin, q string) bool {
	if strings.Contains(strings.ToLower(p.Name), q) ||
		strings.Contains(strings.ToLower(p.Description), q) ||
		strings.Contains(strings.ToLower(p.Author), q) {
		return true
	}
	for _, tag := range p.Tags {
		if strings.Contains(strings.ToLower(tag), q) {
			return true
		}
	}
	return false
}

func (f Filters) allows(p *Plugin) bool {
	if f.Category != "" && !strings.EqualFold(f.Category, p.Category) {
		return false
	}
	if f.Author != "" && !strings.EqualFold(f.Author, p.Author) {
		return false
	}
	if f.MinRating > 0 && p.Rating < f.MinRating {
		return false
	}
	for _, want := range f.Tags {
		if !hasTag(p.Tags, want) {
			return false
		}
	}
	if len(f.ReleaseStatus) > 0 {
		status := p.ReleaseStatus
		if status == "" {
			status = ReleaseStable
		}
		found := false
		for _, s := range f.ReleaseStatus {
			if s == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Verification) > 0 {
		v := p.Verification
		if v == "" {
			v = VerificationUnverified
		}
		found := false
		for _, s := range f.Verification {
			if s == v {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	switch f.Paid {
	case PaidOnly:
		return p.Paid
	case FreeOnly:
		return !p.Paid
	}
	return true
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, want) {
			return true
		}
	}
	return false
}

// NewPage sorts matches and cuts the requested page
func NewPage(matches []Plugin, f Filters) Page {
	sortPlugins(matches, f.SortBy, f.Descending)

	size := f.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	size = min(size, MaxPageSize)
	page := f.Page
	if page < 1 {
		page = 1
	}

	// Bound the page index before multiplying so huge pages cannot overflow
	start := min(page-1, len(matches)/size+1) * size
	start = min(start, len(matches))
	end := min(start+size, len(matches))

	items := make([]Plugin, end-start)
	copy(items, matches[start:end])
	return Page{
		Plugins:  items,
		Total:    len(matches),
		Page:     page,
		PageSize: size,
	}
}

// sortPlugins orders by field, breaking ties by id so pages are stable
func sortPlugins(ps []Plugin, by SortField, desc bool) {
	compare := func(a, b *Plugin) int {
		switch by {
		case SortDownloads:
			return cmp.Compare(a.Downloads, b.Downloads)
		case SortRating:
			return cmp.Compare(a.Rating, b.Rating)
		case SortUpdated:
			return a.UpdatedAt.Compare(b.UpdatedAt)
		case SortPublished:
			return a.PublishedAt.Compare(b.PublishedAt)
		default:
			return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
		}
	}

	sort.SliceStable(ps, func(i, j int) bool {
		c := compare(&ps[i], &ps[j])
		if c == 0 {
			return ps[i].ID < ps[j].ID
		}
		if desc {
			return c > 0
		}
		return c < 0
	})
}
