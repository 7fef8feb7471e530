package repository

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/berth/pkg/plugins"
)

func catalog() []Plugin {
	return []Plugin{
		{
			ID: "formatter", Name: "Formatter", Description: "Formats source code",
			Author: "Acme", Tags: []string{"code", "style"}, Category: "editing",
			Rating: 4.5, Downloads: 1000, ReleaseStatus: ReleaseStable,
			Verification: VerificationOfficial, PublishedAt: day(1), UpdatedAt: day(20),
		},
		{
			ID: "linter", Name: "linter", Description: "Finds problems",
			Author: "acme", Tags: []string{"code", "quality"}, Category: "analysis",
			Rating: 3.9, Downloads: 5000, ReleaseStatus: ReleaseBeta,
			Verification: VerificationVerified, PublishedAt: day(2), UpdatedAt: day(10),
		},
		{
			ID: "themes", Name: "Themes Pack", Description: "Colour themes",
			Author: "Studio", Tags: []string{"ui"}, Category: "appearance",
			Rating: 4.9, Downloads: 200, Paid: true, Price: 4.99,
			PublishedAt: day(3), UpdatedAt: day(5),
		},
		{
			ID: "old", Name: "Old Tool", Description: "Superseded by formatter",
			Author: "Acme", Category: "editing", Rating: 2.0, Downloads: 50,
			ReleaseStatus: ReleaseDeprecated, PublishedAt: day(4), UpdatedAt: day(4),
		},
	}
}

func ids(ps []Plugin) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.ID)
	}
	return out
}

func TestMatch_Query(t *testing.T) {
	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{"formatter", "linter", "themes", "old"}},
		{"FORMAT", []string{"formatter", "old"}},
		{"quality", []string{"linter"}},
		{"studio", []string{"themes"}},
		{"  colour ", []string{"themes"}},
		{"nothing", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(Match(catalog(), tt.query, Filters{})))
		})
	}
}

func TestMatch_Filters(t *testing.T) {
	tests := []struct {
		name    string
		filters Filters
		want    []string
	}{
		{"category", Filters{Category: "Editing"}, []string{"formatter", "old"}},
		{"all tags required", Filters{Tags: []string{"code", "style"}}, []string{"formatter"}},
		{"author case-insensitive", Filters{Author: "ACME"}, []string{"formatter", "linter", "old"}},
		{"min rating", Filters{MinRating: 4.5}, []string{"formatter", "themes"}},
		{"release status set", Filters{ReleaseStatus: []ReleaseStatus{ReleaseStable}}, []string{"formatter", "themes"}},
		{"verification set", Filters{Verification: []Verification{VerificationVerified, VerificationOfficial}}, []string{"formatter", "linter"}},
		{"unverified default", Filters{Verification: []Verification{VerificationUnverified}}, []string{"themes", "old"}},
		{"paid", Filters{Paid: PaidOnly}, []string{"themes"}},
		{"free", Filters{Paid: FreeOnly}, []string{"formatter", "linter", "old"}},
		{"combined", Filters{Author: "acme", MinRating: 3, Tags: []string{"code"}}, []string{"formatter", "linter"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(Match(catalog(), "", tt.filters)))
		})
	}
}

func TestNewPage_Sort(t *testing.T) {
	tests := []struct {
		name string
		by   SortField
		desc bool
		want []string
	}{
		{"name default", "", false, []string{"formatter", "linter", "old", "themes"}},
		{"name descending", SortName, true, []string{"themes", "old", "linter", "formatter"}},
		{"downloads", SortDownloads, true, []string{"linter", "formatter", "themes", "old"}},
		{"rating", SortRating, false, []string{"old", "linter", "formatter", "themes"}},
		{"updated", SortUpdated, true, []string{"formatter", "linter", "themes", "old"}},
		{"published", SortPublished, false, []string{"formatter", "linter", "themes", "old"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := NewPage(catalog(), Filters{SortBy: tt.by, Descending: tt.desc})
			assert.Equal(t, tt.want, ids(page.Plugins))
		})
	}
}

func TestNewPage_Pagination(t *testing.T) {
	page := NewPage(catalog(), Filters{Page: 2, PageSize: 3})
	assert.Equal(t, 4, page.Total)
	assert.Equal(t, 2, page.Page)
	assert.Equal(t, 3, page.PageSize)
	assert.Equal(t, []string{"themes"}, ids(page.Plugins))

	page = NewPage(catalog(), Filters{Page: 5, PageSize: 3})
	assert.Equal(t, 4, page.Total)
	require.NotNil(t, page.Plugins)
	assert.Empty(t, page.Plugins)

	page = NewPage(catalog(), Filters{Page: -1})
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, DefaultPageSize, page.PageSize)
	assert.Len(t, page.Plugins, 4)
}

func TestNewPage_HugeValues(t *testing.T) {
	page := NewPage(catalog(), Filters{Page: 2, PageSize: math.MaxInt})
	assert.Equal(t, MaxPageSize, page.PageSize)
	assert.Equal(t, 4, page.Total)
	assert.Empty(t, page.Plugins)

	page = NewPage(catalog(), Filters{Page: math.MaxInt, PageSize: 20})
	assert.Equal(t, 4, page.Total)
	require.NotNil(t, page.Plugins)
	assert.Empty(t, page.Plugins)

	page = NewPage(catalog(), Filters{Page: math.MaxInt, PageSize: math.MaxInt})
	assert.Empty(t, page.Plugins)
}

func TestFilters_Validate(t *testing.T) {
	assert.NoError(t, Filters{}.Validate())
	assert.NoError(t, Filters{Page: math.MaxInt, PageSize: MaxPageSize}.Validate())

	err := Filters{PageSize: math.MaxInt}.Validate()
	require.Error(t, err)
	assert.True(t, plugins.IsValidationFailure(err))
}

func TestRepository_Search(t *testing.T) {
	src := &stubSource{data: manifestJSON(t, catalog()...)}
	repo := New(Descriptor{ID: "main"}, src, Options{}, quietLogger())
	require.NoError(t, repo.Sync(t.Context(), false))

	page := repo.Search("acme", Filters{SortBy: SortDownloads, Descending: true, PageSize: 2})
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, []string{"linter", "formatter"}, ids(page.Plugins))
}
