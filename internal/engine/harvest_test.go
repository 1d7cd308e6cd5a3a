package engine

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/harvest-cli/internal/config"
)

func testHarvester() *Harvester {
	return NewHarvester(config.HarvesterConfig{
		Selectors:        []string{"app-result-item", "div.result-item", "article"},
		LinkPathSegments: []string{"/content/", "/program/"},
	}, zap.NewNop())
}

func TestHarvest_ResolvesRelativeHrefs(t *testing.T) {
	page := newFakePage("https://example.com/search?q=news", 5000,
		[]string{"/content/1", "content/2", "https://other.example.org/content/3"},
	)

	got, err := testHarvester().Harvest(context.Background(), page)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://example.com/content/1",
		"https://example.com/content/2",
		"https://other.example.org/content/3",
	}, got)
}

func TestHarvest_PropagatesScriptFailure(t *testing.T) {
	page := newFakePage("https://example.com/search", 5000)
	page.harvestErr = errors.New("execution context destroyed")

	_, err := testHarvester().Harvest(context.Background(), page)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "harvest script failed")
}

func TestHarvest_RejectsUnparseablePageURL(t *testing.T) {
	page := newFakePage("ht tp://bad url", 5000)

	_, err := testHarvester().Harvest(context.Background(), page)
	require.Error(t, err)
}

const fixtureHTML = `
<html><body>
  <div class="result-item">
    <h3>First</h3>
    <a href="/about">About the author</a>
    <a href="/content/alpha">Watch</a>
  </div>
  <div class="result-item">
    <a href="/content/beta?t=0">Watch</a>
  </div>
  <div class="result-item">
    <a href="/privacy">No detail link here</a>
  </div>
  <article>
    <a href="/content/should-not-appear">Lower priority selector</a>
  </article>
</body></html>
`

func TestHarvestHTML_FirstMatchingSelectorWins(t *testing.T) {
	// div.result-item matches, so article elements are never consulted even
	// though they also carry detail links.
	got, err := testHarvester().HarvestHTML(strings.NewReader(fixtureHTML), "https://example.com/search")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://example.com/content/alpha",
		"https://example.com/content/beta?t=0",
	}, got)
}

func TestHarvestHTML_IsIdempotent(t *testing.T) {
	h := testHarvester()
	first, err := h.HarvestHTML(strings.NewReader(fixtureHTML), "https://example.com/search")
	require.NoError(t, err)
	second, err := h.HarvestHTML(strings.NewReader(fixtureHTML), "https://example.com/search")
	require.NoError(t, err)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("repeated harvest of an unchanged document diverged (-first +second):\n%s", diff)
	}
}

func TestHarvestHTML_FallsBackThroughSelectors(t *testing.T) {
	html := `<html><body>
      <article><a href="/program/show-1">Show</a></article>
      <article><a href="/program/show-2">Show</a></article>
    </body></html>`

	got, err := testHarvester().HarvestHTML(strings.NewReader(html), "https://example.com/browse")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://example.com/program/show-1",
		"https://example.com/program/show-2",
	}, got)
}

func TestHarvestHTML_SelfAnchorElements(t *testing.T) {
	// When the matched element is itself the anchor, it is its own detail
	// link.
	h := NewHarvester(config.HarvesterConfig{
		Selectors:        []string{"a.card"},
		LinkPathSegments: []string{"/content/"},
	}, zap.NewNop())

	html := `<html><body>
      <a class="card" href="/content/one">One</a>
      <a class="card" href="/elsewhere">Two</a>
    </body></html>`

	got, err := h.HarvestHTML(strings.NewReader(html), "https://example.com/")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/content/one"}, got)
}

func TestHarvestHTML_NoSelectorMatches(t *testing.T) {
	got, err := testHarvester().HarvestHTML(strings.NewReader("<html><body><p>empty</p></body></html>"), "https://example.com/")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestHarvestHTML_EmptySegmentsAcceptAnyHref(t *testing.T) {
	h := NewHarvester(config.HarvesterConfig{
		Selectors: []string{"li"},
	}, zap.NewNop())

	html := `<html><body><ul>
      <li><a href="/anything/goes">x</a></li>
    </ul></body></html>`

	got, err := h.HarvestHTML(strings.NewReader(html), "https://example.com/")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/anything/goes"}, got)
}

func TestNormalizeIdentifier(t *testing.T) {
	base, err := url.Parse("https://example.com/search/page")
	require.NoError(t, err)

	tests := []struct {
		name string
		href string
		want string
		ok   bool
	}{
		{"absolute URL passes through", "https://example.com/content/1", "https://example.com/content/1", true},
		{"root relative", "/content/2", "https://example.com/content/2", true},
		{"document relative", "sibling", "https://example.com/search/sibling", true},
		{"preserves query", "/content/3?t=42", "https://example.com/content/3?t=42", true},
		{"trims whitespace", "  /content/4  ", "https://example.com/content/4", true},
		{"empty href dropped", "", "", false},
		{"whitespace only dropped", "   ", "", false},
		{"schemeless host", "//cdn.example.com/content/5", "https://cdn.example.com/content/5", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := normalizeIdentifier(base, tc.href)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}
