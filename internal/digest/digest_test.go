package digest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"remindflow/internal/domain"
	"remindflow/internal/store"
)

var genAt = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

func testSeen(t *testing.T) *store.SeenStore {
	t.Helper()
	db, err := store.Open(store.Options{Path: filepath.Join(t.TempDir(), "seen.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store.NewSeenStore(db)
}

func items(source string, titles ...string) []Item {
	out := make([]Item, len(titles))
	for i, title := range titles {
		out[i] = Item{Title: title, URL: "https://example.com/" + fmt.Sprint(i), Source: source}
	}
	return out
}

func testProducer(t *testing.T, sources []Source, opts Options) *Producer {
	t.Helper()
	opts.Location = time.UTC
	p, err := NewProducer(sources, testSeen(t), opts)
	require.NoError(t, err)
	p.now = func() time.Time { return genAt }
	return p
}

func TestDigestFormatting(t *testing.T) {
	d := &Digest{
		Name:        "Morning news",
		GeneratedAt: genAt,
		Items: []Item{
			{Title: "Go 1.26 released", URL: "https://go.dev/blog", Source: "golang"},
			{Title: "SQLite tips", URL: "https://sqlite.org", Source: "db"},
			{Title: "Generics [deep dive]", URL: "https://go.dev/g", Source: "golang"},
		},
		Failed: []SourceFailure{{Source: "hn", Err: errors.New("timeout")}},
	}

	require.Equal(t, "Morning news - 2026-03-10", d.Title(genAt))

	plain := d.Plain()
	require.True(t, strings.HasPrefix(plain, "Morning news - 2026-03-10 08:00\n"+strings.Repeat("=", 40)))
	require.Contains(t, plain, "[golang]\n  1. Go 1.26 released\n     https://go.dev/blog\n  2. Generics [deep dive]")
	require.Contains(t, plain, "[db]\n  1. SQLite tips")
	require.Less(t, strings.Index(plain, "[golang]"), strings.Index(plain, "[db]"))
	require.Contains(t, plain, "3 new items")
	require.Contains(t, plain, "Unavailable sources: hn")

	md := d.Markdown()
	require.Contains(t, md, "## Morning news - 2026-03-10 08:00")
	require.Contains(t, md, "### golang\n> 1. [Go 1.26 released](https://go.dev/blog)")
	require.Contains(t, md, `[Generics \[deep dive\]](https://go.dev/g)`)
	require.Contains(t, md, "**3** new items")
}

func TestDigestEmpty(t *testing.T) {
	d := &Digest{Name: "News digest", GeneratedAt: genAt}
	require.Contains(t, d.Plain(), emptyText)
	require.Contains(t, d.Markdown(), emptyText)
	require.NotContains(t, d.Plain(), "new items\n")
}

func TestSelectSources(t *testing.T) {
	sources := []Source{
		&StaticSource{SourceName: "tech-hn"},
		&StaticSource{SourceName: "tech-lobsters"},
		&StaticSource{SourceName: "finance"},
	}

	tests := []struct {
		name     string
		patterns []string
		want     []string
	}{
		{"all", nil, []string{"tech-hn", "tech-lobsters", "finance"}},
		{"prefix", []string{"tech-*"}, []string{"tech-hn", "tech-lobsters"}},
		{"exact", []string{"finance"}, []string{"finance"}},
		{"alternatives", []string{"{finance,tech-hn}"}, []string{"tech-hn", "finance"}},
		{"none", []string{"sports"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectSources(sources, tt.patterns)
			require.NoError(t, err)
			var names []string
			for _, s := range got {
				names = append(names, s.Name())
			}
			require.Equal(t, tt.want, names)
		})
	}

	_, err := SelectSources(sources, []string{"tech-["})
	require.ErrorIs(t, err, domain.ErrInvalidExpression)
}

func TestFilters(t *testing.T) {
	f, err := NewFilters()
	require.NoError(t, err)

	it := Item{Title: "Go 1.26 released", Source: "golang", Published: genAt.Add(-2 * time.Hour)}

	tests := []struct {
		expr string
		want bool
	}{
		{`item.title.contains("Go")`, true},
		{`item.source == "db"`, false},
		{`item.age_hours < 24.0`, true},
		{`item.age_hours > 24.0`, false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			prg, err := f.Compile(tt.expr)
			require.NoError(t, err)
			got, err := f.Match(prg, it, genAt)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}

	_, err = f.Compile(`item.title ==`)
	require.ErrorIs(t, err, domain.ErrInvalidExpression)
	_, err = f.Compile(`1 + 2`)
	require.ErrorIs(t, err, domain.ErrInvalidExpression)
}

func TestBuildDedupAndLimits(t *testing.T) {
	ctx := context.Background()
	a := &StaticSource{SourceName: "a", Items: items("a", "a1", "a2", "a3", "a4")}
	b := &StaticSource{SourceName: "b", Items: items("b", "b1", "a1", "b2")}
	p := testProducer(t, []Source{a, b}, Options{MaxPerSource: 3, MaxTotal: 5})

	d, err := p.Build(ctx, domain.DigestSpec{})
	require.NoError(t, err)
	var titles []string
	for _, it := range d.Items {
		titles = append(titles, it.Title)
	}
	require.Equal(t, []string{"a1", "a2", "a3", "b1", "b2"}, titles)

	// Everything delivered so far is remembered.
	d, err = p.Build(ctx, domain.DigestSpec{})
	require.NoError(t, err)
	require.Len(t, d.Items, 1)
	require.Equal(t, "a4", d.Items[0].Title)
}

func TestPreviewDoesNotMark(t *testing.T) {
	ctx := context.Background()
	src := &StaticSource{SourceName: "a", Items: items("a", "one", "two")}
	p := testProducer(t, []Source{src}, Options{})

	d, err := p.Preview(ctx, domain.DigestSpec{})
	require.NoError(t, err)
	require.Len(t, d.Items, 2)

	d, err = p.Build(ctx, domain.DigestSpec{})
	require.NoError(t, err)
	require.Len(t, d.Items, 2)

	d, err = p.Preview(ctx, domain.DigestSpec{})
	require.NoError(t, err)
	require.Empty(t, d.Items)
}

func TestBuildPartialAndTotalFailure(t *testing.T) {
	ctx := context.Background()
	ok := &StaticSource{SourceName: "ok", Items: items("ok", "fine")}
	broken := &StaticSource{SourceName: "broken", Err: errors.New("connection refused")}
	slow := &StaticSource{SourceName: "slow", Items: items("slow", "late"), Delay: time.Second}

	p := testProducer(t, []Source{ok, broken, slow}, Options{FetchTimeout: 50 * time.Millisecond})
	d, err := p.Build(ctx, domain.DigestSpec{})
	require.NoError(t, err)
	require.Len(t, d.Items, 1)
	require.Len(t, d.Failed, 2)
	for _, f := range d.Failed {
		require.ErrorIs(t, f.Err, domain.ErrFetchFailed)
	}
	require.Contains(t, d.Plain(), "Unavailable sources: broken, slow")

	_, err = p.Build(ctx, domain.DigestSpec{Sources: []string{"broken"}})
	require.ErrorIs(t, err, domain.ErrFetchFailed)
}

func TestBuildValidation(t *testing.T) {
	p := testProducer(t, []Source{&StaticSource{SourceName: "a"}}, Options{})

	err := p.Validate(domain.DigestSpec{Sources: []string{"missing"}})
	require.ErrorIs(t, err, domain.ErrInvalidPayload)

	err = p.Validate(domain.DigestSpec{Filter: "item.title =="})
	require.ErrorIs(t, err, domain.ErrInvalidExpression)

	require.NoError(t, p.Validate(domain.DigestSpec{Filter: `item.title != ""`}))
}

func TestBuildWithFilter(t *testing.T) {
	src := &StaticSource{SourceName: "a", Items: items("a", "Go news", "Rust news", "Go tips")}
	p := testProducer(t, []Source{src}, Options{})

	d, err := p.Build(context.Background(), domain.DigestSpec{Filter: `item.title.startsWith("Go")`})
	require.NoError(t, err)
	require.Len(t, d.Items, 2)

	// Filtered out items are not marked and show up later.
	d, err = p.Build(context.Background(), domain.DigestSpec{})
	require.NoError(t, err)
	require.Len(t, d.Items, 1)
	require.Equal(t, "Rust news", d.Items[0].Title)
}

const feedXML = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Example</title>
  <item>
    <title>First post</title>
    <link>https://example.com/1</link>
    <description>&lt;p&gt;Hello &lt;b&gt;world&lt;/b&gt;&lt;/p&gt;</description>
    <pubDate>Tue, 10 Mar 2026 07:00:00 GMT</pubDate>
  </item>
  <item>
    <title>  </title>
    <link>https://example.com/blank</link>
  </item>
  <item>
    <title>Second post</title>
    <link>https://example.com/2</link>
  </item>
</channel>
</rss>`

func TestRSSSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, feedXML)
	}))
	defer srv.Close()

	src := NewRSSSource("example", srv.URL, srv.Client())
	got, err := src.Fetch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "First post", got[0].Title)
	require.Equal(t, "example", got[0].Source)
	require.Equal(t, "Hello **world**", got[0].Summary)
	require.True(t, got[0].Published.Equal(time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC)))

	got, err = src.Fetch(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestRSSSourceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	_, err := NewRSSSource("example", srv.URL, srv.Client()).Fetch(context.Background(), 10)
	require.Error(t, err)
}
