package digest

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/mmcdole/gofeed"
)

// Source produces items for a digest. Fetch returns at most limit items,
// newest first when the source knows publication times.
type Source interface {
	Name() string
	Fetch(ctx context.Context, limit int) ([]Item, error)
}

type RSSSource struct {
	name   string
	url    string
	parser *gofeed.Parser
}

func NewRSSSource(name, url string, client *http.Client) *RSSSource {
	p := gofeed.NewParser()
	p.UserAgent = "remindflow/1.0"
	if client != nil {
		p.Client = client
	}
	return &RSSSource{name: name, url: url, parser: p}
}

func (s *RSSSource) Name() string { return s.name }

func (s *RSSSource) Fetch(ctx context.Context, limit int) ([]Item, error) {
	feed, err := s.parser.ParseURLWithContext(s.url, ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching feed %s: %w", s.url, err)
	}

	items := make([]Item, 0, len(feed.Items))
	for _, fi := range feed.Items {
		title := strings.TrimSpace(fi.Title)
		if title == "" {
			continue
		}
		it := Item{Title: title, URL: fi.Link, Source: s.name, Summary: summarize(fi.Description)}
		switch {
		case fi.PublishedParsed != nil:
			it.Published = *fi.PublishedParsed
		case fi.UpdatedParsed != nil:
			it.Published = *fi.UpdatedParsed
		}
		items = append(items, it)
		if limit > 0 && len(items) >= limit {
			break
		}
	}
	return items, nil
}

// summarize converts an HTML description into short markdown.
func summarize(html string) string {
	html = strings.TrimSpace(html)
	if html == "" {
		return ""
	}
	md, err := htmltomarkdown.ConvertString(html)
	if err != nil {
		md = html
	}
	md = strings.Join(strings.Fields(md), " ")
	if r := []rune(md); len(r) > 200 {
		md = string(r[:200]) + "…"
	}
	return md
}

// StaticSource serves a fixed list of items. It backs configured "static"
// sources and tests.
type StaticSource struct {
	SourceName string
	Items      []Item
	Err        error
	Delay      time.Duration
}

func (s *StaticSource) Name() string { return s.SourceName }

func (s *StaticSource) Fetch(ctx context.Context, limit int) ([]Item, error) {
	if s.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.Delay):
		}
	}
	if s.Err != nil {
		return nil, s.Err
	}
	out := make([]Item, 0, len(s.Items))
	for _, it := range s.Items {
		if it.Source == "" {
			it.Source = s.SourceName
		}
		out = append(out, it)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
