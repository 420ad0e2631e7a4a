package digest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/rs/zerolog/log"

	"remindflow/internal/domain"
	"remindflow/internal/metrics"
)

// SeenStore persists which items were already delivered.
type SeenStore interface {
	MarkSeen(ctx context.Context, hash, title, source string, at time.Time) (bool, error)
	Seen(ctx context.Context, hash string) (bool, error)
	PruneSeen(ctx context.Context, cutoff time.Time) (int, error)
}

type Options struct {
	Name         string
	MaxPerSource int
	MaxTotal     int
	FetchTimeout time.Duration
	Retention    time.Duration
	Location     *time.Location
}

func (o *Options) setDefaults() {
	if o.Name == "" {
		o.Name = "News digest"
	}
	if o.MaxPerSource <= 0 {
		o.MaxPerSource = 10
	}
	if o.MaxTotal <= 0 {
		o.MaxTotal = 30
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 15 * time.Second
	}
	if o.Retention <= 0 {
		o.Retention = 7 * 24 * time.Hour
	}
	if o.Location == nil {
		o.Location = time.Local
	}
}

type Producer struct {
	sources []Source
	seen    SeenStore
	filters *Filters
	opts    Options
	now     func() time.Time
}

func NewProducer(sources []Source, seen SeenStore, opts Options) (*Producer, error) {
	opts.setDefaults()
	filters, err := NewFilters()
	if err != nil {
		return nil, err
	}
	return &Producer{sources: sources, seen: seen, filters: filters, opts: opts, now: time.Now}, nil
}

// Sources lists the configured source names.
func (p *Producer) Sources() []string {
	names := make([]string, len(p.sources))
	for i, s := range p.sources {
		names[i] = s.Name()
	}
	return names
}

// Validate checks a digest spec without fetching anything.
func (p *Producer) Validate(spec domain.DigestSpec) error {
	selected, err := SelectSources(p.sources, spec.Sources)
	if err != nil {
		return err
	}
	if len(selected) == 0 {
		return domain.Errorf(domain.ErrInvalidPayload, "no digest source matches %v", spec.Sources)
	}
	if strings.TrimSpace(spec.Filter) != "" {
		if _, err := p.filters.Compile(spec.Filter); err != nil {
			return err
		}
	}
	return nil
}

// Build assembles a digest and marks its items as delivered.
func (p *Producer) Build(ctx context.Context, spec domain.DigestSpec) (*Digest, error) {
	return p.build(ctx, spec, true)
}

// Preview assembles a digest without recording anything.
func (p *Producer) Preview(ctx context.Context, spec domain.DigestSpec) (*Digest, error) {
	return p.build(ctx, spec, false)
}

type fetchResult struct {
	items []Item
	err   error
}

func (p *Producer) build(ctx context.Context, spec domain.DigestSpec, mark bool) (*Digest, error) {
	if err := p.Validate(spec); err != nil {
		return nil, err
	}
	selected, _ := SelectSources(p.sources, spec.Sources)
	var prg cel.Program
	if strings.TrimSpace(spec.Filter) != "" {
		prg, _ = p.filters.Compile(spec.Filter)
	}

	now := p.now()
	if mark && p.seen != nil {
		if n, err := p.seen.PruneSeen(ctx, now.Add(-p.opts.Retention)); err != nil {
			log.Warn().Err(err).Msg("failed to prune seen digest items")
		} else if n > 0 {
			log.Debug().Int("pruned", n).Msg("pruned seen digest items")
		}
	}

	results := p.fetchAll(ctx, selected)

	d := &Digest{Name: p.opts.Name, GeneratedAt: now.In(p.opts.Location)}
	batch := make(map[string]bool)
	for i, src := range selected {
		res := results[i]
		if res.err != nil {
			metrics.RecordSourceFailure(src.Name())
			log.Warn().Err(res.err).Str("source", src.Name()).Msg("digest source failed")
			d.Failed = append(d.Failed, SourceFailure{
				Source: src.Name(),
				Err:    fmt.Errorf("%w: %s: %v", domain.ErrFetchFailed, src.Name(), res.err),
			})
			continue
		}

		taken := 0
		for _, it := range res.items {
			if taken >= p.opts.MaxPerSource || len(d.Items) >= p.opts.MaxTotal {
				break
			}
			if it.Source == "" {
				it.Source = src.Name()
			}
			hash := HashTitle(it.Title)
			if batch[hash] {
				continue
			}
			if prg != nil {
				ok, err := p.filters.Match(prg, it, now)
				if err != nil {
					log.Debug().Err(err).Str("title", it.Title).Msg("filter evaluation failed")
					continue
				}
				if !ok {
					continue
				}
			}
			fresh, err := p.fresh(ctx, it, hash, now, mark)
			if err != nil {
				return nil, err
			}
			if !fresh {
				continue
			}
			batch[hash] = true
			d.Items = append(d.Items, it)
			taken++
		}
	}

	if len(selected) > 0 && len(d.Failed) == len(selected) {
		return nil, fmt.Errorf("%w: all %d digest sources failed", domain.ErrFetchFailed, len(selected))
	}
	return d, nil
}

func (p *Producer) fresh(ctx context.Context, it Item, hash string, now time.Time, mark bool) (bool, error) {
	if p.seen == nil {
		return true, nil
	}
	if mark {
		return p.seen.MarkSeen(ctx, hash, it.Title, it.Source, now)
	}
	seen, err := p.seen.Seen(ctx, hash)
	return !seen, err
}

func (p *Producer) fetchAll(ctx context.Context, sources []Source) []fetchResult {
	results := make([]fetchResult, len(sources))
	var wg sync.WaitGroup
	for i, src := range sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[i].err = fmt.Errorf("source panic: %v", r)
				}
			}()
			fctx, cancel := context.WithTimeout(ctx, p.opts.FetchTimeout)
			defer cancel()
			items, err := src.Fetch(fctx, p.opts.MaxPerSource*2)
			results[i] = fetchResult{items: items, err: err}
		}(i, src)
	}
	wg.Wait()
	return results
}

// HashTitle is the dedup key of an item.
func HashTitle(title string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(title)))
	return hex.EncodeToString(sum[:])
}
