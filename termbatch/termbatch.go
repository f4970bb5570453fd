// Package termbatch implements the Batch Code Validator (spec.md §4.5):
// deduplication, cache partitioning, bounded parallel chunked
// validation, and flight-level deduplication of terminology lookups.
package termbatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	fv "github.com/medvertical/fhir-validation-engine"
	"github.com/medvertical/fhir-validation-engine/termcache"
)

const (
	defaultMaxBatchSize = 100
	maxConcurrentChunks = 4
	maxConcurrentCodes  = 8
)

// ExtractedCode is one code reference pulled out of a resource, tagged
// with the element path it came from so results can be expanded back
// onto the original occurrences.
type ExtractedCode struct {
	System   string
	Code     string
	Display  string
	ValueSet string
	Path     string
}

// CodeResult is the per-occurrence outcome.
type CodeResult struct {
	ExtractedCode
	termcache.Result
	FromCache bool
}

// SystemStats summarizes per-system counts for the bySystem breakdown.
type SystemStats struct {
	Total   int
	Valid   int
	Invalid int
}

// Result is the assembled BatchValidationResult.
type Result struct {
	Results    []CodeResult
	TotalCodes int
	Validated  int
	CacheHits  int
	Failures   int
	TotalTime  time.Duration
	BySystem   map[string]*SystemStats
}

// Validator validates a single code against a server and returns the
// raw terminology outcome.
type Validator func(ctx context.Context, code ExtractedCode, serverURL string) (termcache.Result, error)

// Cache is the subset of termcache.Cache the batch validator needs.
type Cache interface {
	Get(key string) (termcache.Result, bool)
	Set(key string, result termcache.Result, offlineMode bool)
}

// Batch runs the full batch-validation algorithm over codes.
type Batch struct {
	cache       Cache
	validate    Validator
	maxBatch    int
	offlineMode bool
	flight      singleflight.Group
}

// Option configures a Batch.
type Option func(*Batch)

// WithMaxBatchSize overrides the default chunk size of 100.
func WithMaxBatchSize(n int) Option {
	return func(b *Batch) {
		if n > 0 {
			b.maxBatch = n
		}
	}
}

// WithOfflineMode marks newly cached results as never-expiring.
func WithOfflineMode(offline bool) Option {
	return func(b *Batch) { b.offlineMode = offline }
}

// New builds a Batch over cache, using validate as the per-code
// validation function.
func New(cache Cache, validate Validator, opts ...Option) *Batch {
	b := &Batch{cache: cache, validate: validate, maxBatch: defaultMaxBatchSize}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// dedupKey is the (system, code, valueSet) identity the spec
// deduplicates on; version is folded into the cache key separately
// since it never varies within one Validate call.
type dedupKey struct {
	system, code, valueSet string
}

type occurrenceGroup struct {
	code  ExtractedCode
	paths []string
}

// Validate runs the deduplicate -> cache-check -> chunked fan-out ->
// cache-fill algorithm and assembles the final Result. An empty codes
// slice returns immediately with zero counts and issues no upstream
// calls.
func (b *Batch) Validate(ctx context.Context, codes []ExtractedCode, version fv.FHIRVersion, serverURL string) (*Result, error) {
	started := time.Now()
	result := &Result{TotalCodes: len(codes), BySystem: make(map[string]*SystemStats)}
	if len(codes) == 0 {
		return result, nil
	}

	order := make([]dedupKey, 0, len(codes))
	groups := make(map[dedupKey]*occurrenceGroup, len(codes))
	for _, c := range codes {
		k := dedupKey{c.System, c.Code, c.ValueSet}
		g, ok := groups[k]
		if !ok {
			g = &occurrenceGroup{code: c}
			groups[k] = g
			order = append(order, k)
		}
		g.paths = append(g.paths, c.Path)
	}

	cached := make(map[dedupKey]termcache.Result, len(order))
	var toValidate []dedupKey
	for _, k := range order {
		cacheKey := termcache.Key(k.system, k.code, k.valueSet, version)
		if cachedResult, ok := b.cache.Get(cacheKey); ok {
			cached[k] = cachedResult
			continue
		}
		toValidate = append(toValidate, k)
	}

	validated, failures := b.validateAllChunks(ctx, toValidate, groups, version, serverURL)

	for _, k := range order {
		g := groups[k]
		var r termcache.Result
		fromCache := false
		if cr, ok := cached[k]; ok {
			r, fromCache = cr, true
		} else if vr, ok := validated[k]; ok {
			r = vr
		}

		for _, path := range g.paths {
			occurrence := g.code
			occurrence.Path = path
			result.Results = append(result.Results, CodeResult{ExtractedCode: occurrence, Result: r, FromCache: fromCache})
		}

		stats, ok := result.BySystem[g.code.System]
		if !ok {
			stats = &SystemStats{}
			result.BySystem[g.code.System] = stats
		}
		stats.Total++
		if r.Valid {
			stats.Valid++
		} else {
			stats.Invalid++
		}
		if fromCache {
			result.CacheHits++
		} else {
			result.Validated++
		}
	}
	result.Failures = failures
	result.TotalTime = time.Since(started)
	return result, nil
}

// validateAllChunks slices keys into maxBatch-sized chunks and runs up
// to maxConcurrentChunks of them concurrently; within each chunk,
// codes validate in parallel bounded by maxConcurrentCodes.
func (b *Batch) validateAllChunks(ctx context.Context, keys []dedupKey, groups map[dedupKey]*occurrenceGroup, version fv.FHIRVersion, serverURL string) (map[dedupKey]termcache.Result, int) {
	results := make(map[dedupKey]termcache.Result, len(keys))
	if len(keys) == 0 {
		return results, 0
	}

	var mu sync.Mutex
	var failures int
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentChunks)

	for start := 0; start < len(keys); start += b.maxBatch {
		end := start + b.maxBatch
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]

		group.Go(func() error {
			chunkResults, chunkFailures, err := b.validateChunk(gctx, chunk, groups, version, serverURL)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// An exceptional, chunk-wide failure attributes the
				// error to every code in the chunk rather than aborting
				// the whole batch.
				for _, k := range chunk {
					results[k] = termcache.Result{Valid: false, Message: err.Error()}
				}
				failures += len(chunk)
				return nil
			}
			for k, r := range chunkResults {
				results[k] = r
				cacheKey := termcache.Key(k.system, k.code, k.valueSet, version)
				b.cache.Set(cacheKey, r, b.offlineMode)
			}
			failures += chunkFailures
			return nil
		})
	}
	_ = group.Wait()
	return results, failures
}

// validateChunk validates every key in chunk in parallel. A failed
// individual call yields a synthetic invalid result for that code; it
// never returns an error itself, since per-code failures are not
// chunk-wide failures.
func (b *Batch) validateChunk(ctx context.Context, chunk []dedupKey, groups map[dedupKey]*occurrenceGroup, version fv.FHIRVersion, serverURL string) (map[dedupKey]termcache.Result, int, error) {
	results := make(map[dedupKey]termcache.Result, len(chunk))
	var mu sync.Mutex
	var failures int

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentCodes)

	for _, k := range chunk {
		k := k
		g := groups[k]
		group.Go(func() error {
			flightKey := fmt.Sprintf("%s|%s|%s|%s", k.system, k.code, k.valueSet, version)
			v, err, _ := b.flight.Do(flightKey, func() (any, error) {
				return b.validate(gctx, g.code, serverURL)
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				results[k] = termcache.Result{Valid: false, Message: err.Error()}
				failures++
				return nil
			}
			results[k] = v.(termcache.Result)
			return nil
		})
	}
	_ = group.Wait()
	return results, failures, nil
}
