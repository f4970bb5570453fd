// Package dashboard implements the Dashboard Aggregator (spec.md
// §4.13): server-wide resource counts, validation coverage and success
// rate, and top-N resource breakdowns, computed with TTL-bounded
// caching and invalidated on settings change.
package dashboard

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/medvertical/fhir-validation-engine/fhirclient"
	"github.com/medvertical/fhir-validation-engine/logging"
	"github.com/medvertical/fhir-validation-engine/settings"
	"github.com/medvertical/fhir-validation-engine/store"
)

const (
	defaultCacheTTL         = 5 * time.Minute
	maxConcurrentTypeCounts = 4
	interBatchDelay         = 50 * time.Millisecond
	defaultTopN             = 5
)

// ResourceCount is the total number of resources of one type on the
// server.
type ResourceCount struct {
	ResourceType string `json:"resourceType"`
	Total        int    `json:"total"`
}

// TypeCoverage is one resource type's validation coverage and success
// rate.
type TypeCoverage struct {
	ResourceType string  `json:"resourceType"`
	Total        int     `json:"total"`
	Validated    int     `json:"validated"`
	Valid        int     `json:"valid"`
	Coverage     float64 `json:"coverage"`    // validated / total
	SuccessRate  float64 `json:"successRate"` // valid / validated
}

// Snapshot is the aggregate dashboard view.
type Snapshot struct {
	GeneratedAt     time.Time       `json:"generatedAt"`
	TotalResources  int             `json:"totalResources"`
	ResourceCounts  []ResourceCount `json:"resourceCounts"`
	Coverage        []TypeCoverage  `json:"coverage"`
	OverallCoverage float64         `json:"overallCoverage"`
	SuccessRate     float64         `json:"successRate"`
	TopN            []TypeCoverage  `json:"topN"`
}

// resultRepository is the subset of store.ResultRepository the
// aggregator needs, narrowed to a local interface so tests can fake it.
type resultRepository interface {
	CoverageByType(ctx context.Context, settingsHash string) ([]store.TypeBreakdown, error)
}

// settingsService is the subset of settings.Service the aggregator
// needs.
type settingsService interface {
	GetActiveSettings(ctx context.Context) (*settings.Settings, error)
	Subscribe() (<-chan settings.Event, func())
}

// Aggregator computes and caches Snapshots.
type Aggregator struct {
	client   *fhirclient.Client
	results  resultRepository
	settings settingsService
	log      *zap.Logger
	ttl      time.Duration
	topN     int

	mu        sync.Mutex
	cached    *Snapshot
	cachedAt  time.Time
	unsubOnce sync.Once
	unsub     func()
}

// New builds an Aggregator. It subscribes to settings change events so
// the cache is invalidated the moment the active settings change,
// independent of its TTL.
func New(client *fhirclient.Client, results resultRepository, svc settingsService, log *zap.Logger) *Aggregator {
	a := &Aggregator{
		client:   client,
		results:  results,
		settings: svc,
		log:      log,
		ttl:      defaultCacheTTL,
		topN:     defaultTopN,
	}

	events, unsub := svc.Subscribe()
	a.unsub = unsub
	go a.watchSettings(events)

	return a
}

// Close stops the settings-event subscription.
func (a *Aggregator) Close() {
	a.unsubOnce.Do(func() {
		if a.unsub != nil {
			a.unsub()
		}
	})
}

func (a *Aggregator) watchSettings(events <-chan settings.Event) {
	for range events {
		a.invalidate()
	}
}

func (a *Aggregator) invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cached = nil
}

// Snapshot returns the current dashboard view, recomputing it only if
// the cache is empty or has exceeded its TTL.
func (a *Aggregator) Snapshot(ctx context.Context) (*Snapshot, error) {
	a.mu.Lock()
	if a.cached != nil && time.Since(a.cachedAt) < a.ttl {
		cached := a.cached
		a.mu.Unlock()
		return cached, nil
	}
	a.mu.Unlock()

	snapshot, err := a.compute(ctx)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.cached = snapshot
	a.cachedAt = time.Now()
	a.mu.Unlock()

	return snapshot, nil
}

func (a *Aggregator) compute(ctx context.Context) (*Snapshot, error) {
	types, err := a.client.CapabilityStatement(ctx)
	if err != nil {
		return nil, fmt.Errorf("dashboard: capability statement: %w", err)
	}

	counts, err := a.countByType(ctx, types)
	if err != nil {
		return nil, err
	}

	active, err := a.settings.GetActiveSettings(ctx)
	if err != nil {
		a.log.Warn("dashboard: no active settings, coverage will be empty", logging.NewFields().Err(err)...)
	}

	var breakdowns []store.TypeBreakdown
	if active != nil {
		breakdowns, err = a.results.CoverageByType(ctx, active.ContentHash)
		if err != nil {
			return nil, fmt.Errorf("dashboard: coverage by type: %w", err)
		}
	}
	breakdownByType := make(map[string]store.TypeBreakdown, len(breakdowns))
	for _, b := range breakdowns {
		breakdownByType[b.ResourceType] = b
	}

	snapshot := &Snapshot{GeneratedAt: time.Now()}
	var totalValidated, totalValid int

	for _, c := range counts {
		snapshot.TotalResources += c.Total
		b := breakdownByType[c.ResourceType]

		coverage := TypeCoverage{
			ResourceType: c.ResourceType,
			Total:        c.Total,
			Validated:    b.Validated,
			Valid:        b.Valid,
		}
		if c.Total > 0 {
			coverage.Coverage = float64(b.Validated) / float64(c.Total)
		}
		if b.Validated > 0 {
			coverage.SuccessRate = float64(b.Valid) / float64(b.Validated)
		}

		snapshot.ResourceCounts = append(snapshot.ResourceCounts, c)
		snapshot.Coverage = append(snapshot.Coverage, coverage)
		totalValidated += b.Validated
		totalValid += b.Valid
	}

	if snapshot.TotalResources > 0 {
		snapshot.OverallCoverage = float64(totalValidated) / float64(snapshot.TotalResources)
	}
	if totalValidated > 0 {
		snapshot.SuccessRate = float64(totalValid) / float64(totalValidated)
	}

	snapshot.TopN = topNByValidated(snapshot.Coverage, a.topN)

	return snapshot, nil
}

// countByType fetches a per-type count for every resource type the
// CapabilityStatement declares, in bounded-parallel batches with a
// small inter-batch delay so a large server isn't hit with one
// request per type all at once.
func (a *Aggregator) countByType(ctx context.Context, types []fhirclient.ResourceTypeSummary) ([]ResourceCount, error) {
	counts := make([]ResourceCount, len(types))

	for batchStart := 0; batchStart < len(types); batchStart += maxConcurrentTypeCounts {
		batchEnd := batchStart + maxConcurrentTypeCounts
		if batchEnd > len(types) {
			batchEnd = len(types)
		}

		group, gctx := errgroup.WithContext(ctx)
		for i := batchStart; i < batchEnd; i++ {
			i := i
			group.Go(func() error {
				total, err := a.client.Count(gctx, types[i].Type)
				if err != nil {
					return fmt.Errorf("count %s: %w", types[i].Type, err)
				}
				counts[i] = ResourceCount{ResourceType: types[i].Type, Total: total}
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return nil, fmt.Errorf("dashboard: per-type counts: %w", err)
		}

		if batchEnd < len(types) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(interBatchDelay):
			}
		}
	}

	return counts, nil
}

// topNByValidated returns the n resource types with the most validated
// resources, descending.
func topNByValidated(coverage []TypeCoverage, n int) []TypeCoverage {
	sorted := make([]TypeCoverage, len(coverage))
	copy(sorted, coverage)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Validated > sorted[j].Validated
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}
