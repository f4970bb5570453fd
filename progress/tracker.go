// Package progress implements the Progress Tracker (spec.md §4.11): a
// passive observer of item lifecycles. It performs no validation itself
// and has no opinion on where items come from — the bulk orchestrator,
// the priority queue, or a single interactive validate call can all
// report into the same Tracker.
package progress

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	fv "github.com/medvertical/fhir-validation-engine"
)

// Status is an item's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// sampleWindow bounds how many recent per-aspect durations are retained
// for percentile computation; older samples are overwritten in a ring.
const sampleWindow = 512

// AspectTiming summarizes one aspect's recent processing durations.
type AspectTiming struct {
	P50Ms       float64
	P95Ms       float64
	SampleCount int
}

// Stats is a point-in-time aggregate snapshot.
type Stats struct {
	TotalResources          int
	ProcessedResources      int
	ValidResources          int
	ErrorResources          int
	AverageProgress         float64
	AverageProcessingTimeMs float64
	CountsByStatus          map[Status]int
	AspectTimings           map[fv.Aspect]AspectTiming
}

type itemState struct {
	status       Status
	resourceType string
	startedAt    time.Time
}

// Tracker maintains per-item lifecycle state and aggregate statistics.
// All exported methods are safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	items map[string]*itemState

	total     int
	processed int
	valid     int
	errored   int
	totalMs   float64

	aspectSamples map[fv.Aspect]*ring

	resourcesGauge   *prometheus.GaugeVec
	aspectDurationMs *prometheus.HistogramVec
}

// New creates a Tracker, registering its metrics with reg (pass
// prometheus.DefaultRegisterer for the global registry, or a fresh
// prometheus.NewRegistry() in tests to avoid collisions).
func New(reg prometheus.Registerer) *Tracker {
	t := &Tracker{
		items:         make(map[string]*itemState),
		aspectSamples: make(map[fv.Aspect]*ring),
		resourcesGauge: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "fhir_validation_progress_resources",
			Help: "Resource counts tracked by the progress tracker, by status.",
		}, []string{"status"}),
		aspectDurationMs: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fhir_validation_aspect_duration_ms",
			Help:    "Per-aspect validation duration in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1ms .. ~8s
		}, []string{"aspect"}),
	}
	for _, aspect := range fv.Aspects {
		t.aspectSamples[aspect] = newRing(sampleWindow)
	}
	return t
}

// SetTotal records the total number of resources a walk expects to
// process, used to compute AverageProgress.
func (t *Tracker) SetTotal(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total = n
}

// Start marks itemID as processing.
func (t *Tracker) Start(itemID, resourceType string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items[itemID] = &itemState{
		status:       StatusProcessing,
		resourceType: resourceType,
		startedAt:    time.Now(),
	}
	t.resourcesGauge.WithLabelValues(string(StatusProcessing)).Inc()
}

// Complete marks itemID as completed, recording its outcome and the
// per-aspect durations that made up its total processing time.
func (t *Tracker) Complete(itemID string, valid bool, aspectDurations map[fv.Aspect]time.Duration) {
	t.mu.Lock()
	item, ok := t.items[itemID]
	if !ok {
		item = &itemState{startedAt: time.Now()}
	}

	elapsedMs := float64(time.Since(item.startedAt).Milliseconds())
	if item.status == StatusProcessing {
		t.resourcesGauge.WithLabelValues(string(StatusProcessing)).Dec()
	}

	item.status = StatusCompleted
	t.items[itemID] = item

	t.processed++
	t.totalMs += elapsedMs
	if valid {
		t.valid++
	} else {
		t.errored++
	}
	t.mu.Unlock()

	t.resourcesGauge.WithLabelValues(string(StatusCompleted)).Inc()

	for aspect, d := range aspectDurations {
		ms := float64(d.Milliseconds())
		t.aspectDurationMs.WithLabelValues(string(aspect)).Observe(ms)

		t.mu.Lock()
		if samples, ok := t.aspectSamples[aspect]; ok {
			samples.add(ms)
		}
		t.mu.Unlock()
	}
}

// Fail marks itemID as failed. err is accepted for call-site symmetry
// with Complete but is not retained; callers that need failure detail
// log it themselves at the call site.
func (t *Tracker) Fail(itemID string, err error) {
	t.mu.Lock()
	item, ok := t.items[itemID]
	if ok && item.status == StatusProcessing {
		t.resourcesGauge.WithLabelValues(string(StatusProcessing)).Dec()
	}
	if !ok {
		item = &itemState{}
	}
	item.status = StatusFailed
	t.items[itemID] = item
	t.processed++
	t.errored++
	t.mu.Unlock()

	t.resourcesGauge.WithLabelValues(string(StatusFailed)).Inc()
}

// Snapshot returns the current aggregate statistics.
func (t *Tracker) Snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := Stats{
		TotalResources:     t.total,
		ProcessedResources: t.processed,
		ValidResources:     t.valid,
		ErrorResources:     t.errored,
		CountsByStatus:     make(map[Status]int),
		AspectTimings:      make(map[fv.Aspect]AspectTiming),
	}

	if t.total > 0 {
		stats.AverageProgress = float64(t.processed) / float64(t.total)
	}
	if t.processed > 0 {
		stats.AverageProcessingTimeMs = t.totalMs / float64(t.processed)
	}

	for _, item := range t.items {
		stats.CountsByStatus[item.status]++
	}

	for aspect, samples := range t.aspectSamples {
		p50, p95, n := samples.percentiles()
		stats.AspectTimings[aspect] = AspectTiming{P50Ms: p50, P95Ms: p95, SampleCount: n}
	}

	return stats
}

// ring is a fixed-capacity circular buffer of float64 samples, used to
// compute percentiles without retaining unbounded history.
type ring struct {
	values []float64
	next   int
	filled bool
}

func newRing(capacity int) *ring {
	return &ring{values: make([]float64, capacity)}
}

func (r *ring) add(v float64) {
	r.values[r.next] = v
	r.next++
	if r.next == len(r.values) {
		r.next = 0
		r.filled = true
	}
}

func (r *ring) percentiles() (p50, p95 float64, count int) {
	n := r.next
	if r.filled {
		n = len(r.values)
	}
	if n == 0 {
		return 0, 0, 0
	}

	sorted := make([]float64, n)
	copy(sorted, r.values[:n])
	sort.Float64s(sorted)

	return percentileOf(sorted, 0.50), percentileOf(sorted, 0.95), n
}

func percentileOf(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
