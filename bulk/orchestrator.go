// Package bulk implements the Bulk Orchestrator (spec.md §4.10): it
// walks an entire FHIR server and validates every resource of every
// supported type, tracking a resumable (idle/running/paused) state
// machine.
package bulk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/medvertical/fhir-validation-engine/fhirclient"
)

// State is a BulkState lifecycle phase.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StatePaused  State = "paused"
)

// EventType distinguishes the kinds of events the orchestrator emits.
type EventType string

const (
	EventBatchCompleted EventType = "batchCompleted"
	EventCompleted      EventType = "completed"
	EventPaused         EventType = "paused"
)

// Event is published at every batch boundary and on completion/pause.
type Event struct {
	Type         EventType
	Counters     Counters
	ResourceType string // resource type being processed when the event fired
	Timestamp    time.Time
}

// Counters tracks running totals across a walk.
type Counters struct {
	Processed int
	Valid     int
	Error     int
}

// Config bounds a walk.
type Config struct {
	BatchSize            int
	MaxTypeResourceCount int // 0 = unlimited; spec.md default suggestion is 50,000
	ValidScoreThreshold  int // a resource is "valid" iff its score >= this; spec.md default 95
}

// DefaultConfig returns spec-reasonable defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:            100,
		MaxTypeResourceCount: 50000,
		ValidScoreThreshold:  95,
	}
}

// stopKind distinguishes why stopCh was closed, so run's boundary check
// knows whether to capture a resume checkpoint (pause) or exit quietly
// (stop, which has already reset state to idle itself).
type stopKind int

const (
	stopNone stopKind = iota
	stopPause
	stopStop
)

// BatchValidator scores one page of resources, returning the score for
// each (parallel to the input slice). The orchestrator does not care how
// scoring happens — in production this submits the batch to the
// priority queue / validation pipeline.
type BatchValidator func(ctx context.Context, resourceType string, resources [][]byte) (scores []int, err error)

// Orchestrator runs one walk against one FHIR server at a time. A
// second Start while running or paused is rejected; callers wanting
// concurrent walks against multiple servers create one Orchestrator per
// server.
type Orchestrator struct {
	serverID   string
	client     *fhirclient.Client
	validate   BatchValidator
	checkpoint CheckpointStore
	cfg        Config

	mu       sync.Mutex
	state    State
	counters Counters
	resume   *Resume
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopKind stopKind

	subsMu sync.Mutex
	subs   map[chan Event]struct{}
}

// New creates an Orchestrator for one FHIR server.
func New(serverID string, client *fhirclient.Client, validate BatchValidator, checkpoint CheckpointStore, cfg Config) *Orchestrator {
	return &Orchestrator{
		serverID:   serverID,
		client:     client,
		validate:   validate,
		checkpoint: checkpoint,
		cfg:        cfg,
		state:      StateIdle,
		subs:       make(map[chan Event]struct{}),
	}
}

// Subscribe returns a channel of Events and an unsubscribe function.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	o.subsMu.Lock()
	o.subs[ch] = struct{}{}
	o.subsMu.Unlock()

	return ch, func() {
		o.subsMu.Lock()
		delete(o.subs, ch)
		o.subsMu.Unlock()
		close(ch)
	}
}

func (o *Orchestrator) publish(e Event) {
	e.Timestamp = time.Now()
	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	for ch := range o.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// State returns the current lifecycle state and counters.
func (o *Orchestrator) State() (State, Counters) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state, o.counters
}

// Start transitions idle -> running and begins walking the server in
// the background. Counters are always reset. clearResults, if true,
// drops any existing checkpoint; otherwise a saved checkpoint is loaded
// and the walk resumes from it (spec.md §4.10).
func (o *Orchestrator) Start(ctx context.Context, clearResults bool) error {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return fmt.Errorf("bulk: cannot start from state %q", o.state)
	}
	o.state = StateRunning
	o.counters = Counters{}
	if clearResults {
		o.resume = nil
		_ = o.checkpoint.Clear(o.serverID)
	} else {
		o.resume, _ = o.checkpoint.Load(o.serverID)
	}
	o.stopCh = make(chan struct{})
	o.doneCh = make(chan struct{})
	o.stopKind = stopNone
	o.mu.Unlock()

	go o.run(ctx)
	return nil
}

// Pause requests the walk stop at its next safe boundary, capturing a
// resume checkpoint there (spec.md §4.10: running -> paused).
func (o *Orchestrator) Pause() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateRunning {
		return fmt.Errorf("bulk: cannot pause from state %q", o.state)
	}
	o.stopKind = stopPause
	close(o.stopCh)
	return nil
}

// Resume transitions paused -> running, continuing from the last saved
// checkpoint.
func (o *Orchestrator) Resume(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StatePaused {
		o.mu.Unlock()
		return fmt.Errorf("bulk: cannot resume from state %q", o.state)
	}
	o.state = StateRunning
	o.stopCh = make(chan struct{})
	o.doneCh = make(chan struct{})
	o.stopKind = stopNone
	o.mu.Unlock()

	go o.run(ctx)
	return nil
}

// Stop transitions any state to idle, clearing the resume checkpoint.
// clearResults additionally signals the caller's intent to drop
// persisted validation results (the orchestrator itself does not own
// persistence, so this is surfaced only as the returned bool for the
// caller to act on).
func (o *Orchestrator) Stop(clearResults bool) (cleared bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == StateRunning {
		// A pending Pause has already closed stopCh.
		if o.stopKind == stopNone {
			close(o.stopCh)
		}
		o.stopKind = stopStop
	}
	o.state = StateIdle
	o.resume = nil
	_ = o.checkpoint.Clear(o.serverID)
	return clearResults
}

// run performs the walk. It is always invoked from Start/Resume in its
// own goroutine.
func (o *Orchestrator) run(ctx context.Context) {
	defer close(o.doneCh)

	types, err := o.client.CapabilityStatement(ctx)
	if err != nil {
		o.finishRunning()
		return
	}

	startIdx := 0
	startOffset := 0
	if resume := o.currentResume(); resume != nil {
		for i, t := range types {
			if t.Type == resume.Type {
				startIdx = i
				startOffset = resume.Offset
				break
			}
		}
	}

	for i := startIdx; i < len(types); i++ {
		resourceType := types[i].Type

		if stopped, kind := o.checkStop(); stopped {
			o.onStop(kind, resourceType, startOffset)
			return
		}

		total, err := o.client.Count(ctx, resourceType)
		if err != nil {
			continue
		}
		if fhirclient.ShouldSkipType(total, o.cfg.MaxTypeResourceCount) {
			startOffset = 0
			continue
		}

		offset := startOffset
		startOffset = 0 // only the resumed type starts mid-page

		for offset < total {
			if stopped, kind := o.checkStop(); stopped {
				o.onStop(kind, resourceType, offset)
				return
			}

			if err := o.processPage(ctx, resourceType, offset); err != nil {
				offset += o.batchSize()
				continue
			}

			offset += o.batchSize()
			o.publish(Event{Type: EventBatchCompleted, Counters: o.snapshotCounters(), ResourceType: resourceType})
		}
	}

	o.finishRunning()
}

func (o *Orchestrator) processPage(ctx context.Context, resourceType string, offset int) error {
	bundle, err := o.client.Search(ctx, resourceType, offset, o.batchSize())
	if err != nil {
		return err
	}

	resources := make([][]byte, len(bundle.Entry))
	for i, entry := range bundle.Entry {
		resources[i] = entry.Resource
	}

	scores, err := o.validate(ctx, resourceType, resources)
	if err != nil {
		return err
	}

	o.mu.Lock()
	for _, score := range scores {
		o.counters.Processed++
		if score >= o.cfg.ValidScoreThreshold {
			o.counters.Valid++
		} else {
			o.counters.Error++
		}
	}
	o.mu.Unlock()

	return nil
}

func (o *Orchestrator) batchSize() int {
	if o.cfg.BatchSize > 0 {
		return o.cfg.BatchSize
	}
	return 100
}

// checkStop reports whether a stop was requested and, if so, why. The
// kind decides what run does next: a pause captures a resume checkpoint,
// a hard stop (whose caller already reset state to idle) just exits.
func (o *Orchestrator) checkStop() (bool, stopKind) {
	select {
	case <-o.stopCh:
		o.mu.Lock()
		kind := o.stopKind
		o.mu.Unlock()
		return true, kind
	default:
		return false, stopNone
	}
}

// onStop reacts to a stop request observed at a safe boundary.
func (o *Orchestrator) onStop(kind stopKind, resourceType string, offset int) {
	if kind == stopPause {
		o.pauseAt(resourceType, offset)
	}
	// stopStop: Stop() has already reset state/resume/checkpoint; nothing more to do.
}

func (o *Orchestrator) currentResume() *Resume {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.resume
}

func (o *Orchestrator) snapshotCounters() Counters {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counters
}

func (o *Orchestrator) pauseAt(resourceType string, offset int) {
	resume := Resume{Type: resourceType, Offset: offset}
	_ = o.checkpoint.Save(o.serverID, resume)

	o.mu.Lock()
	o.resume = &resume
	o.state = StatePaused
	o.mu.Unlock()

	o.publish(Event{Type: EventPaused, Counters: o.snapshotCounters(), ResourceType: resourceType})
}

func (o *Orchestrator) finishRunning() {
	_ = o.checkpoint.Clear(o.serverID)

	o.mu.Lock()
	o.resume = nil
	o.state = StateIdle
	o.mu.Unlock()

	o.publish(Event{Type: EventCompleted, Counters: o.snapshotCounters()})
}
