// Package scheduler turns file events into bounded, debounced agent runs.
//
// Each (agent, path) pair is a trigger key with its own state machine. Keys
// debounce independently, coalesce bursts last-write-wins, and serialize
// their own runs; a weighted semaphore bounds how many runs execute at once
// across all keys.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/devsift/sift/internal/events"
	"github.com/devsift/sift/internal/executor"
	"github.com/devsift/sift/internal/model"
	"github.com/devsift/sift/internal/registry"
)

var (
	// ErrBackpressure is returned by Publish under the reject policy when
	// the pipeline is full and the event does not outrank any pending key.
	ErrBackpressure = errors.New("scheduler: pipeline full")
	// ErrStopped is returned by Publish after Stop.
	ErrStopped = errors.New("scheduler: stopped")
)

// Run identifies one dispatched attempt for a trigger key.
type Run struct {
	ID      string
	Agent   string
	Path    string
	Event   model.Event
	Attempt int
	Started time.Time
}

// ResultHandler consumes terminal run outcomes. Calls arrive outside the
// scheduler lock, one at a time per key, and may block without stalling
// dispatch of other keys.
type ResultHandler interface {
	// HandleResult receives the output of a completed run.
	HandleResult(run Run, res *executor.Result)
	// HandleExhausted fires after the retry budget is spent.
	HandleExhausted(run Run, lastErr error)
}

// Config bundles the scheduler's collaborators and tuning.
type Config struct {
	Scheduler model.SchedulerConfig
	Profile   model.ModeProfile
	Registry  *registry.Registry
	Executor  executor.Executor
	Handler   ResultHandler
	Bus       *events.Bus
	Logger    *log.Logger
	LogLevel  string
}

type keyID struct {
	agent string
	path  string
}

func (id keyID) String() string {
	return id.agent + ":" + id.path
}

// keyEntry is the per-key scheduling state. All fields are guarded by the
// scheduler mutex.
type keyEntry struct {
	id        keyID
	desc      model.AgentDescriptor
	state     model.KeyState
	pending   model.Event  // payload for the next dispatch
	next      *model.Event // event parked while a run cycle is in flight
	timer     *time.Timer  // debounce or retry timer
	attempt   int
	arrived   time.Time // cycle start, backpressure tie-break
	enqueued  time.Time // ready-queue entry, drives priority aging
	runCancel context.CancelFunc
	lastErr   error
}

// Scheduler owns every trigger key and the dispatcher that admits runs
// against the weighted pool.
type Scheduler struct {
	cfg      model.SchedulerConfig
	profile  model.ModeProfile
	reg      *registry.Registry
	exec     executor.Executor
	handler  ResultHandler
	bus      *events.Bus
	logger   *log.Logger
	logLevel logLevel

	sem *semaphore.Weighted

	mu       sync.Mutex
	keys     map[keyID]*keyEntry
	ready    []*keyEntry
	pipeline int // keys in debouncing or queued, bounded by queue.max_depth
	stopped  bool
	space    *sync.Cond // signaled when pipeline depth drops

	wake           chan struct{}
	rootCtx        context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	dispatcherDone chan struct{}

	counters model.MetricsCounters
}

// New builds and starts a scheduler. Stop it with Stop followed by Drain.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Registry == nil || cfg.Executor == nil || cfg.Handler == nil {
		return nil, fmt.Errorf("scheduler: registry, executor, and handler are required")
	}
	if cfg.Scheduler.MaxConcurrentAgents < 1 {
		return nil, fmt.Errorf("scheduler: max_concurrent_agents must be >= 1, got %d", cfg.Scheduler.MaxConcurrentAgents)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	s := &Scheduler{
		cfg:            cfg.Scheduler,
		profile:        cfg.Profile,
		reg:            cfg.Registry,
		exec:           cfg.Executor,
		handler:        cfg.Handler,
		bus:            cfg.Bus,
		logger:         logger,
		logLevel:       parseLogLevel(cfg.LogLevel),
		sem:            semaphore.NewWeighted(int64(cfg.Scheduler.MaxConcurrentAgents)),
		keys:           make(map[keyID]*keyEntry),
		wake:           make(chan struct{}, 1),
		dispatcherDone: make(chan struct{}),
	}
	s.space = sync.NewCond(&s.mu)
	s.rootCtx, s.cancel = context.WithCancel(context.Background())

	go s.dispatchLoop()
	return s, nil
}

// Publish routes an event to every agent the registry matches. Under the
// reject policy it never blocks; under the block policy it waits for
// pipeline space. Events for keys that already have a cycle in flight
// coalesce and always succeed.
func (s *Scheduler) Publish(ev model.Event) error {
	matched := s.reg.Match(ev)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	s.counters.EventsReceived++

	var firstErr error
	for _, desc := range matched {
		if err := s.publishKeyLocked(desc, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PublishFor targets one agent directly, bypassing registry matching. The
// daemon uses it for interval ticks and operator-requested runs.
func (s *Scheduler) PublishFor(desc model.AgentDescriptor, ev model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	s.counters.EventsReceived++
	return s.publishKeyLocked(desc, ev)
}

func (s *Scheduler) publishKeyLocked(desc model.AgentDescriptor, ev model.Event) error {
	if s.stopped {
		return ErrStopped
	}

	id := keyID{agent: desc.Name, path: ev.Path}
	k := s.keys[id]
	if k == nil {
		k = &keyEntry{id: id, desc: desc, state: model.KeyStateIdle}
		s.keys[id] = k
	}

	switch k.state {
	case model.KeyStateDebouncing:
		s.counters.EventsCoalesced++
		k.pending = ev
		k.timer.Reset(k.desc.Debounce(s.profile.BatchInterval))
		s.transition(k, model.KeyStateDebouncing)
		return nil
	case model.KeyStateQueued:
		s.counters.EventsCoalesced++
		k.pending = ev
		return nil
	case model.KeyStateRunning, model.KeyStateTimedOut, model.KeyStateRetrying:
		if k.next != nil {
			s.counters.EventsCoalesced++
		}
		evCopy := ev
		k.next = &evCopy
		return nil
	}

	// idle or terminal: a fresh cycle needs pipeline admission
	if err := s.admitLocked(desc); err != nil {
		s.log(levelWarn, "publish_rejected key=%s priority=%d err=%v", id, desc.Priority, err)
		return err
	}
	s.transition(k, model.KeyStateDebouncing)
	k.pending = ev
	k.attempt = 0
	k.lastErr = nil
	k.arrived = time.Now()
	s.pipeline++
	s.startDebounceLocked(k)
	return nil
}

// admitLocked enforces queue.max_depth on keys entering the pipeline.
// Reject policy: shed the weakest pending key when the newcomer strictly
// outranks it, otherwise refuse. Block policy: wait for space.
func (s *Scheduler) admitLocked(desc model.AgentDescriptor) error {
	for s.pipeline >= s.cfg.Queue.MaxDepth {
		if s.cfg.Queue.Policy == model.QueuePolicyBlock {
			s.space.Wait()
			if s.stopped {
				return ErrStopped
			}
			continue
		}

		victim := s.weakestPendingLocked()
		if victim == nil || victim.desc.Priority <= desc.Priority {
			return ErrBackpressure
		}
		s.shedLocked(victim)
	}
	return nil
}

// weakestPendingLocked picks the shed candidate: the pending key with the
// largest priority number, youngest cycle on ties.
func (s *Scheduler) weakestPendingLocked() *keyEntry {
	var victim *keyEntry
	for _, k := range s.keys {
		if k.state != model.KeyStateDebouncing && k.state != model.KeyStateQueued {
			continue
		}
		if victim == nil ||
			k.desc.Priority > victim.desc.Priority ||
			(k.desc.Priority == victim.desc.Priority && k.arrived.After(victim.arrived)) {
			victim = k
		}
	}
	return victim
}

func (s *Scheduler) shedLocked(k *keyEntry) {
	if k.state == model.KeyStateDebouncing && k.timer != nil {
		k.timer.Stop()
	}
	if k.state == model.KeyStateQueued {
		s.removeReadyLocked(k)
	}
	s.transition(k, model.KeyStateIdle)
	k.next = nil
	s.pipeline--
	s.counters.BackpressureSheds++
	s.log(levelWarn, "backpressure_shed key=%s priority=%d", k.id, k.desc.Priority)
	s.publishBus(events.TypeBackpressureShed, map[string]any{
		"agent":    k.id.agent,
		"path":     k.id.path,
		"priority": k.desc.Priority,
	})
}

func (s *Scheduler) startDebounceLocked(k *keyEntry) {
	id := k.id
	k.timer = time.AfterFunc(k.desc.Debounce(s.profile.BatchInterval), func() {
		s.settle(id)
	})
}

// settle moves a key whose debounce window elapsed into the ready queue.
func (s *Scheduler) settle(id keyID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := s.keys[id]
	if k == nil || k.state != model.KeyStateDebouncing || s.stopped {
		return
	}
	s.transition(k, model.KeyStateQueued)
	k.enqueued = time.Now()
	s.ready = append(s.ready, k)
	s.wakeDispatcher()
}

// Cancel stops whatever stage the key's cycle is in: a pending debounce
// timer, a queued dispatch, a retry wait, or an in-flight run's context.
// It reports whether anything was cancelled.
func (s *Scheduler) Cancel(agent, path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := keyID{agent: agent, path: path}
	k := s.keys[id]
	if k == nil {
		return false
	}

	switch k.state {
	case model.KeyStateDebouncing:
		k.timer.Stop()
		k.next = nil
		s.transition(k, model.KeyStateIdle)
		s.pipeline--
		s.space.Signal()
	case model.KeyStateQueued:
		s.removeReadyLocked(k)
		k.next = nil
		s.transition(k, model.KeyStateIdle)
		s.pipeline--
		s.space.Signal()
	case model.KeyStateRunning:
		k.next = nil
		if k.runCancel != nil {
			k.runCancel()
		}
		// the run goroutine observes the cancelled context and finishes
		// the transition itself
	case model.KeyStateRetrying:
		k.timer.Stop()
		k.next = nil
		s.transition(k, model.KeyStateIdle)
	default:
		return false
	}

	s.log(levelInfo, "cancel key=%s", id)
	return true
}

// Depths reports how many keys sit in each pre-terminal stage.
func (s *Scheduler) Depths() model.QueueDepth {
	s.mu.Lock()
	defer s.mu.Unlock()

	var d model.QueueDepth
	for _, k := range s.keys {
		switch k.state {
		case model.KeyStateDebouncing:
			d.Debouncing++
		case model.KeyStateQueued:
			d.Queued++
		case model.KeyStateRunning:
			d.Running++
		}
	}
	return d
}

// Counters returns a snapshot of the scheduler's counters.
func (s *Scheduler) Counters() model.MetricsCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

// Stop refuses new events, stops every timer, clears the ready queue, and
// cancels in-flight runs. Call Drain afterwards to wait for them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for _, k := range s.keys {
		if k.timer != nil {
			k.timer.Stop()
		}
	}
	s.ready = nil
	s.mu.Unlock()

	s.cancel()
	s.space.Broadcast()
	s.wakeDispatcher()
}

// Drain waits for run goroutines and the dispatcher to finish, up to the
// timeout.
func (s *Scheduler) Drain(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		<-s.dispatcherDone
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("scheduler drain timed out after %s", timeout)
	}
}

func (s *Scheduler) removeReadyLocked(k *keyEntry) {
	for i, queued := range s.ready {
		if queued == k {
			s.ready = append(s.ready[:i], s.ready[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) wakeDispatcher() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) publishBus(t events.Type, data map[string]any) {
	if s.bus != nil {
		s.bus.Publish(t, data)
	}
}

func (s *Scheduler) transition(k *keyEntry, to model.KeyState) {
	if err := model.ValidateKeyTransition(k.state, to); err != nil {
		// Programming error. Log loudly and apply anyway so one key cannot
		// wedge the scheduler.
		s.log(levelError, "invalid_transition key=%s err=%v", k.id, err)
	}
	k.state = to
}

type logLevel int

const (
	levelDebug logLevel = iota
	levelInfo
	levelWarn
	levelError
)

func parseLogLevel(s string) logLevel {
	switch strings.ToLower(s) {
	case "debug":
		return levelDebug
	case "warn", "warning":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

func (s *Scheduler) log(level logLevel, format string, args ...any) {
	if level < s.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case levelDebug:
		levelStr = "DEBUG"
	case levelWarn:
		levelStr = "WARN"
	case levelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	s.logger.Printf("%s %s scheduler: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
