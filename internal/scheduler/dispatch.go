package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/devsift/sift/internal/events"
	"github.com/devsift/sift/internal/executor"
	"github.com/devsift/sift/internal/model"
)

// dispatchLoop admits ready keys against the weighted pool. It wakes on
// settles, freed capacity, and retries; it exits when the root context is
// cancelled.
func (s *Scheduler) dispatchLoop() {
	defer close(s.dispatcherDone)
	for {
		select {
		case <-s.rootCtx.Done():
			return
		case <-s.wake:
		}
		s.dispatchReady()
	}
}

func (s *Scheduler) dispatchReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	now := time.Now()
	sort.SliceStable(s.ready, func(i, j int) bool {
		pi := s.effectivePriority(s.ready[i], now)
		pj := s.effectivePriority(s.ready[j], now)
		if pi != pj {
			return pi < pj
		}
		return s.ready[i].enqueued.Before(s.ready[j].enqueued)
	})

	var waiting []*keyEntry
	for _, k := range s.ready {
		if s.sem.TryAcquire(int64(k.desc.Weight)) {
			s.startRunLocked(k)
		} else {
			waiting = append(waiting, k)
		}
	}
	s.ready = waiting
}

// effectivePriority ages a queued key toward 0 (the strongest priority) so
// heavy agents cannot starve light ones indefinitely.
func (s *Scheduler) effectivePriority(k *keyEntry, now time.Time) int {
	p := k.desc.Priority
	if s.cfg.PriorityAgingSec > 0 {
		p -= int(now.Sub(k.enqueued).Seconds()) / s.cfg.PriorityAgingSec
	}
	if p < 0 {
		p = 0
	}
	return p
}

func (s *Scheduler) startRunLocked(k *keyEntry) {
	s.transition(k, model.KeyStateRunning)
	s.pipeline--
	s.space.Signal()

	k.attempt++
	runCtx, cancel := context.WithCancel(s.rootCtx)
	k.runCancel = cancel

	runID, err := model.GenerateID(model.IDTypeRun)
	if err != nil {
		s.log(levelWarn, "run_id_generation_failed err=%v", err)
		runID = "run_unknown"
	}
	run := Run{
		ID:      runID,
		Agent:   k.desc.Name,
		Path:    k.id.path,
		Event:   k.pending,
		Attempt: k.attempt,
		Started: time.Now(),
	}
	s.counters.RunsDispatched++

	s.wg.Add(1)
	go s.runAttempt(k.id, k.desc, run, runCtx)

	s.log(levelInfo, "run_started run_id=%s agent=%s path=%s attempt=%d weight=%d",
		run.ID, run.Agent, run.Path, run.Attempt, k.desc.Weight)
	s.publishBus(events.TypeRunStarted, map[string]any{
		"run_id":  run.ID,
		"agent":   run.Agent,
		"path":    run.Path,
		"attempt": run.Attempt,
	})
}

func (s *Scheduler) runAttempt(id keyID, desc model.AgentDescriptor, run Run, runCtx context.Context) {
	defer s.wg.Done()

	timeoutCtx, cancel := context.WithTimeout(runCtx, desc.Timeout())
	res, execErr := s.safeExecute(timeoutCtx, desc, run.Event)
	cancel()

	// Release capacity before the outcome bookkeeping so another key can
	// start while the handler runs.
	s.sem.Release(int64(desc.Weight))
	s.wakeDispatcher()

	s.finishRun(id, run, runCtx, res, execErr)
}

// safeExecute shields the scheduler from a panicking executor; a panic
// fails the attempt instead of killing the daemon.
func (s *Scheduler) safeExecute(ctx context.Context, desc model.AgentDescriptor, ev model.Event) (res *executor.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("agent %s panicked: %v", desc.Name, r)
		}
	}()
	return s.exec.Execute(ctx, desc, ev)
}

// finishRun applies the attempt outcome to the key's state machine and
// delivers results to the handler after the lock is released.
func (s *Scheduler) finishRun(id keyID, run Run, runCtx context.Context, res *executor.Result, execErr error) {
	var (
		deliverResult bool
		deliverFinal  bool
		finalErr      error
	)

	s.mu.Lock()
	k := s.keys[id]
	if k == nil {
		s.mu.Unlock()
		return
	}
	k.runCancel = nil

	switch {
	case runCtx.Err() != nil:
		// Cancelled by Cancel or shutdown. The handler never sees the
		// result, so cancelled runs never leave partial state behind.
		s.counters.RunsCancelled++
		s.transition(k, model.KeyStateIdle)
		s.log(levelInfo, "run_cancelled run_id=%s agent=%s path=%s", run.ID, run.Agent, run.Path)
		s.publishBus(events.TypeRunCancelled, map[string]any{
			"run_id": run.ID,
			"agent":  run.Agent,
			"path":   run.Path,
		})
		// an event published after the Cancel may have parked meanwhile
		s.beginNextCycleLocked(k)

	case execErr == nil:
		if res == nil {
			res = &executor.Result{}
		}
		s.counters.RunsCompleted++
		s.transition(k, model.KeyStateCompleted)
		deliverResult = true
		s.log(levelInfo, "run_completed run_id=%s agent=%s path=%s attempt=%d duration=%s exit_code=%d",
			run.ID, run.Agent, run.Path, run.Attempt, res.Duration.Round(time.Millisecond), res.ExitCode)
		s.publishBus(events.TypeRunCompleted, map[string]any{
			"run_id":  run.ID,
			"agent":   run.Agent,
			"path":    run.Path,
			"attempt": run.Attempt,
		})
		s.beginNextCycleLocked(k)

	default:
		timedOut := errors.Is(execErr, context.DeadlineExceeded)
		if timedOut {
			s.counters.RunsTimedOut++
			s.transition(k, model.KeyStateTimedOut)
		}
		k.lastErr = execErr

		if k.attempt < s.cfg.Retry.MaxAttempts {
			s.transition(k, model.KeyStateRetrying)
			s.counters.RunsRetried++
			backoff := s.backoff(k.attempt)
			s.scheduleRetryLocked(k, backoff)
			s.log(levelWarn, "run_retrying run_id=%s agent=%s path=%s attempt=%d backoff=%s err=%v",
				run.ID, run.Agent, run.Path, run.Attempt, backoff, execErr)
			s.publishBus(events.TypeRunRetried, map[string]any{
				"run_id":  run.ID,
				"agent":   run.Agent,
				"path":    run.Path,
				"attempt": run.Attempt,
			})
		} else {
			s.transition(k, model.KeyStateFailed)
			s.counters.RunsFailed++
			deliverFinal = true
			finalErr = execErr
			s.log(levelError, "run_failed run_id=%s agent=%s path=%s attempts=%d err=%v",
				run.ID, run.Agent, run.Path, run.Attempt, execErr)
			s.publishBus(events.TypeRunFailed, map[string]any{
				"run_id":  run.ID,
				"agent":   run.Agent,
				"path":    run.Path,
				"attempt": run.Attempt,
			})
			s.beginNextCycleLocked(k)
		}
	}
	s.mu.Unlock()

	if deliverResult {
		s.safeHandle(func() { s.handler.HandleResult(run, res) })
	}
	if deliverFinal {
		s.safeHandle(func() { s.handler.HandleExhausted(run, finalErr) })
	}
}

// beginNextCycleLocked settles a terminal key: either back to idle, or
// straight into a new debounce window for the event parked during the run.
// Parked events were admitted at publish time and re-enter without a depth
// check.
func (s *Scheduler) beginNextCycleLocked(k *keyEntry) {
	if k.next == nil || s.stopped {
		if k.state != model.KeyStateIdle {
			s.transition(k, model.KeyStateIdle)
		}
		return
	}
	ev := *k.next
	k.next = nil
	s.transition(k, model.KeyStateDebouncing)
	k.pending = ev
	k.attempt = 0
	k.lastErr = nil
	k.arrived = time.Now()
	s.pipeline++
	s.startDebounceLocked(k)
}

func (s *Scheduler) scheduleRetryLocked(k *keyEntry, backoff time.Duration) {
	id := k.id
	k.timer = time.AfterFunc(backoff, func() {
		s.retryReady(id)
	})
}

// retryReady re-enqueues a key whose backoff elapsed. Retries skip
// admission for the same reason parked events do.
func (s *Scheduler) retryReady(id keyID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := s.keys[id]
	if k == nil || k.state != model.KeyStateRetrying || s.stopped {
		return
	}
	s.transition(k, model.KeyStateQueued)
	k.enqueued = time.Now()
	s.pipeline++
	s.ready = append(s.ready, k)
	s.wakeDispatcher()
}

// backoff computes backoff_base * 2^(attempt-1) capped at backoff_cap.
func (s *Scheduler) backoff(attempt int) time.Duration {
	ms := s.cfg.Retry.BackoffBaseMs
	for i := 1; i < attempt; i++ {
		ms *= 2
		if ms >= s.cfg.Retry.BackoffCapMs {
			break
		}
	}
	if ms > s.cfg.Retry.BackoffCapMs {
		ms = s.cfg.Retry.BackoffCapMs
	}
	return time.Duration(ms) * time.Millisecond
}

func (s *Scheduler) safeHandle(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log(levelError, "result_handler_panic err=%v", r)
		}
	}()
	fn()
}
