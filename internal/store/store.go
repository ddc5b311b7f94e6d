// Package store persists findings in per-tier YAML partitions under
// .sift/context/, with atomic commits, retention, corruption recovery, and a
// derived index regenerated after every commit.
//
// Writers serialize through per-tier mutexes; operations that may touch more
// than one partition acquire them in canonical tier order. Readers never
// lock: the atomic rename in the commit protocol guarantees they see the
// latest committed document.
package store

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/devsift/sift/internal/events"
	"github.com/devsift/sift/internal/lock"
	"github.com/devsift/sift/internal/model"
	"github.com/devsift/sift/internal/score"
)

// ErrNotFound is returned when an id matches no stored finding.
var ErrNotFound = errors.New("finding not found")

// Config bundles the store's location and collaborators.
type Config struct {
	SiftDir   string
	Retention model.RetentionConfig
	Bus       *events.Bus
	Logger    *log.Logger
}

// Store owns the tier partitions and the derived index.
type Store struct {
	siftDir    string
	contextDir string
	retention  model.RetentionConfig
	locks      *lock.MutexMap
	indexMu    sync.Mutex
	rescores   singleflight.Group
	bus        *events.Bus
	logger     *log.Logger

	stored    atomic.Int64
	autoFixed atomic.Int64
	evicted   atomic.Int64
	recovered atomic.Int64
}

// New prepares the context directory. Partition files appear on first commit.
func New(cfg Config) (*Store, error) {
	if cfg.SiftDir == "" {
		return nil, fmt.Errorf("store: sift dir is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	s := &Store{
		siftDir:    cfg.SiftDir,
		contextDir: filepath.Join(cfg.SiftDir, "context"),
		retention:  cfg.Retention,
		locks:      lock.NewMutexMap(),
		bus:        cfg.Bus,
		logger:     logger,
	}
	if err := os.MkdirAll(s.contextDir, 0755); err != nil {
		return nil, fmt.Errorf("create context dir: %w", err)
	}
	return s, nil
}

// Upsert commits a finding into its tier. The id is removed from any other
// partition in the same operation, so a finding lives in exactly one tier.
// Retention runs against the target partition before the commit.
func (s *Store) Upsert(f model.Finding) error {
	if f.ID == "" {
		return fmt.Errorf("upsert: finding id is required")
	}
	if !model.ValidTier(f.Tier) {
		return fmt.Errorf("upsert: invalid tier %q", f.Tier)
	}

	evicted, err := s.commitUpsert(f)
	if err != nil {
		return err
	}

	s.stored.Add(1)
	if f.Tier == model.TierAutoFixed {
		s.autoFixed.Add(1)
	}
	s.publishBus(events.TypeFindingStored, map[string]any{
		"finding_id": f.ID,
		"agent":      f.Agent,
		"path":       f.File,
		"tier":       string(f.Tier),
		"severity":   string(f.Severity),
		"message":    f.Message,
	})
	s.noteEvictions(evicted)

	return s.regenerateIndex()
}

// commitUpsert is the locked portion of Upsert. Removals commit before the
// target partition so a crash mid-operation leaves the id absent or in one
// tier, never in two.
func (s *Store) commitUpsert(f model.Finding) ([]model.Finding, error) {
	keys := tierLockKeys()
	s.locks.LockAll(keys)
	defer s.locks.UnlockAll(keys)

	parts := make(map[model.Tier]*model.Partition, len(model.AllTiers))
	dirty := make(map[model.Tier]bool, len(model.AllTiers))
	for _, t := range model.AllTiers {
		p := s.loadPartitionLocked(t)
		parts[t] = &p
	}

	for _, t := range model.AllTiers {
		p := parts[t]
		idx := findIndexByID(p.Findings, f.ID)
		if idx < 0 {
			continue
		}
		if t == f.Tier {
			p.Findings[idx] = f
		} else {
			p.Findings = append(p.Findings[:idx], p.Findings[idx+1:]...)
		}
		dirty[t] = true
	}
	target := parts[f.Tier]
	if findIndexByID(target.Findings, f.ID) < 0 {
		target.Findings = append(target.Findings, f)
		dirty[f.Tier] = true
	}

	evicted := s.enforceRetention(f.Tier, target)
	if len(evicted) > 0 {
		dirty[f.Tier] = true
	}

	for _, t := range model.AllTiers {
		if t == f.Tier || !dirty[t] {
			continue
		}
		if err := s.commitPartitionLocked(t, parts[t]); err != nil {
			return nil, err
		}
	}
	if dirty[f.Tier] {
		if err := s.commitPartitionLocked(f.Tier, target); err != nil {
			return nil, err
		}
	}
	return evicted, nil
}

// Has reports whether an id is already stored in any tier. Lock-free; the
// daemon uses it to stamp is_new before scoring.
func (s *Store) Has(id string) bool {
	for _, t := range model.AllTiers {
		p, err := s.read(t)
		if err != nil {
			continue
		}
		if findIndexByID(p.Findings, id) >= 0 {
			return true
		}
	}
	return false
}

// Tier returns the committed partition for one tier.
func (s *Store) Tier(t model.Tier) (model.Partition, error) {
	if !model.ValidTier(t) {
		return model.Partition{}, fmt.Errorf("invalid tier %q", t)
	}
	return s.read(t)
}

// Index returns the committed summary index.
func (s *Store) Index() (model.Index, error) {
	return s.readIndex()
}

// MarkSeen flags a finding as seen by the user. Only that field changes.
func (s *Store) MarkSeen(id string) error {
	return s.mutateByID(id, func(f *model.Finding) {
		f.SeenByUser = true
	})
}

// SetDisclosureLevel records how much of the finding has been surfaced.
// Only that field changes.
func (s *Store) SetDisclosureLevel(id string, level int) error {
	if level < 0 {
		return fmt.Errorf("disclosure level must be >= 0, got %d", level)
	}
	return s.mutateByID(id, func(f *model.Finding) {
		f.DisclosureLevel = level
	})
}

// mutateByID locates an id across all partitions under the full lock set and
// applies fn to it in place. The tier never changes here.
func (s *Store) mutateByID(id string, fn func(*model.Finding)) error {
	if id == "" {
		return fmt.Errorf("finding id is required")
	}

	err := func() error {
		keys := tierLockKeys()
		s.locks.LockAll(keys)
		defer s.locks.UnlockAll(keys)

		for _, t := range model.AllTiers {
			p := s.loadPartitionLocked(t)
			idx := findIndexByID(p.Findings, id)
			if idx < 0 {
				continue
			}
			fn(&p.Findings[idx])
			return s.commitPartitionLocked(t, &p)
		}
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}()
	if err != nil {
		return err
	}
	return s.regenerateIndex()
}

// Rescore recomputes score and tier for every stored finding against a new
// workflow context and moves findings between partitions as needed. It
// returns how many findings changed tier. Concurrent identical requests
// collapse into one pass via the context fingerprint.
func (s *Store) Rescore(wc model.WorkflowContext, policy score.Policy) (int, error) {
	v, err, _ := s.rescores.Do(wc.Fingerprint(), func() (any, error) {
		return s.rescoreAll(wc, policy)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (s *Store) rescoreAll(wc model.WorkflowContext, policy score.Policy) (int, error) {
	var evictedAll []model.Finding
	moved, err := func() (int, error) {
		keys := tierLockKeys()
		s.locks.LockAll(keys)
		defer s.locks.UnlockAll(keys)

		parts := make(map[model.Tier]*model.Partition, len(model.AllTiers))
		for _, t := range model.AllTiers {
			p := s.loadPartitionLocked(t)
			parts[t] = &p
		}

		moved := 0
		dirty := make(map[model.Tier]bool, len(model.AllTiers))
		for _, t := range model.AllTiers {
			p := parts[t]
			if len(p.Findings) > 0 {
				dirty[t] = true // scores refresh in place even when nothing moves
			}
			kept := p.Findings[:0]
			for _, f := range p.Findings {
				score.Apply(&f, wc, policy)
				if f.Tier == t {
					kept = append(kept, f)
					continue
				}
				moved++
				dirty[f.Tier] = true
				dest := parts[f.Tier]
				dest.Findings = append(dest.Findings, f)
			}
			p.Findings = kept
		}

		for _, t := range model.AllTiers {
			if !dirty[t] {
				continue
			}
			evictedAll = append(evictedAll, s.enforceRetention(t, parts[t])...)
			if err := s.commitPartitionLocked(t, parts[t]); err != nil {
				return moved, err
			}
		}
		return moved, nil
	}()
	if err != nil {
		return moved, err
	}
	s.noteEvictions(evictedAll)
	if err := s.regenerateIndex(); err != nil {
		return moved, err
	}
	s.logf("INFO", "rescore complete moved=%d fingerprint=%s", moved, wc.Fingerprint())
	return moved, nil
}

// Sweep applies retention to every tier. The daemon runs it periodically so
// age-based eviction happens even on quiet days.
func (s *Store) Sweep() (int, error) {
	var all []model.Finding
	var firstErr error

	for _, t := range model.AllTiers {
		evicted, err := func() ([]model.Finding, error) {
			key := string(t)
			s.locks.Lock(key)
			defer s.locks.Unlock(key)

			p := s.loadPartitionLocked(t)
			evicted := s.enforceRetention(t, &p)
			if len(evicted) == 0 {
				return nil, nil
			}
			return evicted, s.commitPartitionLocked(t, &p)
		}()
		if err != nil && firstErr == nil {
			firstErr = err
		}
		all = append(all, evicted...)
	}

	if len(all) > 0 {
		s.noteEvictions(all)
		if err := s.regenerateIndex(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return len(all), firstErr
}

// Counters snapshots the store-owned metrics counters.
func (s *Store) Counters() model.MetricsCounters {
	return model.MetricsCounters{
		FindingsStored:      int(s.stored.Load()),
		FindingsAutoFixed:   int(s.autoFixed.Load()),
		FindingsEvicted:     int(s.evicted.Load()),
		PartitionsRecovered: int(s.recovered.Load()),
	}
}

// ContextDir returns the directory holding the partition and index files.
func (s *Store) ContextDir() string {
	return s.contextDir
}

func (s *Store) noteEvictions(evicted []model.Finding) {
	for _, f := range evicted {
		s.evicted.Add(1)
		s.logf("INFO", "finding_evicted id=%s tier=%s ts=%s", f.ID, f.Tier, f.Timestamp)
		s.publishBus(events.TypeFindingsEvicted, map[string]any{
			"finding_id": f.ID,
			"agent":      f.Agent,
			"path":       f.File,
			"tier":       string(f.Tier),
		})
	}
}

func (s *Store) publishBus(t events.Type, data map[string]any) {
	if s.bus != nil {
		s.bus.Publish(t, data)
	}
}

func (s *Store) logf(level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.logger.Printf("%s %s store: %s", time.Now().Format(time.RFC3339), level, msg)
}

func findIndexByID(findings []model.Finding, id string) int {
	for i := range findings {
		if findings[i].ID == id {
			return i
		}
	}
	return -1
}

func tierLockKeys() []string {
	keys := make([]string, len(model.AllTiers))
	for i, t := range model.AllTiers {
		keys[i] = string(t)
	}
	return keys
}
