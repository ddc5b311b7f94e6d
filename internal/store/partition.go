package store

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/devsift/sift/internal/events"
	"github.com/devsift/sift/internal/model"
	yamlutil "github.com/devsift/sift/internal/yaml"
)

const indexFileName = "index.yaml"

func (s *Store) partitionPath(t model.Tier) string {
	return filepath.Join(s.contextDir, string(t)+".yaml")
}

func (s *Store) indexPath() string {
	return filepath.Join(s.contextDir, indexFileName)
}

func partitionFileType(t model.Tier) string {
	return "context_" + string(t)
}

// loadPartitionLocked reads one partition under its tier lock. A missing
// file is an empty partition; a corrupt one is quarantined, restored from
// backup or reinitialized, and reported once.
func (s *Store) loadPartitionLocked(t model.Tier) model.Partition {
	path := s.partitionPath(t)
	p, err := decodePartition(path, partitionFileType(t))
	if err == nil {
		return p
	}
	if os.IsNotExist(err) {
		return emptyPartition(t)
	}

	s.logf("WARN", "partition %s corrupt, recovering: %v", t, err)
	if rerr := yamlutil.RecoverCorruptedFile(s.siftDir, path, partitionFileType(t)); rerr != nil {
		s.logf("ERROR", "partition %s recovery failed: %v", t, rerr)
		return emptyPartition(t)
	}
	s.recovered.Add(1)
	s.publishBus(events.TypePartitionRecovered, map[string]any{
		"tier": string(t),
		"path": path,
	})

	p, err = decodePartition(path, partitionFileType(t))
	if err != nil {
		return emptyPartition(t)
	}
	return p
}

// read is the lock-free read path. Only when the committed file is corrupt
// does it fall back to the locked loader, which recovers in place.
func (s *Store) read(t model.Tier) (model.Partition, error) {
	p, err := decodePartition(s.partitionPath(t), partitionFileType(t))
	if err == nil {
		return p, nil
	}
	if os.IsNotExist(err) {
		return emptyPartition(t), nil
	}

	key := string(t)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)
	return s.loadPartitionLocked(t), nil
}

// readIndex returns the committed index, rebuilding it from the partitions
// when it is missing or unreadable.
func (s *Store) readIndex() (model.Index, error) {
	idx, err := decodeIndex(s.indexPath())
	if err == nil {
		return idx, nil
	}
	if !os.IsNotExist(err) {
		s.logf("WARN", "index unreadable, regenerating: %v", err)
	}
	if rerr := s.regenerateIndex(); rerr != nil {
		return model.Index{}, rerr
	}
	return decodeIndex(s.indexPath())
}

func decodeIndex(path string) (model.Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Index{}, err
	}
	if err := yamlutil.ValidateSchemaHeaderFromBytes(data, "context_index"); err != nil {
		return model.Index{}, err
	}
	var idx model.Index
	if err := yamlv3.Unmarshal(data, &idx); err != nil {
		return model.Index{}, err
	}
	return idx, nil
}

func decodePartition(path, fileType string) (model.Partition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Partition{}, err
	}
	if err := yamlutil.ValidateSchemaHeaderFromBytes(data, fileType); err != nil {
		return model.Partition{}, err
	}
	var p model.Partition
	if err := yamlv3.Unmarshal(data, &p); err != nil {
		return model.Partition{}, err
	}
	return p, nil
}

func emptyPartition(t model.Tier) model.Partition {
	return model.Partition{
		SchemaVersion:     yamlutil.CurrentSchemaVersion,
		FileType:          partitionFileType(t),
		SeverityBreakdown: map[string]int{},
		Findings:          []model.Finding{},
	}
}

// commitPartitionLocked stamps the derived fields, restores canonical order,
// and writes atomically. Callers hold the tier lock.
func (s *Store) commitPartitionLocked(t model.Tier, p *model.Partition) error {
	sortFindings(p.Findings)
	p.SchemaVersion = yamlutil.CurrentSchemaVersion
	p.FileType = partitionFileType(t)
	p.Count = len(p.Findings)
	p.LastUpdated = time.Now().UTC().Format(time.RFC3339)
	p.SeverityBreakdown = severityBreakdown(p.Findings)
	return yamlutil.AtomicWrite(s.partitionPath(t), p)
}

// sortFindings orders newest-first by timestamp, ties broken by id, so every
// committed partition is deterministic for a given content set.
func sortFindings(findings []model.Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Timestamp != findings[j].Timestamp {
			return findings[i].Timestamp > findings[j].Timestamp
		}
		return findings[i].ID < findings[j].ID
	})
}

func severityBreakdown(findings []model.Finding) map[string]int {
	breakdown := make(map[string]int)
	for _, f := range findings {
		breakdown[string(f.Severity)]++
	}
	return breakdown
}

// enforceRetention drops findings past the tier's max_age and then trims to
// max_count, oldest first. Blocking findings are never evicted.
func (s *Store) enforceRetention(t model.Tier, p *model.Partition) []model.Finding {
	ret := s.retention.ForTier(t)
	var evicted []model.Finding

	maxAge, err := ret.MaxAgeDuration()
	if err == nil && maxAge > 0 {
		cutoff := time.Now().UTC().Add(-maxAge)
		kept := p.Findings[:0]
		for _, f := range p.Findings {
			if !f.Blocking && olderThan(f.Timestamp, cutoff) {
				evicted = append(evicted, f)
				continue
			}
			kept = append(kept, f)
		}
		p.Findings = kept
	}

	if ret.MaxCount > 0 && len(p.Findings) > ret.MaxCount {
		sortFindings(p.Findings)
		// work from the oldest end; blocking findings stay put
		excess := len(p.Findings) - ret.MaxCount
		kept := make([]model.Finding, 0, ret.MaxCount)
		for i := len(p.Findings) - 1; i >= 0; i-- {
			f := p.Findings[i]
			if excess > 0 && !f.Blocking {
				evicted = append(evicted, f)
				excess--
				continue
			}
			kept = append(kept, f)
		}
		// kept was built oldest-first; restore canonical order
		sortFindings(kept)
		p.Findings = kept
	}

	return evicted
}

func olderThan(timestamp string, cutoff time.Time) bool {
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		// unparseable timestamps are never age-evicted; the count cap
		// still bounds them
		return false
	}
	return ts.Before(cutoff)
}
