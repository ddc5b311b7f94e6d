// Package status implements the status CLI command: daemon liveness over the
// socket, tier counts from the partition files.
package status

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/devsift/sift/internal/model"
	"github.com/devsift/sift/internal/uds"
	yamlutil "github.com/devsift/sift/internal/yaml"
)

// Report is the printed status document.
type Report struct {
	Daemon      DaemonStatus `json:"daemon"`
	Mode        string       `json:"mode,omitempty"`
	UptimeSec   int          `json:"uptime_sec,omitempty"`
	Agents      int          `json:"agents,omitempty"`
	Queue       *QueueDepth  `json:"queue,omitempty"`
	Tiers       []TierStatus `json:"tiers"`
	DeadLetters int          `json:"dead_letters"`
}

type DaemonStatus struct {
	Running bool `json:"running"`
	PID     int  `json:"pid,omitempty"`
}

type QueueDepth struct {
	Debouncing int `json:"debouncing"`
	Queued     int `json:"queued"`
	Running    int `json:"running"`
}

type TierStatus struct {
	Name   string `json:"name"`
	Count  int    `json:"count"`
	Unseen int    `json:"unseen"`
}

// liveStatus mirrors the daemon's status response payload.
type liveStatus struct {
	PID         int        `json:"pid"`
	Version     string     `json:"version"`
	Mode        string     `json:"mode"`
	UptimeSec   int        `json:"uptime_sec"`
	QueueDepth  QueueDepth `json:"queue_depth"`
	Agents      int        `json:"agents"`
	DeadLetters int        `json:"dead_letters"`
}

// Run gathers the status and prints it. Tier counts always come from the
// partition files; atomic commits keep them readable whether or not the
// daemon is up.
func Run(siftDir string, jsonOutput bool) error {
	report := Report{
		Tiers: readTierCounts(siftDir),
	}

	sockPath := filepath.Join(siftDir, uds.DefaultSocketName)
	if live, ok := queryDaemon(sockPath); ok {
		report.Daemon = DaemonStatus{Running: true, PID: live.PID}
		report.Mode = live.Mode
		report.UptimeSec = live.UptimeSec
		report.Agents = live.Agents
		report.Queue = &live.QueueDepth
		report.DeadLetters = live.DeadLetters
	} else {
		report.DeadLetters = countDeadLetters(siftDir)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	printReport(report)
	return nil
}

func queryDaemon(sockPath string) (*liveStatus, bool) {
	client := uds.NewClient(sockPath)
	resp, err := client.SendCommand("status", nil)
	if err != nil {
		return nil, false
	}
	var live liveStatus
	if err := uds.DecodeData(resp, &live); err != nil {
		return nil, false
	}
	return &live, true
}

// readTierCounts reads every partition directly. Missing files count as
// empty; corrupt ones are reported and counted as empty, never fatal.
func readTierCounts(siftDir string) []TierStatus {
	tiers := make([]TierStatus, 0, len(model.AllTiers))
	for _, t := range model.AllTiers {
		ts := TierStatus{Name: string(t)}
		path := filepath.Join(siftDir, "context", string(t)+".yaml")

		data, err := os.ReadFile(path)
		if err != nil {
			tiers = append(tiers, ts)
			continue
		}
		if err := yamlutil.ValidateSchemaHeaderFromBytes(data, "context_"+string(t)); err != nil {
			log.Printf("status: invalid schema in %s.yaml: %v", t, err)
			tiers = append(tiers, ts)
			continue
		}
		var p model.Partition
		if err := yaml.Unmarshal(data, &p); err != nil {
			log.Printf("status: failed to parse %s.yaml: %v", t, err)
			tiers = append(tiers, ts)
			continue
		}

		ts.Count = p.Count
		for _, f := range p.Findings {
			if !f.SeenByUser {
				ts.Unseen++
			}
		}
		tiers = append(tiers, ts)
	}
	return tiers
}

// countDeadLetters tallies the record files directly; only the running
// daemon tracks the counter in memory.
func countDeadLetters(siftDir string) int {
	entries, err := os.ReadDir(filepath.Join(siftDir, "dead_letters"))
	if err != nil {
		return 0
	}
	n := 0
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".yaml") {
			n++
		}
	}
	return n
}

func printReport(r Report) {
	// Daemon
	if r.Daemon.Running {
		fmt.Printf("Daemon: running  pid=%d  mode=%s  uptime=%ds  agents=%d\n",
			r.Daemon.PID, r.Mode, r.UptimeSec, r.Agents)
	} else {
		fmt.Println("Daemon: stopped")
	}

	// Queue
	if r.Queue != nil {
		fmt.Printf("\nQueue: debouncing=%d  queued=%d  running=%d\n",
			r.Queue.Debouncing, r.Queue.Queued, r.Queue.Running)
	}

	// Tiers
	fmt.Println("\nFindings:")
	fmt.Printf("  %-12s  %5s  %6s\n", "TIER", "COUNT", "UNSEEN")
	for _, t := range r.Tiers {
		fmt.Printf("  %-12s  %5d  %6d\n", t.Name, t.Count, t.Unseen)
	}

	if r.DeadLetters > 0 {
		fmt.Printf("\nDead letters: %d\n", r.DeadLetters)
	}
}
