// Package registry indexes the configured agents and routes events to them.
package registry

import (
	"path/filepath"
	"sort"

	"github.com/devsift/sift/internal/model"
)

// Registry is the immutable set of enabled agents, indexed for event
// routing. Built once from a validated config; descriptors never change
// after registration.
type Registry struct {
	agents    map[string]model.AgentDescriptor
	byTrigger map[string][]string // event type -> agent names, sorted
	interval  []string
}

// New indexes the enabled agents from the config. Disabled agents are
// invisible to routing, interval listing, and Get alike.
func New(cfg *model.Config) *Registry {
	r := &Registry{
		agents:    make(map[string]model.AgentDescriptor),
		byTrigger: make(map[string][]string),
	}
	for _, a := range cfg.Agents {
		if !a.Enabled {
			continue
		}
		r.agents[a.Name] = a
		for _, ev := range a.TriggerEvents {
			r.byTrigger[ev] = append(r.byTrigger[ev], a.Name)
		}
		if a.IntervalSec > 0 {
			r.interval = append(r.interval, a.Name)
		}
	}
	for _, names := range r.byTrigger {
		sort.Strings(names)
	}
	sort.Strings(r.interval)
	return r
}

// Match returns the agents triggered by the event, in name order. An agent
// with no file patterns matches every path; otherwise each pattern is tried
// against the cleaned relative path and against its basename.
func (r *Registry) Match(ev model.Event) []model.AgentDescriptor {
	names := r.byTrigger[ev.Type]
	if len(names) == 0 {
		return nil
	}
	var matched []model.AgentDescriptor
	for _, name := range names {
		a := r.agents[name]
		if matchesPath(a.FilePatterns, ev.Path) {
			matched = append(matched, a)
		}
	}
	return matched
}

// Get returns the descriptor registered under name.
func (r *Registry) Get(name string) (model.AgentDescriptor, bool) {
	a, ok := r.agents[name]
	return a, ok
}

// Interval returns the agents that run on a periodic schedule, in name order.
func (r *Registry) Interval() []model.AgentDescriptor {
	out := make([]model.AgentDescriptor, 0, len(r.interval))
	for _, name := range r.interval {
		out = append(out, r.agents[name])
	}
	return out
}

// Names returns every enabled agent name in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len reports the number of enabled agents.
func (r *Registry) Len() int {
	return len(r.agents)
}

func matchesPath(patterns []string, path string) bool {
	if len(patterns) == 0 {
		return true
	}
	if path == "" {
		return false
	}
	cleaned := filepath.Clean(path)
	base := filepath.Base(cleaned)
	for _, pat := range patterns {
		if ok, _ := filepath.Match(pat, cleaned); ok {
			return true
		}
		if ok, _ := filepath.Match(pat, base); ok {
			return true
		}
	}
	return false
}
