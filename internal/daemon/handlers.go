package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/devsift/sift/internal/events"
	"github.com/devsift/sift/internal/model"
	"github.com/devsift/sift/internal/scheduler"
	"github.com/devsift/sift/internal/score"
	"github.com/devsift/sift/internal/store"
	"github.com/devsift/sift/internal/uds"
)

// PingData is the response payload for the ping UDS command.
type PingData struct {
	PID       int    `json:"pid"`
	Version   string `json:"version"`
	StartedAt string `json:"started_at"`
}

// StatusData is the response payload for the status UDS command.
type StatusData struct {
	PID         int              `json:"pid"`
	Version     string           `json:"version"`
	Mode        string           `json:"mode"`
	UptimeSec   int              `json:"uptime_sec"`
	QueueDepth  model.QueueDepth `json:"queue_depth"`
	Tiers       map[string]int   `json:"tiers"`
	Agents      int              `json:"agents"`
	DeadLetters int              `json:"dead_letters"`
}

// PublishParams is the request payload for the publish UDS command.
type PublishParams struct {
	Type    string            `json:"type"`
	Path    string            `json:"path,omitempty"`
	Payload map[string]string `json:"payload,omitempty"`
}

// GetTierParams is the request payload for the get_tier UDS command.
type GetTierParams struct {
	Tier string `json:"tier"`
}

// MarkSeenParams is the request payload for the mark_seen UDS command.
type MarkSeenParams struct {
	FindingID string `json:"finding_id"`
}

// SetDisclosureParams is the request payload for the set_disclosure UDS command.
type SetDisclosureParams struct {
	FindingID string `json:"finding_id"`
	Level     int    `json:"level"`
}

// SetContextParams is the request payload for the set_context UDS command.
type SetContextParams struct {
	Editing           []string `json:"editing,omitempty"`
	Related           []string `json:"related,omitempty"`
	Phase             string   `json:"phase,omitempty"`
	RequestCategories []string `json:"request_categories,omitempty"`
	InActiveCoding    bool     `json:"in_active_coding,omitempty"`
}

// CancelParams is the request payload for the cancel UDS command.
type CancelParams struct {
	Agent string `json:"agent"`
	Path  string `json:"path"`
}

// RescoreData is the response payload for the rescore UDS command.
type RescoreData struct {
	Moved int `json:"moved"`
	Total int `json:"total"`
}

// registerHandlers registers UDS request handlers.
func (d *Daemon) registerHandlers() {
	d.server.Handle("ping", d.handlePing)
	d.server.Handle("status", d.handleStatus)
	d.server.Handle("publish", d.handlePublish)
	d.server.Handle("get_tier", d.handleGetTier)
	d.server.Handle("get_index", d.handleGetIndex)
	d.server.Handle("mark_seen", d.handleMarkSeen)
	d.server.Handle("set_disclosure", d.handleSetDisclosure)
	d.server.Handle("set_context", d.handleSetContext)
	d.server.Handle("cancel", d.handleCancel)
	d.server.Handle("rescore", d.handleRescore)
	d.server.Handle("shutdown", d.handleShutdown)
}

func (d *Daemon) handlePing(req *uds.Request) *uds.Response {
	return uds.SuccessResponse(PingData{
		PID:       os.Getpid(),
		Version:   Version,
		StartedAt: d.started.UTC().Format(time.RFC3339),
	})
}

func (d *Daemon) handleStatus(req *uds.Request) *uds.Response {
	tiers := make(map[string]int, len(model.AllTiers))
	for _, t := range model.AllTiers {
		p, err := d.store.Tier(t)
		if err != nil {
			return uds.ErrorResponse(uds.ErrCodeInternal, fmt.Sprintf("read tier %s: %v", t, err))
		}
		tiers[string(t)] = p.Count
	}

	return uds.SuccessResponse(StatusData{
		PID:         os.Getpid(),
		Version:     Version,
		Mode:        d.config.Daemon.Mode,
		UptimeSec:   int(time.Since(d.started).Seconds()),
		QueueDepth:  d.sched.Depths(),
		Tiers:       tiers,
		Agents:      d.registry.Len(),
		DeadLetters: d.letters.Count(),
	})
}

func (d *Daemon) handlePublish(req *uds.Request) *uds.Response {
	var params PublishParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
	}

	if !model.ValidEventType(params.Type) {
		return uds.ErrorResponse(uds.ErrCodeValidation,
			fmt.Sprintf("invalid event type: %q, must be file_saved|file_removed|interval", params.Type))
	}
	if params.Type != model.EventInterval && params.Path == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "path is required for file events")
	}

	ev := model.Event{
		Type:      params.Type,
		Path:      params.Path,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   params.Payload,
	}
	if ev.Type == model.EventFileSaved {
		d.tracker.FileTouched(ev.Path)
	}

	if err := d.sched.Publish(ev); err != nil {
		switch {
		case errors.Is(err, scheduler.ErrBackpressure):
			return uds.ErrorResponse(uds.ErrCodeBackpressure, err.Error())
		case errors.Is(err, scheduler.ErrStopped):
			return uds.ErrorResponse(uds.ErrCodeShuttingDown, err.Error())
		default:
			return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
		}
	}

	d.log(LogLevelDebug, "publish accepted type=%s path=%s", params.Type, params.Path)
	return uds.SuccessResponse(map[string]bool{"accepted": true})
}

func (d *Daemon) handleGetTier(req *uds.Request) *uds.Response {
	var params GetTierParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
	}

	tier := model.Tier(params.Tier)
	if !model.ValidTier(tier) {
		return uds.ErrorResponse(uds.ErrCodeValidation,
			fmt.Sprintf("invalid tier: %q, must be immediate|relevant|background|auto_fixed", params.Tier))
	}

	p, err := d.store.Tier(tier)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, fmt.Sprintf("read tier %s: %v", tier, err))
	}
	return uds.SuccessResponse(p)
}

func (d *Daemon) handleGetIndex(req *uds.Request) *uds.Response {
	idx, err := d.store.Index()
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, fmt.Sprintf("read index: %v", err))
	}
	return uds.SuccessResponse(idx)
}

func (d *Daemon) handleMarkSeen(req *uds.Request) *uds.Response {
	var params MarkSeenParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
	}
	if params.FindingID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "finding_id is required")
	}

	if err := d.store.MarkSeen(params.FindingID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return uds.ErrorResponse(uds.ErrCodeNotFound,
				fmt.Sprintf("finding %s not found", params.FindingID))
		}
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}

	d.log(LogLevelInfo, "mark_seen id=%s", params.FindingID)
	return uds.SuccessResponse(map[string]bool{"updated": true})
}

func (d *Daemon) handleSetDisclosure(req *uds.Request) *uds.Response {
	var params SetDisclosureParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
	}
	if params.FindingID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "finding_id is required")
	}
	if params.Level < 0 {
		return uds.ErrorResponse(uds.ErrCodeValidation,
			fmt.Sprintf("level must be >= 0, got %d", params.Level))
	}

	if err := d.store.SetDisclosureLevel(params.FindingID, params.Level); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return uds.ErrorResponse(uds.ErrCodeNotFound,
				fmt.Sprintf("finding %s not found", params.FindingID))
		}
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}

	d.log(LogLevelInfo, "set_disclosure id=%s level=%d", params.FindingID, params.Level)
	return uds.SuccessResponse(map[string]bool{"updated": true})
}

func (d *Daemon) handleSetContext(req *uds.Request) *uds.Response {
	var params SetContextParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
	}

	phase := model.Phase(params.Phase)
	if params.Phase != "" && !model.ValidPhase(phase) {
		return uds.ErrorResponse(uds.ErrCodeValidation,
			fmt.Sprintf("invalid phase: %q", params.Phase))
	}

	d.tracker.SetContext(params.Editing, params.Related, phase, params.RequestCategories, params.InActiveCoding)
	d.bus.Publish(events.TypeContextUpdated, map[string]any{
		"phase":       params.Phase,
		"editing":     len(params.Editing),
		"categories":  len(params.RequestCategories),
		"active":      params.InActiveCoding,
		"fingerprint": d.tracker.Snapshot().Fingerprint(),
	})

	d.log(LogLevelInfo, "set_context phase=%s editing=%d active=%t",
		params.Phase, len(params.Editing), params.InActiveCoding)
	return uds.SuccessResponse(map[string]bool{"updated": true})
}

func (d *Daemon) handleCancel(req *uds.Request) *uds.Response {
	var params CancelParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
	}
	if params.Agent == "" || params.Path == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "agent and path are required")
	}

	cancelled := d.sched.Cancel(params.Agent, params.Path)
	d.log(LogLevelInfo, "cancel agent=%s path=%s cancelled=%t", params.Agent, params.Path, cancelled)
	return uds.SuccessResponse(map[string]bool{"cancelled": cancelled})
}

func (d *Daemon) handleRescore(req *uds.Request) *uds.Response {
	wc := d.tracker.Snapshot()
	moved, err := d.store.Rescore(wc, score.PolicyFrom(&d.config))
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, fmt.Sprintf("rescore: %v", err))
	}

	total := 0
	for _, t := range model.AllTiers {
		if p, err := d.store.Tier(t); err == nil {
			total += p.Count
		}
	}

	d.log(LogLevelInfo, "rescore moved=%d total=%d", moved, total)
	return uds.SuccessResponse(RescoreData{Moved: moved, Total: total})
}

func (d *Daemon) handleShutdown(req *uds.Request) *uds.Response {
	d.log(LogLevelInfo, "shutdown requested via UDS")
	go d.Shutdown()
	return uds.SuccessResponse(map[string]string{"status": "shutting_down"})
}
