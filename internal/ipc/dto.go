package ipc

import (
	"time"

	"github.com/opspm/opspm/internal/registry"
	"github.com/opspm/opspm/internal/supervisor"
)

// InstanceView is the wire rendering of supervisor.Snapshot: ExitErr is
// flattened to a string since error values don't round-trip through
// JSON, and Sample is flattened to its two headline gauges rather than
// carrying the full sampler.Sample shape.
type InstanceView struct {
	Index         int       `json:"index"`
	State         string    `json:"state"`
	PID           int       `json:"pid,omitempty"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	StoppedAt     time.Time `json:"stopped_at,omitempty"`
	Restarts      int       `json:"restarts"`
	TotalRestarts int       `json:"total_restarts"`
	ExitErr       string    `json:"exit_err,omitempty"`
	LastSignal    string    `json:"last_signal,omitempty"`
	Health        string    `json:"health"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryMB      float64   `json:"memory_mb"`
}

// EntryView is the wire rendering of registry.Summary.
type EntryView struct {
	ID        int64          `json:"id"`
	Name      string         `json:"name"`
	Tags      []string       `json:"tags,omitempty"`
	Instances []InstanceView `json:"instances"`
}

// EventView is the wire rendering of supervisor.Event; Payload is dropped
// since its Go type varies by Kind and isn't meant for wire consumption —
// a client that needs the detail calls Show after observing the event.
type EventView struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

func toInstanceView(s supervisor.Snapshot) InstanceView {
	v := InstanceView{
		Index:         s.Index,
		State:         string(s.State),
		PID:           s.PID,
		StartedAt:     s.StartedAt,
		StoppedAt:     s.StoppedAt,
		Restarts:      s.Restarts,
		TotalRestarts: s.TotalRestarts,
		LastSignal:    s.LastSignal,
		Health:        string(s.Health),
		CPUPercent:    s.Sample.CPUPercent,
		MemoryMB:      s.Sample.MemoryMB,
	}
	if s.ExitErr != nil {
		v.ExitErr = s.ExitErr.Error()
	}
	return v
}

func toEntryView(sm registry.Summary) EntryView {
	v := EntryView{ID: sm.ID, Name: sm.Name, Tags: sm.Tags}
	for _, inst := range sm.Instances {
		v.Instances = append(v.Instances, toInstanceView(inst))
	}
	return v
}

func toEntryViews(list []registry.Summary) []EntryView {
	out := make([]EntryView, 0, len(list))
	for _, sm := range list {
		out = append(out, toEntryView(sm))
	}
	return out
}

func toEventView(ev supervisor.Event) EventView {
	return EventView{ID: ev.ID, Kind: string(ev.Kind), Timestamp: ev.Timestamp}
}
