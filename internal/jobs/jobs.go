// Package jobs defines the asynq task types shared by enqueuers and the
// worker.
package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// TaskSweep walks the cache region and evicts expired records.
	TaskSweep = "cache:sweep"

	// TaskWarm bulk-loads keys from the system of record into the cache.
	TaskWarm = "cache:warm"
)

// QueueMaintenance carries sweeps; it outranks the default queue so eviction
// keeps up under load.
const QueueMaintenance = "maintenance"

type SweepPayload struct {
	Reason string `json:"reason,omitempty"`
}

type WarmPayload struct {
	RequestID string   `json:"request_id"`
	Keys      []string `json:"keys"`
	Replace   bool     `json:"replace,omitempty"`
}

// NewSweepTask builds the periodic eviction task.
func NewSweepTask(reason string) (*asynq.Task, error) {
	payload, err := json.Marshal(SweepPayload{Reason: reason})
	if err != nil {
		return nil, fmt.Errorf("marshal sweep payload: %w", err)
	}
	return asynq.NewTask(TaskSweep, payload), nil
}

// NewWarmTask builds a bulk-load task for the given keys.
func NewWarmTask(requestID string, keys []string, replace bool) (*asynq.Task, error) {
	payload, err := json.Marshal(WarmPayload{RequestID: requestID, Keys: keys, Replace: replace})
	if err != nil {
		return nil, fmt.Errorf("marshal warm payload: %w", err)
	}
	return asynq.NewTask(TaskWarm, payload), nil
}
