// Package events provides the run event stream: lifecycle, periodic
// snapshots, worker reconnects, and mock-node faults.
package events

import "time"

// EventType represents the type of event
type EventType string

const (
	// EventRunStart is emitted once all workers have been spawned
	EventRunStart EventType = "run_start"
	// EventSnapshot is emitted on every reporting interval
	EventSnapshot EventType = "snapshot"
	// EventRunComplete is emitted with the final summary
	EventRunComplete EventType = "run_complete"
	// EventWorkerReconnect is emitted when a worker re-establishes a connection
	EventWorkerReconnect EventType = "worker_reconnect"
	// EventWorkerFailed is emitted when a worker exhausts its retry budget
	EventWorkerFailed EventType = "worker_failed"
	// EventNodeFault is emitted when a fault is injected into a mock node
	EventNodeFault EventType = "node_fault"
	// EventNodeRecovered is emitted when a faulted mock node is healed
	EventNodeRecovered EventType = "node_recovered"
)

// FaultType represents the kind of fault injected into a mock node
type FaultType string

const (
	FaultDrop    FaultType = "drop"
	FaultSuspend FaultType = "suspend"
	FaultDelay   FaultType = "delay"
	FaultKill    FaultType = "kill"
)

// Event represents a run event
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
	Data      EventData `json:"data,omitempty"`
}

// EventData contains event-specific data
type EventData struct {
	RunID   string    `json:"run_id,omitempty"`
	Fault   FaultType `json:"fault,omitempty"`
	Delay   string    `json:"delay,omitempty"`
	Attempt int       `json:"attempt,omitempty"`
	Error   string    `json:"error,omitempty"`
	Payload any       `json:"payload,omitempty"`
}

func newEvent(t EventType, source string, data EventData) Event {
	return Event{
		Type:      t,
		Timestamp: time.Now(),
		Source:    source,
		Data:      data,
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// NewRunStartEvent creates a run start event
func NewRunStartEvent(runID string, workers int) Event {
	return newEvent(EventRunStart, "", EventData{RunID: runID, Payload: map[string]int{"workers": workers}})
}

// NewSnapshotEvent creates a snapshot event carrying interval statistics
func NewSnapshotEvent(runID string, snapshot any) Event {
	return newEvent(EventSnapshot, "", EventData{RunID: runID, Payload: snapshot})
}

// NewRunCompleteEvent creates a run complete event carrying the final summary
func NewRunCompleteEvent(runID string, summary any, err error) Event {
	return newEvent(EventRunComplete, "", EventData{RunID: runID, Payload: summary, Error: errString(err)})
}

// NewWorkerReconnectEvent creates a worker reconnect event
func NewWorkerReconnectEvent(workerID string, attempt int) Event {
	return newEvent(EventWorkerReconnect, workerID, EventData{Attempt: attempt})
}

// NewWorkerFailedEvent creates a worker failure event
func NewWorkerFailedEvent(workerID string, err error) Event {
	return newEvent(EventWorkerFailed, workerID, EventData{Error: errString(err)})
}

// NewNodeFaultEvent creates a node fault event
func NewNodeFaultEvent(nodeID string, fault FaultType) Event {
	return newEvent(EventNodeFault, nodeID, EventData{Fault: fault})
}

// NewNodeDelayEvent creates a node fault event for delay injection
func NewNodeDelayEvent(nodeID string, delay time.Duration) Event {
	return newEvent(EventNodeFault, nodeID, EventData{Fault: FaultDelay, Delay: delay.String()})
}

// NewNodeRecoveredEvent creates a node recovered event
func NewNodeRecoveredEvent(nodeID string, attempt int, err error) Event {
	return newEvent(EventNodeRecovered, nodeID, EventData{Attempt: attempt, Error: errString(err)})
}
