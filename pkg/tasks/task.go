package tasks

import (
	"encoding/json"
	"fmt"
)

// Cost is the capacity a task consumes at admission.
// Every task costs one request unit; token units come from the estimator.
type Cost struct {
	RequestUnits int `json:"request_units"`
	TokenUnits   int `json:"token_units"`
}

// NewCost returns the cost of a single request estimated at tokens token units.
func NewCost(tokens int) Cost {
	return Cost{RequestUnits: 1, TokenUnits: tokens}
}

// State is the lifecycle position of a Task.
type State string

const (
	StateQueued    State = "queued"
	StateAdmitted  State = "admitted"
	StateInFlight  State = "in_flight"
	StateSucceeded State = "succeeded"
	StateRetrying  State = "retrying"
	StateAbandoned State = "abandoned"
)

func (s State) String() string {
	return string(s)
}

// Transition is an allowed edge of the task lifecycle.
type Transition struct {
	From State
	To   State
}

// ValidTransitions lists every edge a task may take.
// Queued tasks that exceed capacity are abandoned without being admitted.
var ValidTransitions = []Transition{
	{From: StateQueued, To: StateAdmitted},
	{From: StateQueued, To: StateAbandoned},
	{From: StateAdmitted, To: StateInFlight},
	{From: StateInFlight, To: StateSucceeded},
	{From: StateInFlight, To: StateRetrying},
	{From: StateInFlight, To: StateAbandoned},
	{From: StateRetrying, To: StateAdmitted},
}

// IsValidTransition reports whether a task may move from one state to another.
func IsValidTransition(from, to State) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// Task is a request that has entered the run.
//
// A Task is owned by the dispatcher goroutine. The call goroutine only reads
// Payload; every other field is mutated on the control loop.
type Task struct {
	// TaskID is a run-local sequence number for logs. It is unrelated to Identifier.
	TaskID int64

	Identifier    Identifier
	Payload       json.RawMessage
	AssociatedRow json.RawMessage

	// Cost is computed once when the task is created.
	Cost Cost

	// AttemptsLeft is decremented each time the task is dispatched.
	// A task at zero is never dispatched again.
	AttemptsLeft int

	// Errors holds one message per failed attempt, oldest first.
	Errors []string

	State State
}

// NewTask builds a queued task from a pending request.
func NewTask(taskID int64, req *PendingRequest, cost Cost, maxAttempts int) *Task {
	return &Task{
		TaskID:        taskID,
		Identifier:    req.Identifier,
		Payload:       req.Payload,
		AssociatedRow: req.AssociatedRow,
		Cost:          cost,
		AttemptsLeft:  maxAttempts,
		State:         StateQueued,
	}
}

// MoveTo advances the task along a valid edge.
func (t *Task) MoveTo(to State) error {
	if !IsValidTransition(t.State, to) {
		return fmt.Errorf("task %d: invalid transition %s -> %s", t.TaskID, t.State, to)
	}
	t.State = to
	return nil
}

// Dispatch consumes one attempt. It fails when no attempt is left.
func (t *Task) Dispatch() error {
	if t.AttemptsLeft <= 0 {
		return fmt.Errorf("task %d: no attempts left", t.TaskID)
	}
	t.AttemptsLeft--
	return nil
}

// RecordError appends the message of a failed attempt.
func (t *Task) RecordError(err error) {
	t.Errors = append(t.Errors, err.Error())
}

// CanRetry reports whether the task still has attempts.
func (t *Task) CanRetry() bool {
	return t.AttemptsLeft > 0
}
