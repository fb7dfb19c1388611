package tasks

import (
	"encoding/json"
	"errors"
)

// Outcome is the terminal record of one identifier, written once to the checkpoint.
// Exactly one of Response and Errors is set.
type Outcome struct {
	Identifier    Identifier      `json:"identifier"`
	AssociatedRow json.RawMessage `json:"associated_row,omitempty"`
	Request       json.RawMessage `json:"request,omitempty"`
	Response      json.RawMessage `json:"response,omitempty"`
	Errors        []string        `json:"errors,omitempty"`
}

// Failed reports whether the outcome records a terminal failure.
func (o Outcome) Failed() bool {
	return len(o.Errors) > 0
}

// Validate checks the one-of invariant.
func (o Outcome) Validate() error {
	if len(o.Identifier) == 0 {
		return ErrInvalidIdentifier
	}
	hasResponse := len(o.Response) > 0 && string(o.Response) != "null"
	if hasResponse == o.Failed() {
		return errors.New("outcome must carry exactly one of response or errors")
	}
	return nil
}

// Succeeded builds the outcome of a task whose call returned body.
func Succeeded(t *Task, body json.RawMessage) Outcome {
	return Outcome{
		Identifier:    t.Identifier,
		AssociatedRow: t.AssociatedRow,
		Request:       t.Payload,
		Response:      body,
	}
}

// Abandoned builds the outcome of a task that ran out of attempts.
func Abandoned(t *Task) Outcome {
	errs := t.Errors
	if len(errs) == 0 {
		errs = []string{"abandoned without a recorded error"}
	}
	return Outcome{
		Identifier:    t.Identifier,
		AssociatedRow: t.AssociatedRow,
		Request:       t.Payload,
		Errors:        append([]string(nil), errs...),
	}
}
