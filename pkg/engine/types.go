package engine

import (
	"errors"
	"time"
)

// Status is the outcome reported for one target, one primitive, or one
// whole plugin invocation.
type Status string

const (
	// StatusCreated indicates the object did not exist and was created.
	StatusCreated Status = "created"

	// StatusUpdated indicates the object existed and was modified.
	StatusUpdated Status = "updated"

	// StatusUnchanged indicates observed state already matched desired state.
	StatusUnchanged Status = "unchanged"

	// StatusSkipped indicates a guard prevented any work (e.g. missing
	// persistence keys, satisfied creates paths, headless runtime ops).
	StatusSkipped Status = "skipped"

	// StatusFailed indicates the operation failed.
	StatusFailed Status = "failed"
)

// IsChange reports whether the status represents a mutation.
func (s Status) IsChange() bool {
	return s == StatusCreated || s == StatusUpdated
}

// ItemResult reports a single primitive operation within an invocation.
type ItemResult struct {
	// Name is the primitive name (e.g. "wipe", "content", "enable").
	Name string `json:"name"`

	// Target identifies what the primitive acted on (path, unit, key).
	Target string `json:"target"`

	// Status is the outcome of the primitive.
	Status Status `json:"status"`

	// Message is an optional human-readable detail.
	Message string `json:"message,omitempty"`

	// Error is set when Status is failed.
	Error *EngineError `json:"error,omitempty"`
}

// Result is the structured output of a single plugin invocation.
type Result struct {
	// Plugin is the plugin that produced this result (e.g. "files.install").
	Plugin string `json:"plugin"`

	// Changed is true when any primitive mutated managed state.
	Changed bool `json:"changed"`

	// Status is the aggregate status of the invocation.
	Status Status `json:"status"`

	// Facts carries resolved values needed by later tasks.
	Facts map[string]interface{} `json:"facts,omitempty"`

	// Items lists every primitive in execution order.
	Items []ItemResult `json:"items,omitempty"`

	// Error is the first hard failure, if any.
	Error *EngineError `json:"error,omitempty"`

	// Message is an optional summary (e.g. why the invocation was skipped).
	Message string `json:"message,omitempty"`

	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}

// NewResult starts a result for the named plugin.
func NewResult(plugin string) *Result {
	return &Result{
		Plugin:    plugin,
		StartedAt: time.Now().UTC(),
	}
}

// Record appends a primitive outcome and folds it into the aggregate.
func (r *Result) Record(item ItemResult) {
	r.Items = append(r.Items, item)
	if item.Status.IsChange() {
		r.Changed = true
	}
	if item.Status == StatusFailed && r.Error == nil {
		r.Error = item.Error
	}
}

// SetFact stores a value for downstream tasks.
func (r *Result) SetFact(key string, value interface{}) {
	if r.Facts == nil {
		r.Facts = make(map[string]interface{})
	}
	r.Facts[key] = value
}

// Skip marks the whole invocation as skipped.
func (r *Result) Skip(message string) *Result {
	r.Status = StatusSkipped
	r.Message = message
	return r.Finish()
}

// Fail records err as the invocation's hard failure. Unclassified errors are
// wrapped as transport failures since they originate from I/O.
func (r *Result) Fail(err error) *Result {
	var e *EngineError
	if !errors.As(err, &e) {
		e = NewTransportError("operation failed", err)
	}
	if r.Error == nil {
		r.Error = e
	}
	r.Status = StatusFailed
	return r.Finish()
}

// Finish computes the aggregate status when none was forced and stamps
// completion times.
func (r *Result) Finish() *Result {
	if r.Status == "" {
		r.Status = r.aggregate()
	}
	r.CompletedAt = time.Now().UTC()
	r.Duration = r.CompletedAt.Sub(r.StartedAt)
	return r
}

// Err returns the hard failure as an error, or nil.
func (r *Result) Err() error {
	if r.Error == nil {
		return nil
	}
	return r.Error
}

func (r *Result) aggregate() Status {
	if r.Error != nil {
		return StatusFailed
	}
	if !r.Changed {
		return StatusUnchanged
	}
	for _, item := range r.Items {
		if item.Status == StatusUpdated {
			return StatusUpdated
		}
	}
	return StatusCreated
}

// Change represents a single difference between observed and desired state.
type Change struct {
	// Path identifies the changed element (e.g. a parameter name or key).
	Path string `json:"path"`

	// Before is the value before the change.
	Before interface{} `json:"before,omitempty"`

	// After is the value after the change.
	After interface{} `json:"after,omitempty"`

	// Action describes the change action (add, remove, modify).
	Action ChangeAction `json:"action"`
}

// ChangeAction represents the type of change being made.
type ChangeAction string

const (
	// ChangeActionAdd indicates a new element is being added.
	ChangeActionAdd ChangeAction = "add"

	// ChangeActionRemove indicates an element is being removed.
	ChangeActionRemove ChangeAction = "remove"

	// ChangeActionModify indicates an element value is being changed.
	ChangeActionModify ChangeAction = "modify"
)
