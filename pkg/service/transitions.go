// Package service drives systemd units towards a declared state through a
// fixed sequence of primitives per state.
package service

// State is a desired unit state.
type State string

const (
	StateEnabled  State = "enabled"
	StateDisabled State = "disabled"
	StateStarted  State = "started"
	StateStopped  State = "stopped"
	StateMasked   State = "masked"
	StateUnmasked State = "unmasked"
)

// Primitive is a single systemctl verb.
type Primitive string

const (
	Unmask  Primitive = "unmask"
	Mask    Primitive = "mask"
	Enable  Primitive = "enable"
	Disable Primitive = "disable"
	Start   Primitive = "start"
	Stop    Primitive = "stop"
)

// Runtime reports whether the primitive needs a running service manager.
func (p Primitive) Runtime() bool {
	return p == Start || p == Stop
}

// Transitions lists the primitives reaching each state, in order.
var Transitions = map[State][]Primitive{
	StateEnabled:  {Unmask, Enable, Start},
	StateDisabled: {Disable, Stop},
	StateStarted:  {Start},
	StateStopped:  {Stop},
	StateMasked:   {Mask, Stop},
	StateUnmasked: {Unmask, Start},
}

// UnitState is the observed state of a unit.
type UnitState struct {
	Active  bool `json:"active"`
	Enabled bool `json:"enabled"`
	Masked  bool `json:"masked"`
}

// Satisfies reports whether the unit already reflects the primitive.
func (s UnitState) Satisfies(p Primitive) bool {
	switch p {
	case Unmask:
		return !s.Masked
	case Mask:
		return s.Masked
	case Enable:
		return s.Enabled
	case Disable:
		return !s.Enabled
	case Start:
		return s.Active
	case Stop:
		return !s.Active
	default:
		return false
	}
}

// After returns the state the unit is in once p has run.
func (s UnitState) After(p Primitive) UnitState {
	switch p {
	case Unmask:
		s.Masked = false
	case Mask:
		s.Masked = true
		s.Enabled = false
	case Enable:
		s.Enabled = true
	case Disable:
		s.Enabled = false
	case Start:
		s.Active = true
	case Stop:
		s.Active = false
	}
	return s
}

// StepAction is what a planned step does.
type StepAction string

const (
	ActionRun  StepAction = "run"
	ActionNoop StepAction = "noop"
	ActionSkip StepAction = "skip"
)

// Step is one planned primitive for a unit.
type Step struct {
	Unit      string
	Primitive Primitive
	Action    StepAction
	Reason    string
}

// Plan expands a desired state into steps for one unit. Primitives the unit
// already satisfies become no-ops. With headless set, start and stop are
// skipped. For StateUnmasked the start only runs when wasActive is true.
func Plan(desired State, unit string, observed UnitState, wasActive, headless bool) []Step {
	primitives := Transitions[desired]
	steps := make([]Step, 0, len(primitives))
	current := observed

	for _, p := range primitives {
		step := Step{Unit: unit, Primitive: p, Action: ActionRun}

		switch {
		case headless && p.Runtime():
			step.Action = ActionSkip
			step.Reason = "headless"
		case desired == StateUnmasked && p == Start && !wasActive:
			step.Action = ActionSkip
			step.Reason = "inactive before masking"
		case current.Satisfies(p):
			step.Action = ActionNoop
		default:
			current = current.After(p)
		}

		steps = append(steps, step)
	}
	return steps
}
