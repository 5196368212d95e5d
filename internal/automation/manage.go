package automation

import (
	"github.com/alphabill-org/automaton/internal/types"
)

// Settings lists the fields Update may change, nil fields are left as is.
type Settings struct {
	_            struct{}             `cbor:",toarray"`
	Name         *string              `json:"name,omitempty"`
	Fee          *uint64              `json:"fee,omitempty"`
	Instructions []*types.Instruction `json:"instructions,omitempty"`
	RateLimit    *uint64              `json:"rateLimit,omitempty"`
	Trigger      *taggedUnion         `cbor:"trigger" json:"-"`
}

// SetTrigger sets the replacement trigger.
func (s *Settings) SetTrigger(t Trigger) error {
	tu, err := encodeTrigger(t)
	if err != nil {
		return err
	}
	s.Trigger = tu
	return nil
}

// New validates the arguments and returns idle automation.
func New(authority types.Address, id []byte, name string, now types.Clock, instructions []*types.Instruction, trigger Trigger, rateLimit, fee uint64) (*Automation, error) {
	if len(id) == 0 || len(id) > MaxIDLength {
		return nil, newError(InvalidAutomationState, "id length must be between 1 and %d bytes, got %d", MaxIDLength, len(id))
	}
	if len(name) > MaxNameLength {
		return nil, newError(InvalidAutomationState, "name longer than %d bytes", MaxNameLength)
	}
	if trigger == nil {
		return nil, newError(InvalidAutomationState, "trigger is required")
	}
	if err := trigger.Validate(); err != nil {
		return nil, err
	}
	if err := validateInstructions(instructions); err != nil {
		return nil, err
	}
	if rateLimit == 0 {
		rateLimit = DefaultRateLimit
	}
	return &Automation{
		Authority:    authority,
		ID:           append([]byte{}, id...),
		Name:         name,
		CreatedAt:    now,
		Instructions: instructions,
		Trigger:      trigger,
		RateLimit:    rateLimit,
		Fee:          fee,
	}, nil
}

func validateInstructions(ixs []*types.Instruction) error {
	for i, ix := range ixs {
		if ix == nil {
			return newError(InvalidAutomationState, "instruction %d is nil", i)
		}
		if ix.ProgramID == ProgramID {
			return newError(UnauthorizedWrite, "instruction %d targets the automation program", i)
		}
	}
	return nil
}

func Pause(a *Automation) error {
	if a.Paused {
		return ErrAutomationPaused
	}
	a.Paused = true
	return nil
}

// Resume unpauses the automation. Cron schedule jumps ahead to now so
// occurrences missed while paused are not replayed.
func Resume(a *Automation, now types.Clock) error {
	if !a.Paused {
		return newError(InvalidAutomationState, "automation is not paused")
	}
	a.Paused = false
	if a.ExecContext != nil {
		if _, ok := a.ExecContext.TriggerContext.(*CronContext); ok {
			ec := *a.ExecContext
			ec.TriggerContext = &CronContext{StartedAt: now.UnixTimestamp}
			a.ExecContext = &ec
		}
	}
	return nil
}

// Reset returns the automation into the state it had right after creation.
func Reset(a *Automation) {
	a.NextInstruction = nil
	a.ExecContext = nil
}

// Update applies settings. Replacing trigger resets the automation.
func Update(a *Automation, s *Settings) error {
	var trigger Trigger
	if s.Trigger != nil {
		t, err := decodeTrigger(s.Trigger)
		if err != nil {
			return newError(InvalidTriggerVariant, "%v", err)
		}
		if t.Kind() != a.Trigger.Kind() {
			return newError(InvalidTriggerVariant, "cannot replace %s trigger with %s trigger", a.Trigger.Kind(), t.Kind())
		}
		if err := t.Validate(); err != nil {
			return err
		}
		trigger = t
	}
	if s.Name != nil && len(*s.Name) > MaxNameLength {
		return newError(InvalidAutomationState, "name longer than %d bytes", MaxNameLength)
	}
	if s.Instructions != nil {
		if err := validateInstructions(s.Instructions); err != nil {
			return err
		}
	}

	if s.Name != nil {
		a.Name = *s.Name
	}
	if s.Fee != nil {
		a.Fee = *s.Fee
	}
	if s.RateLimit != nil {
		a.RateLimit = *s.RateLimit
		if a.RateLimit == 0 {
			a.RateLimit = DefaultRateLimit
		}
	}
	if s.Instructions != nil {
		a.Instructions = s.Instructions
	}
	if trigger != nil {
		a.Trigger = trigger
		Reset(a)
	}
	return nil
}
