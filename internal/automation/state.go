package automation

import (
	"github.com/zeebo/xxh3"

	"github.com/alphabill-org/automaton/internal/cronschedule"
	"github.com/alphabill-org/automaton/internal/types"
)

type (
	// AccountData is a freshly observed copy of the account watched by an
	// AccountTrigger, given to Kickoff as proof of change.
	AccountData struct {
		Address types.Address
		Data    []byte
	}

	// Response is what a pipeline step may return to steer the automation.
	Response struct {
		_                  struct{}           `cbor:",toarray"`
		CloseTo            *types.Address     `json:"closeTo,omitempty"`
		DynamicInstruction *types.Instruction `json:"dynamicInstruction,omitempty"`
		Trigger            *taggedUnion       `cbor:"trigger" json:"-"`
	}

	ExecOutcome struct {
		// Closed is set when the step asked the automation to close itself,
		// the remaining balance goes to CloseTo.
		Closed  bool
		CloseTo types.Address
		// Reimburse is set when base fee reimbursement is due for this exec.
		Reimburse bool
		Fee       uint64
	}
)

// NewResponse creates response which may replace the trigger of the automation.
func NewResponse(closeTo *types.Address, next *types.Instruction, trigger Trigger) (*Response, error) {
	tu, err := encodeTrigger(trigger)
	if err != nil {
		return nil, err
	}
	return &Response{CloseTo: closeTo, DynamicInstruction: next, Trigger: tu}, nil
}

// NewTrigger returns the replacement trigger carried by the response, if any.
func (r *Response) NewTrigger() (Trigger, error) {
	if r == nil {
		return nil, nil
	}
	return decodeTrigger(r.Trigger)
}

/*
Validate checks that the response doesn't try to abuse the automation's
signing authority. Dynamic instruction is executed with the automation as
signer so it must not target the automation program nor write into the
automation's own account.
*/
func (r *Response) Validate(a *Automation) error {
	if r == nil {
		return nil
	}
	if ix := r.DynamicInstruction; ix != nil {
		if ix.ProgramID == ProgramID {
			return newError(UnauthorizedWrite, "dynamic instruction targets the automation program")
		}
		self := a.Address()
		for _, am := range ix.Accounts {
			if am.Address == self && am.IsWritable {
				return newError(UnauthorizedWrite, "dynamic instruction writes automation account %s", self)
			}
		}
	}
	t, err := r.NewTrigger()
	if err != nil {
		return newError(InvalidTriggerVariant, "%v", err)
	}
	if t != nil {
		if t.Kind() != a.Trigger.Kind() {
			return newError(InvalidTriggerVariant, "cannot replace %s trigger with %s trigger", a.Trigger.Kind(), t.Kind())
		}
		if err := t.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// DataHash hashes the byte range [offset, offset+size) of data, range is
// clamped to the length of data.
func DataHash(data []byte, offset, size uint64) uint64 {
	n := uint64(len(data))
	if offset > n {
		offset = n
	}
	end := offset + size
	if end > n || end < offset {
		end = n
	}
	return xxh3.Hash(data[offset:end])
}

/*
Kickoff moves idle automation into executing state when its trigger condition
is satisfied at "now". For account triggers proof must be the current content
of the watched account.
*/
func Kickoff(a *Automation, now types.Clock, proof *AccountData) error {
	if a.Paused {
		return ErrAutomationPaused
	}
	if a.NextInstruction != nil {
		return ErrAutomationBusy
	}

	var tc TriggerContext
	switch t := a.Trigger.(type) {
	case *AccountTrigger:
		if proof == nil {
			return newError(TriggerNotActive, "missing account data proof")
		}
		if proof.Address != t.Address {
			return newError(InvalidAutomationState, "proof is for account %s, trigger watches %s", proof.Address, t.Address)
		}
		h := DataHash(proof.Data, t.Offset, t.Size)
		if a.ExecContext != nil {
			prev, ok := a.ExecContext.TriggerContext.(*AccountContext)
			if !ok {
				return newError(InvalidAutomationState, "account trigger with %s context", a.ExecContext.TriggerContext.Kind())
			}
			if prev.HasHash && prev.DataHash == h {
				return newError(TriggerNotActive, "watched data has not changed")
			}
		}
		tc = &AccountContext{DataHash: h, HasHash: true}
	case *CronTrigger:
		reference := a.CreatedAt.UnixTimestamp
		if a.ExecContext != nil {
			prev, ok := a.ExecContext.TriggerContext.(*CronContext)
			if !ok {
				return newError(InvalidAutomationState, "cron trigger with %s context", a.ExecContext.TriggerContext.Kind())
			}
			reference = prev.StartedAt
		}
		sched, err := cronschedule.Parse(t.Schedule)
		if err != nil {
			return newError(InvalidAutomationState, "%v", err)
		}
		threshold, ok := sched.Next(reference)
		if !ok {
			return newError(TriggerNotActive, "schedule has no occurrences after %d", reference)
		}
		if now.UnixTimestamp < threshold {
			return newError(TriggerNotActive, "next occurrence at %d, now %d", threshold, now.UnixTimestamp)
		}
		started := threshold
		if t.Skippable {
			started = now.UnixTimestamp
		}
		tc = &CronContext{StartedAt: started}
	case *ImmediateTrigger:
		if a.ExecContext != nil {
			return newError(InvalidAutomationState, "immediate trigger has already fired")
		}
		tc = &ImmediateContext{}
	case *SlotTrigger:
		if err := fireOnce(a, now.Slot >= t.Slot, "slot %d, now %d", t.Slot, now.Slot); err != nil {
			return err
		}
		tc = &SlotContext{StartedAt: now.Slot}
	case *EpochTrigger:
		if err := fireOnce(a, now.Epoch >= t.Epoch, "epoch %d, now %d", t.Epoch, now.Epoch); err != nil {
			return err
		}
		tc = &EpochContext{StartedAt: now.Epoch}
	case *TimestampTrigger:
		if err := fireOnce(a, now.UnixTimestamp >= t.UnixTimestamp, "timestamp %d, now %d", t.UnixTimestamp, now.UnixTimestamp); err != nil {
			return err
		}
		tc = &TimestampContext{StartedAt: now.UnixTimestamp}
	default:
		return newError(InvalidAutomationState, "unknown trigger %T", a.Trigger)
	}

	a.ExecContext = &ExecContext{
		LastExecAt:     now.Slot,
		TriggerContext: tc,
	}
	if len(a.Instructions) > 0 {
		a.NextInstruction = a.Instructions[0].Clone()
	}
	return nil
}

func fireOnce(a *Automation, reached bool, format string, args ...any) error {
	if a.ExecContext != nil {
		return newError(InvalidAutomationState, "threshold trigger has already fired")
	}
	if !reached {
		return newError(TriggerNotActive, "waiting for "+format, args...)
	}
	return nil
}

// CheckRateLimit returns RateLimitExceeded when no more execs are allowed in the slot.
func CheckRateLimit(a *Automation, slot uint64) error {
	ec := a.ExecContext
	if ec != nil && ec.LastExecAt == slot && ec.ExecsSinceSlot >= a.RateLimit {
		return newError(RateLimitExceeded, "%d execs in slot %d", ec.ExecsSinceSlot, slot)
	}
	return nil
}

/*
Exec advances executing automation by one step. resp is the (possibly nil)
response of the instruction that was just executed. The automation is
modified in place, on error it is left unchanged.
*/
func Exec(a *Automation, now types.Clock, resp *Response) (*ExecOutcome, error) {
	if a.Paused {
		return nil, ErrAutomationPaused
	}
	if a.NextInstruction == nil {
		return nil, newError(InvalidAutomationState, "no instruction to execute")
	}
	ec := a.ExecContext
	if ec == nil {
		return nil, newError(InvalidAutomationState, "execution context is missing")
	}
	if err := CheckRateLimit(a, now.Slot); err != nil {
		return nil, err
	}
	if err := resp.Validate(a); err != nil {
		return nil, err
	}

	out := &ExecOutcome{Fee: a.Fee}
	if resp != nil && resp.CloseTo != nil {
		out.Closed = true
		out.CloseTo = *resp.CloseTo
		out.Reimburse = true
		return out, nil
	}

	next := *ec
	if resp != nil {
		// validated above
		t, _ := resp.NewTrigger()
		if t != nil {
			a.Trigger = t
			next.TriggerContext = emptyContext(t)
			if cc, ok := next.TriggerContext.(*CronContext); ok {
				cc.StartedAt = now.UnixTimestamp
			}
		}
	}

	switch {
	case resp != nil && resp.DynamicInstruction != nil:
		a.NextInstruction = resp.DynamicInstruction.Clone()
	case next.ExecIndex+1 < uint64(len(a.Instructions)):
		next.ExecIndex++
		a.NextInstruction = a.Instructions[next.ExecIndex].Clone()
	default:
		next.ExecIndex++
		a.NextInstruction = nil
	}

	next.ExecsSinceReimbursement++
	if next.LastExecAt == now.Slot {
		next.ExecsSinceSlot++
	} else {
		next.ExecsSinceSlot = 1
	}
	next.LastExecAt = now.Slot

	if a.NextInstruction == nil || next.ExecsSinceReimbursement >= a.RateLimit {
		out.Reimburse = true
		next.ExecsSinceReimbursement = 0
	}
	a.ExecContext = &next
	return out, nil
}
