package automation

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/alphabill-org/automaton/internal/cronschedule"
	"github.com/alphabill-org/automaton/internal/types"
)

type TriggerKind uint8

const (
	KindAccount TriggerKind = iota + 1
	KindCron
	KindImmediate
	KindSlot
	KindEpoch
	KindTimestamp
)

func (k TriggerKind) String() string {
	switch k {
	case KindAccount:
		return "account"
	case KindCron:
		return "cron"
	case KindImmediate:
		return "immediate"
	case KindSlot:
		return "slot"
	case KindEpoch:
		return "epoch"
	case KindTimestamp:
		return "timestamp"
	default:
		return fmt.Sprintf("TriggerKind(%d)", uint8(k))
	}
}

type (
	// Trigger is the condition gating an automation's kickoff. Implemented
	// only by the *Trigger types of this package.
	Trigger interface {
		Kind() TriggerKind
		Validate() error
		String() string
		isTrigger()
	}

	// AccountTrigger fires when bytes [Offset, Offset+Size) of the account change.
	AccountTrigger struct {
		_       struct{}      `cbor:",toarray"`
		Address types.Address `json:"address"`
		Offset  uint64        `json:"offset"`
		Size    uint64        `json:"size"`
	}

	CronTrigger struct {
		_         struct{} `cbor:",toarray"`
		Schedule  string   `json:"schedule"`
		Skippable bool     `json:"skippable"`
	}

	ImmediateTrigger struct {
		_ struct{} `cbor:",toarray"`
	}

	// SlotTrigger fires once the ledger reaches the slot.
	SlotTrigger struct {
		_    struct{} `cbor:",toarray"`
		Slot uint64   `json:"slot"`
	}

	EpochTrigger struct {
		_     struct{} `cbor:",toarray"`
		Epoch uint64   `json:"epoch"`
	}

	TimestampTrigger struct {
		_             struct{} `cbor:",toarray"`
		UnixTimestamp int64    `json:"unixTimestamp"`
	}
)

func (*AccountTrigger) Kind() TriggerKind   { return KindAccount }
func (*CronTrigger) Kind() TriggerKind      { return KindCron }
func (*ImmediateTrigger) Kind() TriggerKind { return KindImmediate }
func (*SlotTrigger) Kind() TriggerKind      { return KindSlot }
func (*EpochTrigger) Kind() TriggerKind     { return KindEpoch }
func (*TimestampTrigger) Kind() TriggerKind { return KindTimestamp }

func (*AccountTrigger) isTrigger()   {}
func (*CronTrigger) isTrigger()      {}
func (*ImmediateTrigger) isTrigger() {}
func (*SlotTrigger) isTrigger()      {}
func (*EpochTrigger) isTrigger()     {}
func (*TimestampTrigger) isTrigger() {}

func (t *AccountTrigger) Validate() error {
	if t.Size == 0 {
		return newError(InvalidAutomationState, "account trigger byte range is empty")
	}
	if t.Offset+t.Size < t.Offset {
		return newError(InvalidAutomationState, "account trigger byte range overflows")
	}
	return nil
}

func (t *CronTrigger) Validate() error {
	if _, err := cronschedule.Parse(t.Schedule); err != nil {
		return newError(InvalidAutomationState, "%v", err)
	}
	return nil
}

func (*ImmediateTrigger) Validate() error { return nil }
func (*SlotTrigger) Validate() error      { return nil }
func (*EpochTrigger) Validate() error     { return nil }
func (*TimestampTrigger) Validate() error { return nil }

func (t *AccountTrigger) String() string {
	return fmt.Sprintf("account(%s, [%d, %d))", t.Address, t.Offset, t.Offset+t.Size)
}

func (t *CronTrigger) String() string {
	if t.Skippable {
		return fmt.Sprintf("cron(%q, skippable)", t.Schedule)
	}
	return fmt.Sprintf("cron(%q)", t.Schedule)
}

func (*ImmediateTrigger) String() string   { return "immediate" }
func (t *SlotTrigger) String() string      { return fmt.Sprintf("slot(%d)", t.Slot) }
func (t *EpochTrigger) String() string     { return fmt.Sprintf("epoch(%d)", t.Epoch) }
func (t *TimestampTrigger) String() string { return fmt.Sprintf("timestamp(%d)", t.UnixTimestamp) }

type (
	// TriggerContext is the trigger specific part of ExecContext.
	TriggerContext interface {
		Kind() TriggerKind
		String() string
		isTriggerContext()
	}

	// AccountContext holds the hash of the watched byte range at last kickoff.
	// HasHash is false when the trigger was replaced and no baseline exists.
	AccountContext struct {
		_        struct{} `cbor:",toarray"`
		DataHash uint64   `json:"dataHash"`
		HasHash  bool     `json:"hasHash"`
	}

	CronContext struct {
		_         struct{} `cbor:",toarray"`
		StartedAt int64    `json:"startedAt"`
	}

	ImmediateContext struct {
		_ struct{} `cbor:",toarray"`
	}

	SlotContext struct {
		_         struct{} `cbor:",toarray"`
		StartedAt uint64   `json:"startedAt"`
	}

	EpochContext struct {
		_         struct{} `cbor:",toarray"`
		StartedAt uint64   `json:"startedAt"`
	}

	TimestampContext struct {
		_         struct{} `cbor:",toarray"`
		StartedAt int64    `json:"startedAt"`
	}
)

func (*AccountContext) Kind() TriggerKind   { return KindAccount }
func (*CronContext) Kind() TriggerKind      { return KindCron }
func (*ImmediateContext) Kind() TriggerKind { return KindImmediate }
func (*SlotContext) Kind() TriggerKind      { return KindSlot }
func (*EpochContext) Kind() TriggerKind     { return KindEpoch }
func (*TimestampContext) Kind() TriggerKind { return KindTimestamp }

func (*AccountContext) isTriggerContext()   {}
func (*CronContext) isTriggerContext()      {}
func (*ImmediateContext) isTriggerContext() {}
func (*SlotContext) isTriggerContext()      {}
func (*EpochContext) isTriggerContext()     {}
func (*TimestampContext) isTriggerContext() {}

func (c *AccountContext) String() string {
	if !c.HasHash {
		return "account(no baseline)"
	}
	return fmt.Sprintf("account(hash=%016x)", c.DataHash)
}

func (c *CronContext) String() string    { return fmt.Sprintf("cron(started_at=%d)", c.StartedAt) }
func (*ImmediateContext) String() string { return "immediate" }
func (c *SlotContext) String() string    { return fmt.Sprintf("slot(started_at=%d)", c.StartedAt) }
func (c *EpochContext) String() string   { return fmt.Sprintf("epoch(started_at=%d)", c.StartedAt) }
func (c *TimestampContext) String() string {
	return fmt.Sprintf("timestamp(started_at=%d)", c.StartedAt)
}

// emptyContext returns the context a freshly replaced trigger starts with.
func emptyContext(t Trigger) TriggerContext {
	switch t.(type) {
	case *AccountTrigger:
		return &AccountContext{}
	case *CronTrigger:
		// zero StartedAt is replaced by the caller with the evaluation time
		return &CronContext{}
	case *ImmediateTrigger:
		return &ImmediateContext{}
	case *SlotTrigger:
		return &SlotContext{}
	case *EpochTrigger:
		return &EpochContext{}
	case *TimestampTrigger:
		return &TimestampContext{}
	default:
		panic(fmt.Sprintf("unknown trigger type %T", t))
	}
}

// taggedUnion is the serialized form of Trigger and TriggerContext values.
type taggedUnion struct {
	_    struct{} `cbor:",toarray"`
	Kind TriggerKind
	Body cbor.RawMessage
}

func encodeTagged(kind TriggerKind, v any) (*taggedUnion, error) {
	body, err := cbor.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &taggedUnion{Kind: kind, Body: body}, nil
}

func encodeTrigger(t Trigger) (*taggedUnion, error) {
	if t == nil {
		return nil, nil
	}
	return encodeTagged(t.Kind(), t)
}

func decodeTrigger(tu *taggedUnion) (Trigger, error) {
	if tu == nil {
		return nil, nil
	}
	var t Trigger
	switch tu.Kind {
	case KindAccount:
		t = &AccountTrigger{}
	case KindCron:
		t = &CronTrigger{}
	case KindImmediate:
		t = &ImmediateTrigger{}
	case KindSlot:
		t = &SlotTrigger{}
	case KindEpoch:
		t = &EpochTrigger{}
	case KindTimestamp:
		t = &TimestampTrigger{}
	default:
		return nil, fmt.Errorf("unknown trigger kind %d", tu.Kind)
	}
	if err := cbor.Unmarshal(tu.Body, t); err != nil {
		return nil, fmt.Errorf("decoding %s trigger: %w", tu.Kind, err)
	}
	return t, nil
}

func encodeTriggerContext(c TriggerContext) (*taggedUnion, error) {
	if c == nil {
		return nil, nil
	}
	return encodeTagged(c.Kind(), c)
}

func decodeTriggerContext(tu *taggedUnion) (TriggerContext, error) {
	if tu == nil {
		return nil, nil
	}
	var c TriggerContext
	switch tu.Kind {
	case KindAccount:
		c = &AccountContext{}
	case KindCron:
		c = &CronContext{}
	case KindImmediate:
		c = &ImmediateContext{}
	case KindSlot:
		c = &SlotContext{}
	case KindEpoch:
		c = &EpochContext{}
	case KindTimestamp:
		c = &TimestampContext{}
	default:
		return nil, fmt.Errorf("unknown trigger context kind %d", tu.Kind)
	}
	if err := cbor.Unmarshal(tu.Body, c); err != nil {
		return nil, fmt.Errorf("decoding %s trigger context: %w", tu.Kind, err)
	}
	return c, nil
}

// MarshalTrigger encodes trigger as tagged CBOR value, used in instruction arguments.
func MarshalTrigger(t Trigger) ([]byte, error) {
	tu, err := encodeTrigger(t)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(tu)
}

func UnmarshalTrigger(data []byte) (Trigger, error) {
	var tu *taggedUnion
	if err := cbor.Unmarshal(data, &tu); err != nil {
		return nil, err
	}
	return decodeTrigger(tu)
}
