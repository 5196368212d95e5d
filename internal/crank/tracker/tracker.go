/*
Package tracker follows submitted crank transactions until they are
confirmed, fail or time out. There is at most one outstanding attempt per
automation.
*/
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/exp/maps"

	"github.com/alphabill-org/automaton/internal/automation"
	"github.com/alphabill-org/automaton/internal/ledger"
	"github.com/alphabill-org/automaton/internal/logger"
	"github.com/alphabill-org/automaton/internal/types"
)

const (
	DefaultPollInterval = 1
	DefaultTimeout      = 150
	DefaultMaxRetries   = 5

	statusBatchSize = 256
)

var (
	// ErrRetryLimit is reported when automation's attempts failed more times in a row than allowed.
	ErrRetryLimit = errors.New("retry limit reached")
	ErrTimeout    = errors.New("attempt timed out")

	log = logger.CreateForPackage()
)

type (
	Config struct {
		// PollInterval is the number of confirmed slots between status checks.
		PollInterval uint64
		// Timeout is the number of slots after which unconfirmed attempt is dropped.
		Timeout uint64
		// MaxRetries is the number of consecutive failed attempts allowed per automation.
		MaxRetries uint
	}

	Client interface {
		SendTransaction(ctx context.Context, tx *types.Transaction) (types.Signature, error)
		GetSignatureStatuses(ctx context.Context, signatures []types.Signature) ([]*ledger.SignatureStatus, error)
	}

	Attempt struct {
		Automation    types.Address
		Signature     types.Signature
		Count         uint
		SubmittedSlot uint64
	}

	// Outcome of an attempt which is no longer tracked.
	Outcome struct {
		Attempt
		// Err is nil when the transaction was confirmed without error. For failed
		// attempts Retry tells whether the automation may be cranked again.
		Err   error
		Retry bool
	}

	Tracker struct {
		cfg    Config
		client Client

		mu sync.Mutex
		// dedup set, nil value marks submission in progress
		attempts map[types.Address]*Attempt
		bySlot   map[uint64][]*Attempt
		failures map[types.Address]uint
		slot     uint64
	}
)

func New(cfg Config, client Client) *Tracker {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	return &Tracker{
		cfg:      cfg,
		client:   client,
		attempts: make(map[types.Address]*Attempt),
		bySlot:   make(map[uint64][]*Attempt),
		failures: make(map[types.Address]uint),
	}
}

// Outstanding reports whether there is an attempt in flight for the automation.
func (t *Tracker) Outstanding(address types.Address) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.attempts[address]
	return ok
}

// Pending returns the number of outstanding attempts.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.attempts)
}

/*
Submit sends the transaction and starts tracking it. Fails with
AutomationBusy when the automation already has an outstanding attempt.
*/
func (t *Tracker) Submit(ctx context.Context, address types.Address, tx *types.Transaction) (types.Signature, error) {
	t.mu.Lock()
	if _, ok := t.attempts[address]; ok {
		t.mu.Unlock()
		return types.Signature{}, automation.NewError(automation.AutomationBusy, "automation %s has outstanding attempt", address)
	}
	t.attempts[address] = nil
	t.mu.Unlock()

	sig, err := t.client.SendTransaction(ctx, tx)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		delete(t.attempts, address)
		return types.Signature{}, fmt.Errorf("sending transaction: %w", err)
	}
	a := &Attempt{
		Automation:    address,
		Signature:     sig,
		Count:         t.failures[address] + 1,
		SubmittedSlot: t.slot,
	}
	t.attempts[address] = a
	t.bySlot[a.SubmittedSlot] = append(t.bySlot[a.SubmittedSlot], a)
	log.Debug("Automation %s: submitted %s (attempt %d) at slot %d", address, sig, a.Count, a.SubmittedSlot)
	return sig, nil
}

/*
OnSlotConfirmed polls statuses of outstanding attempts every PollInterval
slots and returns outcomes of the attempts which are no longer tracked.
*/
func (t *Tracker) OnSlotConfirmed(ctx context.Context, slot uint64) ([]Outcome, error) {
	t.mu.Lock()
	if slot > t.slot {
		t.slot = slot
	}
	if slot%t.cfg.PollInterval != 0 {
		t.mu.Unlock()
		return nil, nil
	}
	// attempts submitted in the current slot can't be confirmed yet
	keys := maps.Keys(t.bySlot)
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	var due []*Attempt
	for _, k := range keys {
		if k >= slot {
			break
		}
		due = append(due, t.bySlot[k]...)
	}
	t.mu.Unlock()
	if len(due) == 0 {
		return nil, nil
	}

	statuses := make([]*ledger.SignatureStatus, 0, len(due))
	for i := 0; i < len(due); i += statusBatchSize {
		end := i + statusBatchSize
		if end > len(due) {
			end = len(due)
		}
		sigs := make([]types.Signature, end-i)
		for j, a := range due[i:end] {
			sigs[j] = a.Signature
		}
		res, err := t.client.GetSignatureStatuses(ctx, sigs)
		if err != nil {
			return nil, fmt.Errorf("querying signature statuses: %w", err)
		}
		statuses = append(statuses, res...)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	var outcomes []Outcome
	for i, a := range due {
		st := statuses[i]
		var err error
		switch {
		case st == nil && slot-a.SubmittedSlot > t.cfg.Timeout:
			err = fmt.Errorf("%w: no status after %d slots", ErrTimeout, slot-a.SubmittedSlot)
		case st == nil || !st.Confirmed:
			continue
		case st.Failed():
			err = automation.ErrorFromCode(st.ErrCode, st.Err)
		}
		outcomes = append(outcomes, t.finish(a, err))
	}
	return outcomes, nil
}

// finish stops tracking the attempt and applies the retry policy. Caller holds the lock.
func (t *Tracker) finish(a *Attempt, err error) Outcome {
	if cur := t.attempts[a.Automation]; cur == a {
		delete(t.attempts, a.Automation)
	}
	bucket := t.bySlot[a.SubmittedSlot]
	for i, b := range bucket {
		if b == a {
			bucket = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(t.bySlot, a.SubmittedSlot)
	} else {
		t.bySlot[a.SubmittedSlot] = bucket
	}

	out := Outcome{Attempt: *a, Err: err}
	if err == nil {
		delete(t.failures, a.Automation)
		log.Debug("Automation %s: %s confirmed", a.Automation, a.Signature)
		return out
	}
	t.failures[a.Automation]++
	if t.failures[a.Automation] >= t.cfg.MaxRetries {
		delete(t.failures, a.Automation)
		out.Err = fmt.Errorf("%w: automation %s failed %d times, last error: %w", ErrRetryLimit, a.Automation, a.Count, err)
		log.Warning("%v", out.Err)
		return out
	}
	out.Retry = true
	log.Debug("Automation %s: attempt %d (%s) failed: %v", a.Automation, a.Count, a.Signature, err)
	return out
}
