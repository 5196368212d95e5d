/*
Package observer keeps track of which automations are waiting for what and
promotes them into the crankable set when their trigger condition may be
satisfied.

Every automation has exactly one placement: one of the trigger indices, the
crankable set, or "in flight" (drained by the executor). Placement of an
automation is guarded by the lock of its shard, moving an automation from
one index to another happens under that lock so an automation can never be
both indexed and crankable. Index buckets carry the generation of the
placement which created the entry, entries whose generation no longer
matches are stale and ignored.
*/
package observer

import (
	"sync"
	"sync/atomic"

	"github.com/zeebo/xxh3"

	"github.com/alphabill-org/automaton/internal/automation"
	"github.com/alphabill-org/automaton/internal/cronschedule"
	"github.com/alphabill-org/automaton/internal/logger"
	"github.com/alphabill-org/automaton/internal/types"
)

const numShards = 64

var log = logger.CreateForPackage()

type location uint8

const (
	inFlight location = iota
	crankable
	accountIndexed
	timestampIndexed
	slotIndexed
	epochIndexed
)

type (
	placement struct {
		gen uint64
		loc location
		// dueSince is the slot the automation became crankable
		dueSince uint64

		account types.Address
		offset  uint64
		size    uint64
		hash    uint64
		hasHash bool

		timestamp int64
		threshold uint64
	}

	shard struct {
		mu         sync.Mutex
		placements map[types.Address]*placement
	}

	// Due is an automation drained from the crankable set.
	Due struct {
		Address types.Address
		// DueSince is the slot at which the automation became crankable.
		DueSince uint64
	}

	Stats struct {
		Crankable int
		Account   int
		Timestamp int
		Slot      int
		Epoch     int
	}

	Observer struct {
		shards [numShards]*shard
		gen    atomic.Uint64
		// last confirmed slot
		slot atomic.Uint64

		accounts   *keyIndex[types.Address]
		timestamps thresholdIndex[int64]
		slots      thresholdIndex[uint64]
		epochs     thresholdIndex[uint64]

		cmu       sync.Mutex
		crankable map[types.Address]struct{}
	}
)

func New() *Observer {
	o := &Observer{
		accounts:   newKeyIndex[types.Address](),
		timestamps: newThresholdIndex[int64](),
		slots:      newThresholdIndex[uint64](),
		epochs:     newThresholdIndex[uint64](),
		crankable:  make(map[types.Address]struct{}),
	}
	for i := range o.shards {
		o.shards[i] = &shard{placements: make(map[types.Address]*placement)}
	}
	return o
}

func (o *Observer) shard(id types.Address) *shard {
	return o.shards[xxh3.Hash(id[:])%numShards]
}

/*
OnAutomationObserved (re)places the automation according to its current
state. Called whenever automation account is read from the ledger.
*/
func (o *Observer) OnAutomationObserved(id types.Address, a *automation.Automation) {
	s := o.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.placements[id]; ok {
		o.unplace(id, old)
		delete(s.placements, id)
	}
	if a.Paused {
		log.Trace("Automation %s is paused", id)
		return
	}
	p := &placement{gen: o.gen.Add(1)}
	switch {
	case a.NextInstruction != nil:
		p.loc = crankable
	case a.Spent():
		log.Trace("Automation %s has fired its one-shot trigger", id)
		return
	default:
		if !o.classify(id, a, p) {
			return
		}
	}
	o.place(id, p)
	s.placements[id] = p
}

// classify fills in the trigger index placement, returns false when the
// automation will never become crankable by itself.
func (o *Observer) classify(id types.Address, a *automation.Automation, p *placement) bool {
	switch t := a.Trigger.(type) {
	case *automation.AccountTrigger:
		p.loc = accountIndexed
		p.account, p.offset, p.size = t.Address, t.Offset, t.Size
		if a.ExecContext != nil {
			if ac, ok := a.ExecContext.TriggerContext.(*automation.AccountContext); ok {
				p.hash, p.hasHash = ac.DataHash, ac.HasHash
			}
		}
	case *automation.CronTrigger:
		reference := a.CreatedAt.UnixTimestamp
		if a.ExecContext != nil {
			if cc, ok := a.ExecContext.TriggerContext.(*automation.CronContext); ok {
				reference = cc.StartedAt
			}
		}
		next, ok, err := cronschedule.Next(t.Schedule, reference)
		if err != nil {
			log.Warning("Automation %s has invalid schedule %q: %v", id, t.Schedule, err)
			return false
		}
		if !ok {
			log.Debug("Automation %s schedule %q has no occurrences after %d", id, t.Schedule, reference)
			return false
		}
		p.loc = timestampIndexed
		p.timestamp = next
	case *automation.ImmediateTrigger:
		p.loc = crankable
	case *automation.SlotTrigger:
		p.loc = slotIndexed
		p.threshold = t.Slot
	case *automation.EpochTrigger:
		p.loc = epochIndexed
		p.threshold = t.Epoch
	case *automation.TimestampTrigger:
		p.loc = timestampIndexed
		p.timestamp = t.UnixTimestamp
	default:
		log.Warning("Automation %s has unknown trigger %T", id, a.Trigger)
		return false
	}
	return true
}

// place inserts the automation into the structure its placement points to. Caller holds the shard lock.
func (o *Observer) place(id types.Address, p *placement) {
	switch p.loc {
	case crankable:
		p.dueSince = o.slot.Load()
		o.cmu.Lock()
		o.crankable[id] = struct{}{}
		o.cmu.Unlock()
	case accountIndexed:
		o.accounts.add(p.account, id, p.gen)
	case timestampIndexed:
		o.timestamps.add(p.timestamp, id, p.gen)
	case slotIndexed:
		o.slots.add(p.threshold, id, p.gen)
	case epochIndexed:
		o.epochs.add(p.threshold, id, p.gen)
	}
}

// unplace removes the automation from the structure its placement points to. Caller holds the shard lock.
func (o *Observer) unplace(id types.Address, p *placement) {
	switch p.loc {
	case crankable:
		o.cmu.Lock()
		delete(o.crankable, id)
		o.cmu.Unlock()
	case accountIndexed:
		o.accounts.remove(p.account, id)
	case timestampIndexed:
		o.timestamps.remove(p.timestamp, id)
	case slotIndexed:
		o.slots.remove(p.threshold, id)
	case epochIndexed:
		o.epochs.remove(p.threshold, id)
	}
}

// Remove forgets the automation, ie when it has been deleted.
func (o *Observer) Remove(id types.Address) {
	s := o.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.placements[id]; ok {
		o.unplace(id, p)
		delete(s.placements, id)
	}
}

/*
OnAccountUpdate promotes automations watching the account into the crankable
set. When the watched byte range hashes to the value recorded by the previous
kickoff the automation stays in the index. Returns the number of automations
promoted.
*/
func (o *Observer) OnAccountUpdate(address types.Address, data []byte) int {
	b := o.accounts.pop(address)
	n := 0
	for id, gen := range b {
		s := o.shard(id)
		s.mu.Lock()
		p, ok := s.placements[id]
		if ok && p.gen == gen && p.loc == accountIndexed {
			if p.hasHash && automation.DataHash(data, p.offset, p.size) == p.hash {
				o.accounts.add(address, id, gen)
			} else {
				o.promote(id, p)
				n++
			}
		}
		s.mu.Unlock()
	}
	return n
}

/*
OnSlotConfirmed releases every automation whose schedule or threshold has
been reached by the clock. Returns the number of automations promoted.
*/
func (o *Observer) OnSlotConfirmed(clock types.Clock) int {
	for {
		prev := o.slot.Load()
		if clock.Slot <= prev || o.slot.CompareAndSwap(prev, clock.Slot) {
			break
		}
	}
	n := o.release(o.timestamps.popUpTo(clock.UnixTimestamp), timestampIndexed)
	n += o.release(o.slots.popUpTo(clock.Slot), slotIndexed)
	n += o.release(o.epochs.popUpTo(clock.Epoch), epochIndexed)
	return n
}

func (o *Observer) release(b bucket, from location) int {
	n := 0
	for id, gen := range b {
		s := o.shard(id)
		s.mu.Lock()
		if p, ok := s.placements[id]; ok && p.gen == gen && p.loc == from {
			o.promote(id, p)
			n++
		}
		s.mu.Unlock()
	}
	return n
}

// promote moves the automation into the crankable set. Caller holds the shard
// lock and has already removed the automation from the index.
func (o *Observer) promote(id types.Address, p *placement) {
	p.gen = o.gen.Add(1)
	p.loc = crankable
	o.place(id, p)
}

// Drain empties the crankable set, drained automations are in flight until
// they are observed again or requeued.
func (o *Observer) Drain() []Due {
	o.cmu.Lock()
	ids := o.crankable
	o.crankable = make(map[types.Address]struct{}, len(ids))
	o.cmu.Unlock()

	res := make([]Due, 0, len(ids))
	for id := range ids {
		s := o.shard(id)
		s.mu.Lock()
		if p, ok := s.placements[id]; ok && p.loc == crankable {
			p.loc = inFlight
			res = append(res, Due{Address: id, DueSince: p.dueSince})
		}
		s.mu.Unlock()
	}
	return res
}

// Requeue returns in flight automations into the crankable set keeping the
// slot they originally became due at.
func (o *Observer) Requeue(due ...Due) {
	for _, d := range due {
		s := o.shard(d.Address)
		s.mu.Lock()
		if p, ok := s.placements[d.Address]; ok && p.loc == inFlight {
			p.loc = crankable
			p.dueSince = d.DueSince
			o.cmu.Lock()
			o.crankable[d.Address] = struct{}{}
			o.cmu.Unlock()
		}
		s.mu.Unlock()
	}
}

// IsCrankable reports whether the automation is in the crankable set.
func (o *Observer) IsCrankable(id types.Address) bool {
	o.cmu.Lock()
	defer o.cmu.Unlock()
	_, ok := o.crankable[id]
	return ok
}

// Tracked returns the number of automations the observer knows about.
func (o *Observer) Tracked() int {
	n := 0
	for _, s := range o.shards {
		s.mu.Lock()
		n += len(s.placements)
		s.mu.Unlock()
	}
	return n
}

func (o *Observer) Stats() Stats {
	o.cmu.Lock()
	c := len(o.crankable)
	o.cmu.Unlock()
	return Stats{
		Crankable: c,
		Account:   o.accounts.len(),
		Timestamp: o.timestamps.len(),
		Slot:      o.slots.len(),
		Epoch:     o.epochs.len(),
	}
}
