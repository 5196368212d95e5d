/*
Package crank runs the automation engine: it feeds ledger events into the
observer, cranks automations which became due and follows the submitted
transactions until they are confirmed.
*/
package crank

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/alphabill-org/automaton/internal/automation"
	"github.com/alphabill-org/automaton/internal/crank/executor"
	"github.com/alphabill-org/automaton/internal/crank/observer"
	"github.com/alphabill-org/automaton/internal/crank/tracker"
	"github.com/alphabill-org/automaton/internal/ledger"
	"github.com/alphabill-org/automaton/internal/logger"
	"github.com/alphabill-org/automaton/internal/metrics"
	"github.com/alphabill-org/automaton/internal/pool"
	"github.com/alphabill-org/automaton/internal/types"
)

const (
	DefaultMaxConcurrentBuilds = 16
	DefaultRotationInterval    = 10
	DefaultGrace               = 10
)

var log = logger.CreateForPackage()

type (
	Config struct {
		Worker types.Address
		Pool   types.Address
		// MaxConcurrentBuilds bounds the number of automations cranked in parallel.
		MaxConcurrentBuilds int64
		MaxInstructions     int

		AttemptTimeout uint64
		PollInterval   uint64
		MaxRetries     uint

		RotationInterval uint64
		// Grace is the number of slots the pool members have the automation
		// to themselves. Zero lets any worker crank it as soon as it is due,
		// DefaultGrace is not applied here.
		Grace uint64

		// Metrics registry, metrics are not collected when nil.
		Metrics *metrics.Registry
		// OnError is called with errors which need operator's attention, ie
		// automation hitting the retry limit.
		OnError func(address types.Address, err error)
	}

	Ledger interface {
		ledger.Client
		ledger.EventSource
	}

	Node struct {
		cfg      Config
		signer   types.Signer
		client   Ledger
		observer *observer.Observer
		executor *executor.Executor
		tracker  *tracker.Tracker
		rotator  *pool.Rotator
		sem      *semaphore.Weighted
		healthy  atomic.Bool
		m        nodeMetrics
	}

	nodeMetrics struct {
		submitted  *metrics.Counter
		confirmed  *metrics.Counter
		failed     *metrics.Counter
		retryLimit *metrics.Counter
		buildErr   *metrics.Counter
		deferred   *metrics.Counter
		unhealthy  *metrics.Counter
		crankable  *metrics.Gauge
		tracked    *metrics.Gauge
		pending    *metrics.Gauge
	}
)

func New(cfg Config, signer types.Signer, client Ledger) (*Node, error) {
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	if client == nil {
		return nil, errors.New("ledger client is required")
	}
	if cfg.MaxConcurrentBuilds <= 0 {
		cfg.MaxConcurrentBuilds = DefaultMaxConcurrentBuilds
	}
	if cfg.RotationInterval == 0 {
		cfg.RotationInterval = DefaultRotationInterval
	}
	n := &Node{
		cfg:      cfg,
		signer:   signer,
		client:   client,
		observer: observer.New(),
		tracker: tracker.New(tracker.Config{
			PollInterval: cfg.PollInterval,
			Timeout:      cfg.AttemptTimeout,
			MaxRetries:   cfg.MaxRetries,
		}, client),
		sem: semaphore.NewWeighted(cfg.MaxConcurrentBuilds),
	}
	var err error
	n.executor, err = executor.New(executor.Config{
		Signer:          signer,
		Worker:          cfg.Worker,
		Pool:            cfg.Pool,
		Registry:        pool.RegistryAddress,
		MaxInstructions: cfg.MaxInstructions,
	}, client, n.tracker)
	if err != nil {
		return nil, fmt.Errorf("creating executor: %w", err)
	}
	n.rotator, err = pool.NewRotator(pool.RotatorConfig{
		Interval:  cfg.RotationInterval,
		Grace:     cfg.Grace,
		Worker:    cfg.Worker,
		Signatory: signer.Address(),
		Pool:      cfg.Pool,
	}, client, n)
	if err != nil {
		return nil, fmt.Errorf("creating rotator: %w", err)
	}
	n.healthy.Store(true)

	r := cfg.Metrics
	n.m = nodeMetrics{
		submitted:  r.Counter("crank/submitted"),
		confirmed:  r.Counter("crank/confirmed"),
		failed:     r.Counter("crank/failed"),
		retryLimit: r.Counter("crank/retry_limit"),
		buildErr:   r.Counter("crank/build_errors"),
		deferred:   r.Counter("crank/deferred"),
		unhealthy:  r.Counter("crank/unhealthy_slots"),
		crankable:  r.Gauge("observer/crankable"),
		tracked:    r.Gauge("observer/tracked"),
		pending:    r.Gauge("tracker/pending"),
	}
	return n, nil
}

func (n *Node) Observer() *observer.Observer { return n.observer }

func (n *Node) Tracker() *tracker.Tracker { return n.tracker }

/*
Run subscribes to ledger events, loads existing automations and processes
events until ctx is cancelled or one of the streams fails.
*/
func (n *Node) Run(ctx context.Context) error {
	// subscribe before the initial load so no update falls between the two
	accounts, err := n.client.SubscribeAccounts(ctx)
	if err != nil {
		return fmt.Errorf("subscribing to account updates: %w", err)
	}
	slots, err := n.client.SubscribeSlots(ctx)
	if err != nil {
		return fmt.Errorf("subscribing to slots: %w", err)
	}
	if err := n.load(ctx); err != nil {
		return err
	}
	if _, err := n.rotator.Refresh(ctx); err != nil {
		log.Warning("Reading pool: %v", err)
	}
	log.Info("Crank node started: signatory %s, worker %s, pool %s, %d automations tracked",
		n.signer.Address(), n.cfg.Worker, n.cfg.Pool, n.observer.Tracked())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.accountLoop(ctx, accounts) })
	g.Go(func() error { return n.slotLoop(ctx, slots) })
	err = g.Wait()

	// wait for cranks in progress
	if e := n.sem.Acquire(context.Background(), n.cfg.MaxConcurrentBuilds); e == nil {
		n.sem.Release(n.cfg.MaxConcurrentBuilds)
	}
	return err
}

func (n *Node) load(ctx context.Context) error {
	accs, err := n.client.GetProgramAccounts(ctx, automation.ProgramID, automation.Prefix())
	if err != nil {
		return fmt.Errorf("loading automations: %w", err)
	}
	for _, acc := range accs {
		n.observeAccount(acc)
	}
	return nil
}

func (n *Node) accountLoop(ctx context.Context, updates <-chan ledger.AccountUpdate) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case upd, ok := <-updates:
			if !ok {
				return streamClosed(ctx, "account update")
			}
			n.OnAccountUpdate(ctx, upd)
		}
	}
}

func (n *Node) slotLoop(ctx context.Context, slots <-chan types.Clock) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case clock, ok := <-slots:
			if !ok {
				return streamClosed(ctx, "slot")
			}
			if err := n.OnSlotConfirmed(ctx, clock); err != nil {
				return err
			}
		}
	}
}

func streamClosed(ctx context.Context, name string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%s stream closed", name)
}

// OnAccountUpdate feeds a confirmed account change into the observer.
func (n *Node) OnAccountUpdate(ctx context.Context, upd ledger.AccountUpdate) {
	if upd.Account == nil {
		n.observer.Remove(upd.Address)
		n.observer.OnAccountUpdate(upd.Address, nil)
		return
	}
	n.observeAccount(upd.Account)
	n.observer.OnAccountUpdate(upd.Address, upd.Account.Data)
	if upd.Address == n.cfg.Pool {
		if _, err := n.rotator.Refresh(ctx); err != nil {
			log.Warning("Refreshing pool membership: %v", err)
		}
	}
}

func (n *Node) observeAccount(acc *ledger.Account) {
	if acc.Owner != automation.ProgramID || !automation.IsAutomationAccount(acc.Data) {
		return
	}
	a, err := automation.Decode(acc.Data)
	if err != nil {
		log.Warning("Account %s: %v", acc.Address, err)
		return
	}
	n.observer.OnAutomationObserved(acc.Address, a)
}

// reobserve re-reads the automation and places it according to its current state.
func (n *Node) reobserve(ctx context.Context, address types.Address) {
	acc, err := n.client.GetAccount(ctx, address)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			n.observer.Remove(address)
			return
		}
		log.Warning("Reading automation %s: %v", address, err)
		return
	}
	n.observeAccount(acc)
}

/*
OnSlotConfirmed runs one engine cycle: releases automations whose time has
come, polls outstanding attempts, runs pool rotation and cranks the due
automations. The cycle is skipped while the ledger node is unhealthy.
*/
func (n *Node) OnSlotConfirmed(ctx context.Context, clock types.Clock) error {
	if err := n.client.Health(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if n.healthy.Swap(false) {
			log.Warning("Slot %d: ledger node unhealthy, pausing: %v", clock.Slot, err)
		}
		n.m.unhealthy.Inc(1)
		return nil
	}
	if !n.healthy.Swap(true) {
		log.Info("Slot %d: ledger node healthy again, resuming", clock.Slot)
	}

	if c := n.observer.OnSlotConfirmed(clock); c > 0 {
		log.Debug("Slot %d: %d automations became due", clock.Slot, c)
	}

	outcomes, err := n.tracker.OnSlotConfirmed(ctx, clock.Slot)
	if err != nil {
		log.Warning("Slot %d: polling attempts: %v", clock.Slot, err)
	}
	for _, o := range outcomes {
		n.onOutcome(ctx, o)
	}

	if _, err := n.rotator.OnSlotConfirmed(ctx, clock); err != nil {
		log.Warning("Slot %d: pool rotation: %v", clock.Slot, err)
	}

	if err := n.crankDue(ctx, clock); err != nil {
		return err
	}

	st := n.observer.Stats()
	n.m.crankable.Update(int64(st.Crankable))
	n.m.tracked.Update(int64(n.observer.Tracked()))
	n.m.pending.Update(int64(n.tracker.Pending()))
	return nil
}

func (n *Node) onOutcome(ctx context.Context, o tracker.Outcome) {
	switch {
	case o.Err == nil:
		n.m.confirmed.Inc(1)
		// account update may have been seen while the attempt was outstanding
		n.reobserve(ctx, o.Automation)
	case errors.Is(o.Err, tracker.ErrRetryLimit):
		n.m.retryLimit.Inc(1)
		// left alone until its account changes
		n.observer.Remove(o.Automation)
		log.Error("Automation %s: %v", o.Automation, o.Err)
		if n.cfg.OnError != nil {
			n.cfg.OnError(o.Automation, o.Err)
		}
	default:
		n.m.failed.Inc(1)
		n.reobserve(ctx, o.Automation)
	}
}

func (n *Node) crankDue(ctx context.Context, clock types.Clock) error {
	var deferred, waiting []observer.Due
	for _, d := range n.observer.Drain() {
		if !n.rotator.MayCrank(d.DueSince, clock.Slot) {
			deferred = append(deferred, d)
			continue
		}
		if n.tracker.Outstanding(d.Address) {
			waiting = append(waiting, d)
			continue
		}
		if err := n.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		go func(d observer.Due) {
			defer n.sem.Release(1)
			n.crank(ctx, d)
		}(d)
	}
	if len(deferred) > 0 {
		n.m.deferred.Inc(int64(len(deferred)))
		n.observer.Requeue(deferred...)
	}
	// cranked again once the previous attempt has resolved
	n.observer.Requeue(waiting...)
	return nil
}

func (n *Node) crank(ctx context.Context, d observer.Due) {
	sig, err := n.executor.Crank(ctx, d.Address)
	if err == nil {
		n.m.submitted.Inc(1)
		log.Debug("Automation %s: submitted %s", d.Address, sig)
		return
	}
	if ctx.Err() != nil {
		return
	}
	n.m.buildErr.Inc(1)

	var ae *automation.Error
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		n.observer.Remove(d.Address)
	case errors.Is(err, automation.ErrAutomationBusy):
	case errors.Is(err, automation.ErrRateLimitExceeded),
		errors.Is(err, automation.ErrNodeUnhealthy),
		errors.Is(err, ledger.ErrBlockhashExpired):
		log.Debug("Automation %s: %v, retrying next slot", d.Address, err)
		n.observer.Requeue(d)
	case errors.As(err, &ae) && !ae.Code.Recoverable():
		log.Error("Automation %s: %s: %v", d.Address, ae.Code, err)
		n.observer.Remove(d.Address)
	default:
		log.Debug("Automation %s: %v", d.Address, err)
		n.reobserve(ctx, d.Address)
	}
}

// SubmitInstructions sends the instructions as one transaction signed by the
// node's signatory.
func (n *Node) SubmitInstructions(ctx context.Context, ixs ...*types.Instruction) (types.Signature, error) {
	bh, err := n.client.GetLatestBlockhash(ctx)
	if err != nil {
		return types.Signature{}, fmt.Errorf("reading blockhash: %w", err)
	}
	tx := types.NewTransaction(n.signer.Address(), bh, ixs...)
	if err := tx.Sign(n.signer); err != nil {
		return types.Signature{}, fmt.Errorf("signing transaction: %w", err)
	}
	return n.client.SendTransaction(ctx, tx)
}
