package memledger

import (
	"context"
	"fmt"

	"github.com/alphabill-org/automaton/internal/ledger"
	"github.com/alphabill-org/automaton/internal/ledger/broker"
	"github.com/alphabill-org/automaton/internal/types"
)

func (l *Ledger) SubscribeAccounts(ctx context.Context) (<-chan ledger.AccountUpdate, error) {
	out := make(chan ledger.AccountUpdate, l.cfg.EventBuffer)
	err := l.forward(ctx, broker.TopicAccounts, func(m broker.Message) bool {
		am, ok := m.(*broker.AccountMessage)
		if !ok {
			return true
		}
		select {
		case out <- am.Update:
			return true
		case <-ctx.Done():
			return false
		}
	}, func() { close(out) })
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Ledger) SubscribeSlots(ctx context.Context) (<-chan types.Clock, error) {
	out := make(chan types.Clock, l.cfg.EventBuffer)
	err := l.forward(ctx, broker.TopicSlots, func(m broker.Message) bool {
		sm, ok := m.(*broker.SlotMessage)
		if !ok {
			return true
		}
		select {
		case out <- sm.Clock:
			return true
		case <-ctx.Done():
			return false
		}
	}, func() { close(out) })
	if err != nil {
		return nil, err
	}
	return out, nil
}

// forward pumps messages of the topic to fn until ctx is cancelled or fn
// returns false.
func (l *Ledger) forward(ctx context.Context, topic broker.Topic, fn func(broker.Message) bool, done func()) error {
	messages, err := l.events.Subscribe(topic)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	go func() {
		defer done()
		defer l.events.Unsubscribe(topic, messages)
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-messages:
				if !fn(m) {
					return
				}
			}
		}
	}()
	return nil
}
