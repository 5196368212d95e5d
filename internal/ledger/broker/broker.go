package broker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
)

type Topic string

const (
	TopicAccounts Topic = "accounts"
	TopicSlots    Topic = "slots"
)

type Message interface {
	WriteSSE(w io.Writer) error
}

type subscribers map[Topic][]chan Message

/*
MessageBroker fans ledger events out to subscribers. Notify never blocks the
publisher: when subscriber's buffer is full the message is dropped for that
subscriber.
*/
type MessageBroker struct {
	subscriptions atomic.Value
	m             sync.Mutex
	bufSize       int
	maxPerTopic   int
}

func NewBroker(bufSize, maxPerTopic int) *MessageBroker {
	if bufSize <= 0 {
		bufSize = 5
	}
	if maxPerTopic <= 0 {
		maxPerTopic = 16
	}
	b := &MessageBroker{bufSize: bufSize, maxPerTopic: maxPerTopic}
	b.subscriptions.Store(make(subscribers))
	return b
}

func (b *MessageBroker) Subscribe(topic Topic) (<-chan Message, error) {
	b.m.Lock()
	defer b.m.Unlock()

	clients := b.subscriptions.Load().(subscribers)
	channels := clients[topic]
	if len(channels) >= b.maxPerTopic {
		return nil, fmt.Errorf("topic %q already has maximum allowed number of subscriptions", topic)
	}

	clients = b.cloneSubscriptions()
	ch := make(chan Message, b.bufSize)
	clients[topic] = append(channels, ch)
	b.subscriptions.Store(clients)

	return ch, nil
}

func (b *MessageBroker) Unsubscribe(topic Topic, c <-chan Message) {
	b.m.Lock()
	defer b.m.Unlock()

	clients := b.cloneSubscriptions()

	var channels []chan Message
	for _, v := range clients[topic] {
		if c != v {
			channels = append(channels, v)
		}
	}
	if len(channels) == 0 {
		delete(clients, topic)
	} else {
		clients[topic] = channels
	}
	b.subscriptions.Store(clients)
}

// Subscribers returns number of subscriptions to the topic.
func (b *MessageBroker) Subscribers(topic Topic) int {
	return len(b.subscriptions.Load().(subscribers)[topic])
}

func (b *MessageBroker) cloneSubscriptions() subscribers {
	clients := b.subscriptions.Load().(subscribers)
	clone := make(subscribers, len(clients))
	for k, v := range clients {
		clone[k] = v
	}
	return clone
}

func (b *MessageBroker) Notify(topic Topic, msg Message) {
	subs := b.subscriptions.Load().(subscribers)
	for _, c := range subs[topic] {
		select {
		case c <- msg:
		default:
		}
	}
}

/*
StreamSSE subscribes to the topic and streams the messages it receives as
server-sent events to "w" until "ctx" is cancelled (in which case nil error
is returned). Upon return it also unsubscribes from the message broker.
*/
func (b *MessageBroker) StreamSSE(ctx context.Context, topic Topic, w http.ResponseWriter) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming is not supported")
	}

	messages, err := b.Subscribe(topic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to message broker: %w", err)
	}
	defer func() { b.Unsubscribe(topic, messages) }()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-messages:
			if err := msg.WriteSSE(w); err != nil {
				return fmt.Errorf("failed to write event to SSE stream: %w", err)
			}
			flusher.Flush()
		}
	}
}
