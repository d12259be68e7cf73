package eventbus

import (
	"context"
	"strings"
	"sync"

	"github.com/flitsinc/go-objects/internal/idgen"
	"github.com/flitsinc/go-objects/internal/state"
)

// Message is one committed change event, tagged with the actor that
// produced it ("kind/id").
type Message struct {
	Stream string      `json:"stream"`
	Event  state.Event `json:"event"`
}

// Bus fans committed CDC events out to live subscribers. It keeps no
// history: the durable log lives in each actor's store.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*subscriber
}

type subscriber struct {
	streams map[string]struct{}
	ch      chan Message
}

func NewBus() *Bus {
	return &Bus{subs: map[string]*subscriber{}}
}

// StreamName is the stream key of actor kind/id.
func StreamName(kind, id string) string {
	return kind + "/" + id
}

// Publish broadcasts events for stream. Slow subscribers miss messages
// rather than block the publishing actor.
func (b *Bus) Publish(stream string, events []state.Event) {
	for _, evt := range events {
		b.broadcast(Message{Stream: stream, Event: evt})
	}
}

// Subscribe returns a channel of messages for the given streams (all
// streams when none are given). The channel closes when ctx is done.
func (b *Bus) Subscribe(ctx context.Context, streams []string) <-chan Message {
	ch := make(chan Message, 64)
	streamSet := map[string]struct{}{}
	for _, s := range streams {
		if s = strings.TrimSpace(s); s == "" {
			continue
		}
		streamSet[s] = struct{}{}
	}
	id := idgen.Sortable()

	sub := &subscriber{streams: streamSet, ch: ch}
	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}()

	return ch
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) broadcast(msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if len(sub.streams) > 0 {
			if _, ok := sub.streams[msg.Stream]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- msg:
		default:
			// Drop if subscriber is slow.
		}
	}
}
