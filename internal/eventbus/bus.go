// Package eventbus carries kernel audit entries off the world loop to any
// number of sinks through an in-process watermill pub/sub.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"hackworld.ai/internal/ids"
	"hackworld.ai/internal/logging"
	"hackworld.ai/internal/protocol"
	"hackworld.ai/internal/sim/world"
)

const TopicAudit = "kernel.audit"

var ErrClosed = errors.New("eventbus: closed")

// AuditSink is anything that stores audit entries.
type AuditSink interface {
	WriteAudit(world.AuditEntry) error
}

// Bus implements world.AuditLogger. WriteAudit only enqueues; a pump
// goroutine publishes in order and waits for every sink to ack, so sinks see
// entries in the order the world produced them.
type Bus struct {
	pubsub *gochannel.GoChannel
	log    logging.Logger

	queue   chan world.AuditEntry
	closed  atomic.Bool
	once    sync.Once
	done    chan struct{}
	dropped atomic.Uint64
}

func New(buffer int, log logging.Logger) *Bus {
	if log == nil {
		log = logging.Noop()
	}
	if buffer <= 0 {
		buffer = 1024
	}
	ps := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            int64(buffer),
		BlockPublishUntilSubscriberAck: true,
	}, watermill.NewSlogLogger(logging.Slog(log)))
	b := &Bus{
		pubsub: ps,
		log:    log.With(logging.String("component", "eventbus")),
		queue:  make(chan world.AuditEntry, buffer),
		done:   make(chan struct{}),
	}
	go b.pump()
	return b
}

func (b *Bus) WriteAudit(e world.AuditEntry) error {
	if b.closed.Load() {
		return ErrClosed
	}
	select {
	case b.queue <- e:
		return nil
	default:
		b.dropped.Add(1)
		return fmt.Errorf("eventbus: queue full, audit entry at tick %d dropped", e.Tick)
	}
}

// Dropped counts entries refused because the queue was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

func (b *Bus) pump() {
	defer close(b.done)
	for e := range b.queue {
		payload, err := protocol.Marshal(e)
		if err != nil {
			b.log.Error(context.Background(), "encode audit entry", logging.Err(err))
			continue
		}
		msg := message.NewMessage(ids.New(), payload)
		msg.Metadata.Set("action", e.Action)
		msg.Metadata.Set("tick", strconv.FormatUint(e.Tick, 10))
		if err := b.pubsub.Publish(TopicAudit, msg); err != nil {
			b.log.Warn(context.Background(), "publish audit entry", logging.Err(err))
		}
	}
}

// Forward subscribes sink to the audit topic until ctx ends. Entries
// published before Forward is called are not delivered to it, and neither are
// entries still queued when ctx ends, so call Close before cancelling ctx.
func (b *Bus) Forward(ctx context.Context, name string, sink AuditSink) error {
	msgs, err := b.pubsub.Subscribe(ctx, TopicAudit)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", name, err)
	}
	log := b.log.With(logging.String("sink", name))
	go func() {
		for msg := range msgs {
			var e world.AuditEntry
			if err := protocol.Unmarshal(msg.Payload, &e); err != nil {
				log.Warn(ctx, "undecodable audit message", logging.String("uuid", msg.UUID), logging.Err(err))
				msg.Ack()
				continue
			}
			if err := sink.WriteAudit(e); err != nil {
				log.Warn(ctx, "audit sink write failed", logging.Uint64("tick", e.Tick), logging.Err(err))
			}
			msg.Ack()
		}
	}()
	return nil
}

// Close publishes what is still queued, then shuts the pub/sub down.
func (b *Bus) Close() error {
	var err error
	b.once.Do(func() {
		b.closed.Store(true)
		close(b.queue)
		<-b.done
		err = b.pubsub.Close()
	})
	return err
}
