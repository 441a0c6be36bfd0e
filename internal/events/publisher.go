package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/serroba/edge-guard/internal/clock"
	"github.com/serroba/edge-guard/internal/messaging"
	"go.uber.org/zap"
)

// Recorder records decisions on a best effort basis. Implementations must not
// block the request for long and never fail it.
type Recorder interface {
	Record(ctx context.Context, event *DecisionEvent)
}

const (
	defaultBuffer         = 1024
	defaultPublishTimeout = 2 * time.Second
)

// PublisherOptions configures a Publisher. Zero values take the defaults.
type PublisherOptions struct {
	// Buffer is how many events can wait for the publisher. Defaults to 1024.
	Buffer int
	// Timeout bounds a single publish. Defaults to 2s.
	Timeout time.Duration
}

// Publisher records decisions by publishing them on TopicDecision from a
// background goroutine. Record never waits on the broker: when the buffer is
// full the event is dropped.
type Publisher struct {
	publish messaging.Publish[DecisionEvent]
	clock   clock.Clock
	logger  *zap.Logger
	timeout time.Duration

	mu      sync.RWMutex
	closed  bool
	queue   chan *DecisionEvent
	done    chan struct{}
	dropped atomic.Uint64
}

// NewPublisher creates a Publisher on top of a watermill publisher and starts
// its worker. Call Shutdown to flush buffered events.
func NewPublisher(publisher message.Publisher, clk clock.Clock, logger *zap.Logger, opts PublisherOptions) *Publisher {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}

	if opts.Timeout <= 0 {
		opts.Timeout = defaultPublishTimeout
	}

	p := &Publisher{
		publish: messaging.NewPublishFunc[DecisionEvent](publisher, TopicDecision),
		clock:   clk,
		logger:  logger,
		timeout: opts.Timeout,
		queue:   make(chan *DecisionEvent, opts.Buffer),
		done:    make(chan struct{}),
	}

	go p.run()

	return p
}

// Record queues event for publishing. The request context is not carried
// over since the event outlives the request.
func (p *Publisher) Record(_ context.Context, event *DecisionEvent) {
	if event.At.IsZero() {
		event.At = p.clock.Now().UTC()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.drop(event, "publisher closed")

		return
	}

	select {
	case p.queue <- event:
	default:
		p.drop(event, "buffer full")
	}
}

// Dropped reports how many events were discarded.
func (p *Publisher) Dropped() uint64 {
	return p.dropped.Load()
}

// Shutdown stops accepting events and waits for the buffered ones to be
// published.
func (p *Publisher) Shutdown() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	<-p.done

	return nil
}

func (p *Publisher) run() {
	defer close(p.done)

	for event := range p.queue {
		p.send(event)
	}
}

func (p *Publisher) send(event *DecisionEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if err := p.publish(ctx, event); err != nil {
		p.logger.Warn("failed to publish decision event",
			zap.String("policy", string(event.Policy)),
			zap.String("outcome", string(event.Outcome)),
			zap.Error(err),
		)
	}
}

// drop logs the first drop and every 1000th after it.
func (p *Publisher) drop(event *DecisionEvent, reason string) {
	n := p.dropped.Add(1)
	if n%1000 != 1 {
		return
	}

	p.logger.Warn("dropped decision event",
		zap.String("reason", reason),
		zap.String("policy", string(event.Policy)),
		zap.Uint64("dropped", n),
	)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Record(context.Context, *DecisionEvent) {}
