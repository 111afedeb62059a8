package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Memory is a single-process broker. Each channel owns one dispatch
// goroutine, which preserves per-channel order to every subscriber. A panic
// in one handler is recovered and never reaches other handlers or the
// publisher.
type Memory struct {
	Logger *zap.Logger

	mu       sync.Mutex
	channels map[string]*memoryChannel
	closed   bool
}

type memoryChannel struct {
	mu       sync.RWMutex
	handlers []Handler
	queue    chan Envelope
	done     chan struct{}
}

func NewMemory(logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{Logger: logger, channels: make(map[string]*memoryChannel)}
}

func (b *Memory) channel(name string) *memoryChannel {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[name]
	if !ok {
		ch = &memoryChannel{
			queue: make(chan Envelope, 256),
			done:  make(chan struct{}),
		}
		b.channels[name] = ch
		go b.dispatch(name, ch)
	}
	return ch
}

func (b *Memory) dispatch(name string, ch *memoryChannel) {
	for {
		select {
		case env := <-ch.queue:
			ch.mu.RLock()
			handlers := make([]Handler, len(ch.handlers))
			copy(handlers, ch.handlers)
			ch.mu.RUnlock()
			for _, h := range handlers {
				b.deliver(name, h, env)
			}
		case <-ch.done:
			return
		}
	}
}

func (b *Memory) deliver(name string, h Handler, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.Logger.Error("event handler panicked",
				zap.String("channel", name),
				zap.String("eventType", env.EventType),
				zap.Any("panic", r))
		}
	}()
	h(context.Background(), env)
}

func (b *Memory) Publish(_ context.Context, channel string, env Envelope) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	ch := b.channel(channel)
	select {
	case ch.queue <- env:
	default:
		// queue full: drop, delivery is at-most-once
		b.Logger.Warn("event dropped, channel queue full",
			zap.String("channel", channel),
			zap.String("eventType", env.EventType))
	}
	return nil
}

func (b *Memory) Subscribe(channel string, h Handler) {
	ch := b.channel(channel)
	ch.mu.Lock()
	ch.handlers = append(ch.handlers, h)
	ch.mu.Unlock()
}

func (b *Memory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, ch := range b.channels {
		close(ch.done)
	}
	return nil
}
