package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"siderec/internal/redisconn"
)

// RedisBusConfig configures the Redis Streams bus.
type RedisBusConfig struct {
	Client redisconn.Config
	// Stream defaults to "siderec:presence".
	Stream string
	// Group defaults to "duration-recorder". Every instance joins the same
	// group so each event is handled once across the fleet.
	Group        string
	BlockTimeout time.Duration
	Buffer       int
	Logger       *slog.Logger
}

// NewRedisBus connects to Redis and prepares the consumer group.
func NewRedisBus(ctx context.Context, cfg RedisBusConfig) (Bus, error) {
	client, err := redisconn.New(ctx, cfg.Client)
	if err != nil {
		return nil, err
	}
	bus := newRedisBus(client, cfg)
	if err := bus.ensureGroup(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return bus, nil
}

func newRedisBus(client redis.UniversalClient, cfg RedisBusConfig) *redisBus {
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "siderec:presence"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "duration-recorder"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 128
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &redisBus{
		client:       client,
		stream:       stream,
		group:        group,
		blockTimeout: cfg.BlockTimeout,
		buffer:       cfg.Buffer,
		logger:       logger,
	}
}

type redisBus struct {
	client       redis.UniversalClient
	stream       string
	group        string
	blockTimeout time.Duration
	buffer       int
	logger       *slog.Logger

	groupMu    sync.Mutex
	groupReady atomic.Bool

	subsMu sync.Mutex
	subs   []*redisSubscription
}

func (b *redisBus) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return errEventType
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.ensureGroup(ctx); err != nil {
		return err
	}
	return b.add(ctx, payload)
}

func (b *redisBus) add(ctx context.Context, payload []byte) error {
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		Values: map[string]interface{}{"payload": string(payload)},
	}).Err()
}

func (b *redisBus) Subscribe() Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{
		bus:      b,
		consumer: "consumer-" + uuid.NewString(),
		cancel:   cancel,
		ch:       make(chan Event, b.buffer),
		done:     make(chan struct{}),
	}
	b.subsMu.Lock()
	b.subs = append(b.subs, sub)
	b.subsMu.Unlock()
	go sub.run(ctx)
	return sub
}

// Close stops every subscription and releases the client.
func (b *redisBus) Close() error {
	b.subsMu.Lock()
	subs := b.subs
	b.subs = nil
	b.subsMu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	return b.client.Close()
}

func (b *redisBus) ensureGroup(ctx context.Context) error {
	if b.groupReady.Load() {
		return nil
	}
	b.groupMu.Lock()
	defer b.groupMu.Unlock()
	if b.groupReady.Load() {
		return nil
	}
	err := b.client.XGroupCreateMkStream(ctx, b.stream, b.group, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create consumer group: %w", err)
	}
	b.groupReady.Store(true)
	return nil
}

type redisSubscription struct {
	bus      *redisBus
	consumer string
	cancel   context.CancelFunc

	once sync.Once
	ch   chan Event
	done chan struct{}
}

func (s *redisSubscription) Events() <-chan Event {
	return s.ch
}

// Close cancels the reader and waits for it to release the channel.
func (s *redisSubscription) Close() {
	s.once.Do(func() {
		s.cancel()
	})
	<-s.done
}

func (s *redisSubscription) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.ch)
	logger := s.bus.logger
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.bus.ensureGroup(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("presence bus group ensure failed", "error", err)
			s.pause(ctx)
			continue
		}
		streams, err := s.bus.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.bus.group,
			Consumer: s.consumer,
			Streams:  []string{s.bus.stream, ">"},
			Count:    32,
			Block:    s.bus.blockTimeout,
		}).Result()
		if err != nil {
			if redisconn.IsNil(err) {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			logger.Warn("presence bus read failed", "error", err)
			s.pause(ctx)
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				if !s.deliver(ctx, msg) {
					return
				}
			}
		}
	}
}

// deliver hands one stream entry to the consumer. It returns false when the
// subscription is shutting down; the entry is then re-added for another
// consumer.
func (s *redisSubscription) deliver(ctx context.Context, msg redis.XMessage) bool {
	raw, _ := msg.Values["payload"].(string)
	var event Event
	if err := json.Unmarshal([]byte(raw), &event); err != nil || event.Type == "" {
		s.bus.logger.Error("presence bus decode failed", "id", msg.ID, "error", err)
		s.ack(ctx, msg.ID)
		return true
	}
	select {
	case s.ch <- event:
		s.ack(ctx, msg.ID)
		return true
	case <-ctx.Done():
		s.requeue(msg.ID, raw)
		return false
	}
}

func (s *redisSubscription) ack(ctx context.Context, id string) {
	if err := s.bus.client.XAck(ctx, s.bus.stream, s.bus.group, id).Err(); err != nil {
		s.bus.logger.Warn("presence bus ack failed", "id", id, "error", err)
	}
}

func (s *redisSubscription) requeue(id, payload string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.ack(ctx, id)
	if err := s.bus.add(ctx, []byte(payload)); err != nil {
		s.bus.logger.Warn("presence bus requeue failed", "id", id, "error", err)
	}
}

func (s *redisSubscription) pause(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(200 * time.Millisecond):
	}
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}
