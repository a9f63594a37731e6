package stream

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"campusmerit.org/internal/ledger"
)

// Publisher is the slice of *redis.Client the sink needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// NewRedis opens a client for the event bus.
func NewRedis(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// RedisSink publishes every committed event as JSON on the prefix channel and
// on one channel per entity key ("<prefix>:<key>").
type RedisSink struct {
	rdb    Publisher
	prefix string
}

// NewRedisSink builds a sink publishing under prefix.
func NewRedisSink(rdb Publisher, prefix string) *RedisSink {
	if prefix == "" {
		prefix = "campusmerit.events"
	}
	return &RedisSink{rdb: rdb, prefix: prefix}
}

// Publish implements the engine's event sink.
func (s *RedisSink) Publish(ctx context.Context, events []ledger.Event) error {
	for _, ev := range events {
		jsonstr, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if err := s.rdb.Publish(ctx, s.prefix, jsonstr).Err(); err != nil {
			return err
		}
		for _, key := range ev.Keys {
			if err := s.rdb.Publish(ctx, s.prefix+":"+key, jsonstr).Err(); err != nil {
				return err
			}
		}
	}
	return nil
}
