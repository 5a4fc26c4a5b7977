package main

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// relay fans broadcast frames out to every motion client, possibly across
// server instances.
type relay interface {
	Publish(ctx context.Context, msg []byte) error
}

// localRelay broadcasts straight to this instance's hub.
type localRelay struct {
	hub *Hub
}

func (r localRelay) Publish(_ context.Context, msg []byte) error {
	r.hub.Broadcast(msg)
	return nil
}

// redisRelay publishes to a Redis channel; every instance subscribed to the
// channel rebroadcasts to its own hub.
type redisRelay struct {
	rdb   *redis.Client
	topic string
	hub   *Hub
	log   *slog.Logger
}

func (r *redisRelay) Publish(ctx context.Context, msg []byte) error {
	return r.rdb.Publish(ctx, r.topic, msg).Err()
}

// run forwards messages from Redis to the hub until ctx ends.
func (r *redisRelay) run(ctx context.Context) {
	pubsub := r.rdb.Subscribe(ctx, r.topic)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.log.Debug("relaying motion frame from redis", "bytes", len(msg.Payload))
			r.hub.Broadcast([]byte(msg.Payload))
		}
	}
}
