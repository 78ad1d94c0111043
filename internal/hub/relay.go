package hub

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"kanban-sync/internal/domain"
)

// RedisRelay shares notifications between server instances over a Redis
// pub/sub channel. Every instance, including the publisher, delivers what it
// receives to its local registry.
type RedisRelay struct {
	rc      *redis.Client
	channel string
	local   *Registry
	log     *log.Logger

	reconnectDelay time.Duration
}

func NewRedisRelay(rc *redis.Client, channel string, local *Registry, logger *log.Logger) *RedisRelay {
	return &RedisRelay{
		rc:             rc,
		channel:        channel,
		local:          local,
		log:            logger,
		reconnectDelay: time.Second,
	}
}

// Publish sends ev to every instance. When Redis is unreachable the event is
// still delivered to this instance's clients.
func (r *RedisRelay) Publish(ctx context.Context, ev domain.Event) error {
	data, err := ev.Encode()
	if err != nil {
		return err
	}
	if err := r.rc.Publish(ctx, r.channel, data).Err(); err != nil {
		r.log.WithError(err).WithField("event", ev.Name).Warn("relay publish failed, delivering locally")
		r.local.Broadcast(ev)
	}
	return nil
}

// Run subscribes to the relay channel until ctx is done, resubscribing when
// the subscription drops.
func (r *RedisRelay) Run(ctx context.Context) {
	for {
		sub := r.rc.Subscribe(ctx, r.channel)
		if _, err := sub.Receive(ctx); err != nil {
			_ = sub.Close()
			if ctx.Err() != nil {
				return
			}
			r.log.WithError(err).Error("relay subscribe failed")
			if !sleepCtx(ctx, r.reconnectDelay) {
				return
			}
			continue
		}
		r.log.WithField("channel", r.channel).Info("relay subscribed")
		r.consume(ctx, sub.Channel())
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		r.log.Error("relay channel closed, reconnecting")
		if !sleepCtx(ctx, r.reconnectDelay) {
			return
		}
	}
}

func (r *RedisRelay) consume(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			ev, err := domain.DecodeEvent([]byte(msg.Payload))
			if err != nil {
				r.log.WithError(err).Error("unable to parse relayed event")
				continue
			}
			r.local.Broadcast(ev)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
