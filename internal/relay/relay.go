// Package relay fans broadcast triggers out across process instances over
// Redis Pub/Sub. Each instance publishes the id of a poll whose tally
// changed and re-reads the store when it receives one, so rooms on every
// instance converge without sharing membership state.
package relay

import (
	"context"
	"log"

	"github.com/redis/go-redis/v9"
)

const notifyChannel = "pollroom:notify"

// Handler is invoked with the poll id of each received notification.
type Handler func(pollId string)

type RedisRelay struct {
	rdb     *redis.Client
	log     *log.Logger
	handler Handler
	sub     *redis.PubSub
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewRedisRelay(rdb *redis.Client, handler Handler, logger *log.Logger) *RedisRelay {
	return &RedisRelay{
		rdb:     rdb,
		log:     logger,
		handler: handler,
		done:    make(chan struct{}),
	}
}

// Publish announces that a poll's tally changed. The message loops back to
// this instance's subscriber as well, which is what triggers the local
// broadcast.
func (r *RedisRelay) Publish(ctx context.Context, pollId string) error {
	return r.rdb.Publish(ctx, notifyChannel, pollId).Err()
}

// Run subscribes and dispatches notifications to the handler until Close is
// called.
func (r *RedisRelay) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.sub = r.rdb.Subscribe(ctx, notifyChannel)

	go func() {
		defer close(r.done)

		msgCh := r.sub.Channel()
		for {
			select {
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				r.handler(msg.Payload)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (r *RedisRelay) Close() error {
	if r.cancel != nil {
		r.cancel()
	}

	var err error
	if r.sub != nil {
		err = r.sub.Close()
		<-r.done
	}

	return err
}
