package redis

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"chatlink/internal/core/contracts"

	"github.com/redis/go-redis/v9"
)

const changeChannel = "doc-changes"

// ChangeFeed fans document-write notices out over a Redis pub/sub
// channel. The Postgres document store announces every write here and
// its live watches listen.
type ChangeFeed struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewChangeFeed(log *slog.Logger, rdb *redis.Client) *ChangeFeed {
	return &ChangeFeed{rdb: rdb, log: log}
}

func (f *ChangeFeed) Announce(ctx context.Context, ch contracts.Change) error {
	raw, err := json.Marshal(ch)
	if err != nil {
		return err
	}
	return f.rdb.Publish(ctx, changeChannel, raw).Err()
}

type feedSubscription struct {
	cancel context.CancelFunc
	pubsub *redis.PubSub
	once   sync.Once
}

func (s *feedSubscription) Close() {
	s.once.Do(func() {
		s.cancel()
		_ = s.pubsub.Close()
	})
}

// Listen delivers every announced change to handler until the
// subscription is closed. The receive loop runs on its own goroutine
// with a context detached from ctx; closing the subscription is the
// only way to stop it.
func (f *ChangeFeed) Listen(ctx context.Context, handler func(contracts.Change)) (contracts.Subscription, error) {
	pubsub := f.rdb.Subscribe(ctx, changeChannel)
	// Force the subscription to be established before returning so no
	// announcement published after Listen is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &feedSubscription{cancel: cancel, pubsub: pubsub}
	go func() {
		msgs := pubsub.Channel()
		for {
			select {
			case <-loopCtx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ch contracts.Change
				if err := json.Unmarshal([]byte(msg.Payload), &ch); err != nil {
					f.log.Error("changefeed - listen - bad payload", "err", err)
					continue
				}
				handler(ch)
			}
		}
	}()
	return sub, nil
}
