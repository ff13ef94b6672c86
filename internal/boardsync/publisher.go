package boardsync

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	defaultPublishBuffer  = 1024
	redisPublishTimeout   = 2 * time.Second
	redisVersionKeyPrefix = "boardsync:version:"
)

type RedisPublisherOptions struct {
	Channel string
	Buffer  int
	Logger  log.FieldLogger
}

// RedisPublisher fans committed change-sets out to other nodes over Redis
// pub/sub and records each board's latest version under a plain key.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	events  chan DeltaEvent
	dropped atomic.Uint64
	logger  log.FieldLogger
}

func NewRedisPublisher(client *redis.Client, opts RedisPublisherOptions) *RedisPublisher {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = defaultPublishBuffer
	}
	channel := opts.Channel
	if channel == "" {
		channel = "boardsync:deltas"
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &RedisPublisher{
		client:  client,
		channel: channel,
		events:  make(chan DeltaEvent, buffer),
		logger:  logger,
	}
}

// BoardChanged queues ev for publication. Events are dropped when the queue
// is full.
func (p *RedisPublisher) BoardChanged(ev DeltaEvent) {
	select {
	case p.events <- ev:
	default:
		p.dropped.Add(1)
		p.logger.WithFields(log.Fields{"board": ev.BoardID, "version": ev.Version}).Warn("delta publish queue full, event dropped")
	}
}

func (p *RedisPublisher) Dropped() uint64 {
	return p.dropped.Load()
}

// Run publishes queued events until ctx is done.
func (p *RedisPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.events:
			if err := p.publish(ctx, ev); err != nil {
				p.logger.WithError(err).WithField("board", ev.BoardID).Error("publish delta")
			}
		}
	}
}

func (p *RedisPublisher) publish(ctx context.Context, ev DeltaEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, redisPublishTimeout)
	defer cancel()
	pipe := p.client.TxPipeline()
	pipe.Publish(ctx, p.channel, data)
	pipe.Set(ctx, redisVersionKeyPrefix+ev.BoardID, ev.Version, 0)
	_, err = pipe.Exec(ctx)
	return err
}

// SubscribeDeltas delivers events published by any node to fn until ctx is
// done, resubscribing if the channel closes.
func SubscribeDeltas(ctx context.Context, client *redis.Client, channel string, logger log.FieldLogger, fn func(DeltaEvent)) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	for {
		sub := client.Subscribe(ctx, channel)
		ch := sub.Channel()
	loop:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop
				}
				var ev DeltaEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					logger.WithError(err).Warn("unable to parse delta event")
					continue
				}
				fn(ev)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Error("delta channel closed, resubscribing")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}
