package redis

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"signalpipe/internal/application/port"
	"signalpipe/internal/domain/model"
)

// Publisher pushes processed-signal events to Redis for downstream
// consumers (notification workers, dashboards). Fire and forget: failures
// are logged, never surfaced to the processor.
type Publisher struct {
	rdb     *redis.Client
	stream  string
	channel string
}

func NewPublisher(rdb *redis.Client, stream, channel string) *Publisher {
	return &Publisher{rdb: rdb, stream: stream, channel: channel}
}

func (p *Publisher) Publish(ctx context.Context, event *model.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("type", event.Type).Msg("event marshal failed")
		return
	}

	// 1) Stream: XADD <stream> * type symbol payload
	_, err = p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"type":    event.Type,
			"symbol":  event.StrategySymbol,
			"payload": string(payload),
		},
	}).Result()
	if err != nil {
		log.Error().Err(err).Str("stream", p.stream).Msg("event stream publish failed")
	}

	// 2) PubSub: PUBLISH <channel> json
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		log.Error().Err(err).Str("channel", p.channel).Msg("event pubsub publish failed")
	}
}

var _ port.EventPublisher = (*Publisher)(nil)
