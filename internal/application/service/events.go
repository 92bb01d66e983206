package service

import (
	"context"

	"signalpipe/internal/application/port"
	"signalpipe/internal/domain/model"
)

// FanoutPublisher forwards each event to every configured publisher.
type FanoutPublisher struct {
	targets []port.EventPublisher
}

func NewFanoutPublisher(targets ...port.EventPublisher) *FanoutPublisher {
	return &FanoutPublisher{targets: targets}
}

func (f *FanoutPublisher) Publish(ctx context.Context, event *model.Event) {
	for _, t := range f.targets {
		t.Publish(ctx, event)
	}
}

// NoopPublisher is used when no event sink is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, *model.Event) {}

var (
	_ port.EventPublisher = (*FanoutPublisher)(nil)
	_ port.EventPublisher = NoopPublisher{}
)
