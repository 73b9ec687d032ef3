package main

import (
	"github.com/pipedev/pipedev/internal/common/config"
	"github.com/pipedev/pipedev/internal/common/logger"
	"github.com/pipedev/pipedev/internal/events"
	"github.com/pipedev/pipedev/internal/events/bus"
)

func provideEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, func() error, error) {
	provider, cleanup, err := events.Provide(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return provider.Bus, cleanup, nil
}
