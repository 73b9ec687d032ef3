package main

import (
	"context"

	"github.com/pipedev/pipedev/internal/common/logger"
	"github.com/pipedev/pipedev/internal/events/bus"

	gateways "github.com/pipedev/pipedev/internal/gateway/websocket"
)

// provideGateway builds the WebSocket gateway and starts the hub loop and
// the event bus forwarder. Both stop when ctx is cancelled.
func provideGateway(ctx context.Context, eventBus bus.EventBus, log *logger.Logger) *gateways.Gateway {
	gateway := gateways.NewGateway(eventBus, log)
	gateway.Run(ctx)
	return gateway
}
