package websocket

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/pipedev/pipedev/internal/common/logger"
	"github.com/pipedev/pipedev/internal/events/bus"
)

// Gateway bundles the hub, the HTTP handler and the bus forwarder.
type Gateway struct {
	Hub       *Hub
	Handler   *Handler
	forwarder *EventForwarder
	logger    *logger.Logger
}

// NewGateway creates a gateway and wires the event bus into the hub. Run
// must be called before clients connect.
func NewGateway(eventBus bus.EventBus, log *logger.Logger) *Gateway {
	hub := NewHub(log)
	return &Gateway{
		Hub:       hub,
		Handler:   NewHandler(hub, log),
		forwarder: NewEventForwarder(eventBus, hub, log),
		logger:    log,
	}
}

// Run starts the hub loop and the bus subscriptions. Both stop when the
// context is cancelled.
func (g *Gateway) Run(ctx context.Context) {
	go g.Hub.Run(ctx)
	g.forwarder.Start(ctx)
}

// SetupRoutes adds the WebSocket routes to the Gin engine
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)
}
