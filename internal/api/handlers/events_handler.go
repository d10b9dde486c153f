package handlers

import (
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/talentgraph/backend/internal/events"
	"github.com/talentgraph/backend/pkg/logger"
)

type EventsHandler struct {
	hub *events.Hub
}

func NewEventsHandler(hub *events.Hub) *EventsHandler {
	return &EventsHandler{hub: hub}
}

// HandleConnection streams profile lifecycle events to the client until it
// disconnects. The read loop exists only to notice the close.
func (h *EventsHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("Event stream connection established")

	ch, cancel := h.hub.Subscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		cancel()
		c.Close()
		logger.Info("Event stream connection closed")
	}()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := c.WriteJSON(ev); err != nil {
				logger.Debug("Event stream write failed", zap.Error(err))
				return
			}
		case <-closed:
			return
		}
	}
}
