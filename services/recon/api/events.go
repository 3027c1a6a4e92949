// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/platerecon/services/recon/app"
	"github.com/AleutianAI/platerecon/services/recon/layer"
)

const (
	eventBufferSize = 256
	writeTimeout    = 5 * time.Second
	pingInterval    = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// graphEventMessage converts a graph event. It runs inside graph calls and
// only queries the handles the event carries.
func graphEventMessage(e layer.Event) EventMessage {
	msg := EventMessage{Type: e.Kind.String(), Layer: e.LayerName, Channel: e.Channel}
	if msg.Layer == "" && e.Layer.IsValid() {
		msg.Layer = e.Layer.Name()
	}
	if e.InputFile.IsValid() {
		if f, err := e.InputFile.File(); err == nil {
			msg.File = f.Path()
		}
	}
	switch e.Kind {
	case layer.EventLayerActivationChanged, layer.EventInputFileActivationChanged:
		active := e.Active
		msg.Active = &active
	}
	return msg
}

func changeMessage(c app.Change) EventMessage {
	t, anchor := c.Time, uint32(c.Anchor)
	return EventMessage{Type: c.Kind.String(), Time: &t, Anchor: &anchor}
}

// handleEvents streams graph events and time/anchor changes over a
// WebSocket. The first message is a "hello" carrying the current time and
// anchor; everything after it is live.
//
// Graph listeners run under the state lock, so events are queued without
// blocking. A client that falls eventBufferSize messages behind loses the
// overflow and is told so with a "dropped" message.
func (s *Server) handleEvents(c *gin.Context) {
	logger := s.requestLogger(c)
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	queue := make(chan EventMessage, eventBufferSize)
	var dropped atomic.Int64
	enqueue := func(m EventMessage) {
		select {
		case queue <- m:
		default:
			dropped.Add(1)
		}
	}

	unsubscribeGraph := s.state.SubscribeGraph(func(e layer.Event) { enqueue(graphEventMessage(e)) })
	defer unsubscribeGraph()
	unsubscribeChanges := s.state.OnChange(func(ch app.Change) { enqueue(changeMessage(ch)) })
	defer unsubscribeChanges()

	t, anchor := s.state.ReconstructionTime(), uint32(s.state.AnchoredPlateID())
	if err := s.writeEvent(ws, EventMessage{Type: "hello", Time: &t, Anchor: &anchor}); err != nil {
		return
	}
	logger.Info("event stream opened")

	// The read loop only notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	ctx := c.Request.Context()

	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			logger.Info("event stream closed")
			return
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case msg := <-queue:
			if n := dropped.Swap(0); n > 0 {
				if err := s.writeEvent(ws, EventMessage{Type: "dropped"}); err != nil {
					return
				}
				logger.Warn("event stream overflow", slog.Int64("dropped", n))
			}
			if err := s.writeEvent(ws, msg); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeEvent(ws *websocket.Conn, msg EventMessage) error {
	if err := ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if err := ws.WriteJSON(msg); err != nil {
		s.logger.Debug("websocket write failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}
