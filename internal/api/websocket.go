package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

const (
	wsTypeQuestion = "question"
	wsTypeAnswer   = "answer"
	wsTypeError    = "error"

	wsWriteTimeout = 5 * time.Second
)

type wsMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

var wsClients atomic.Int64

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	// Same-origin and non-browser clients are always accepted; cross-origin
	// pages must match one of the configured patterns.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		log.Warnw("Websocket accept failed", "requestID", RequestID(r.Context()), "err", err)
		return
	}
	conn.SetReadLimit(maxBodyBytes)

	clientID := fmt.Sprintf("ws-%d", wsClients.Add(1))
	log.Infow("Websocket client connected", "client", clientID, "requestID", RequestID(r.Context()))
	defer func() {
		conn.CloseNow()
		log.Infow("Websocket client disconnected", "client", clientID)
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if err := s.wsReply(ctx, conn, wsTypeError, "Invalid message"); err != nil {
				return
			}
			continue
		}
		if msg.Type != wsTypeQuestion {
			continue
		}

		out, err := s.svc.Ask(ctx, msg.Content)
		if err != nil {
			_, detail := classify(err)
			log.Warnw("Websocket ask failed", "client", clientID, "err", err)
			if err := s.wsReply(ctx, conn, wsTypeError, detail); err != nil {
				return
			}
			continue
		}
		if err := s.wsReply(ctx, conn, wsTypeAnswer, out); err != nil {
			return
		}
	}
}

func (s *Server) wsReply(ctx context.Context, conn *websocket.Conn, typ, content string) error {
	data, err := json.Marshal(wsMessage{Type: typ, Content: content})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
