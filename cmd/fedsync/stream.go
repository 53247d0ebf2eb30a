package main

import (
	"net/http"
	"time"

	"fedsync/internal/constants"
	"fedsync/internal/metrics"
	"fedsync/internal/notify"
	"fedsync/internal/privacy"
	syncsvc "fedsync/internal/sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"
)

// streamNotification tells a connected client that data past its last
// cursor exists. It carries no content; the client follows up with a
// sync request using the cursor.
type streamNotification struct {
	NextBatch string `json:"next_batch"`
}

// handleStream pushes change notifications over a websocket instead of
// making the client re-poll. Semantically it is the long-poll loop with
// the timeout removed: the same scopes, the same version comparison,
// one notification per observed advance.
func (s *Server) handleStream() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user")
		if userID == "" {
			http.Error(w, "user query parameter is required", http.StatusBadRequest)
			return
		}

		rooms, err := s.db.RoomsForUser(r.Context(), userID)
		if err != nil {
			s.logger.WithError(err).Error("Failed to resolve rooms for stream")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		scopes := append(append([]string{}, rooms...), userID)

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			s.logger.WithError(err).Debug("Websocket accept failed")
			return
		}
		defer conn.CloseNow()

		// Clients only listen on this socket; CloseRead drains control
		// frames and cancels the context when the peer goes away.
		ctx := conn.CloseRead(r.Context())

		metrics.IncrementCounter("stream_connections", nil, "Websocket stream connections opened")
		s.logger.WithField("user", privacy.MaskUserID(userID)).Debug("Stream connected")

		last := s.bus.Global()
		if err := wsjson.Write(ctx, conn, streamNotification{NextBatch: syncsvc.FormatCursor(last)}); err != nil {
			return
		}

		for {
			timer := s.clock.Timer(constants.DefaultStreamHeartbeatSec * time.Second)
			cause := s.bus.Wait(ctx, scopes, last, timer.C)
			timer.Stop()

			switch cause {
			case notify.WakeSignal:
				current := s.bus.Global()
				if !current.AnyNewerThan(last) {
					continue
				}
				if err := wsjson.Write(ctx, conn, streamNotification{NextBatch: syncsvc.FormatCursor(current)}); err != nil {
					s.logger.WithFields(logrus.Fields{
						"user": privacy.MaskUserID(userID),
					}).WithError(err).Debug("Stream write failed, closing")
					return
				}
				last = current
			case notify.WakeTimeout:
				if err := conn.Ping(ctx); err != nil {
					return
				}
			case notify.WakeCancelled:
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}
}
