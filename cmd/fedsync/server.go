package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"fedsync/internal/constants"
	"fedsync/internal/database"
	apperrors "fedsync/internal/errors"
	"fedsync/internal/ephemeral"
	"fedsync/internal/federation"
	"fedsync/internal/metrics"
	"fedsync/internal/middleware"
	"fedsync/internal/models"
	"fedsync/internal/notify"
	"fedsync/internal/privacy"
	syncsvc "fedsync/internal/sync"
	"fedsync/internal/tracing"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type Server struct {
	router      *mux.Router
	cfg         *models.Config
	db          *database.Database
	bus         *notify.Bus
	ephemeral   *ephemeral.Store
	sender      *federation.Sender
	coordinator *syncsvc.Coordinator
	clock       clock.Clock
	logger      *logrus.Logger
	server      *http.Server
}

func NewServer(
	cfg *models.Config,
	db *database.Database,
	bus *notify.Bus,
	store *ephemeral.Store,
	sender *federation.Sender,
	coordinator *syncsvc.Coordinator,
	clk clock.Clock,
	logger *logrus.Logger,
) *Server {
	s := &Server{
		router:      mux.NewRouter(),
		cfg:         cfg,
		db:          db,
		bus:         bus,
		ephemeral:   store,
		sender:      sender,
		coordinator: coordinator,
		clock:       clk,
		logger:      logger,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Health check and metrics stay outside the observability
	// middleware; they are polled and would drown the request log.
	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)

	// The websocket stream also bypasses the middleware: the response
	// wrapper does not implement http.Hijacker, which the websocket
	// upgrade needs.
	s.router.HandleFunc("/client/v1/stream", s.handleStream()).Methods(http.MethodGet)

	observed := s.router.PathPrefix("/").Subrouter()
	observed.Use(middleware.ObservabilityMiddleware(s.logger))

	client := observed.PathPrefix("/client/v1").Subrouter()
	client.HandleFunc("/rooms/{roomID}/typing/{userID}", s.handleTyping()).Methods(http.MethodPut)
	client.HandleFunc("/rooms/{roomID}/receipt/{userID}", s.handleReceipt()).Methods(http.MethodPost)
	client.HandleFunc("/rooms/{roomID}/send", s.handleSend()).Methods(http.MethodPost)
	client.HandleFunc("/sync", s.handleSync()).Methods(http.MethodGet)

	admin := observed.PathPrefix("/admin/v1").Subrouter()
	admin.HandleFunc("/rooms/{roomID}/members", s.handleSetMember()).Methods(http.MethodPut)
	admin.HandleFunc("/rooms/{roomID}/members/{userID}", s.handleRemoveMember()).Methods(http.MethodDelete)
	admin.HandleFunc("/destinations", s.handleDestinations()).Methods(http.MethodGet)
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  constants.DefaultServerReadTimeoutSec * time.Second,
		WriteTimeout: constants.DefaultServerWriteTimeoutSec * time.Second,
		IdleTimeout:  constants.DefaultServerIdleTimeoutSec * time.Second,
	}

	s.logger.Infof("Starting server on port %d", s.cfg.Server.Port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := tracing.GetRequestID(r.Context())
	s.writeJSON(w, apperrors.HTTPStatusCode(err), apperrors.ToHTTPResponse(err, requestID))
}

// remoteServersInRoom resolves the fan-out set for a room, excluding
// this server itself.
func (s *Server) remoteServersInRoom(ctx context.Context, roomID string) ([]string, error) {
	servers, err := s.db.ServersInRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	remotes := servers[:0]
	for _, server := range servers {
		if server != s.cfg.Server.Name {
			remotes = append(remotes, server)
		}
	}
	return remotes, nil
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

type typingRequest struct {
	Typing    bool `json:"typing"`
	TimeoutMs int  `json:"timeout_ms"`
}

// handleTyping updates the live typing state for one user in one room.
// A start refreshes the expiry each time it arrives; a stop clears the
// entry immediately. Either way only an actual change signals waiters.
// Typing never triggers an outbound transaction on its own: the current
// set rides along with the next transaction each destination sends.
func (s *Server) handleTyping() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		roomID, userID := vars["roomID"], vars["userID"]

		var req typingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, apperrors.NewValidationError("body", "", err.Error()))
			return
		}

		var changed bool
		if req.Typing {
			ttl := time.Duration(req.TimeoutMs) * time.Millisecond
			if ttl <= 0 {
				ttl = time.Duration(s.cfg.Ephemeral.DefaultTypingMs) * time.Millisecond
			}
			maxTTL := time.Duration(s.cfg.Ephemeral.MaxTypingTimeoutMs) * time.Millisecond
			if ttl > maxTTL {
				ttl = maxTTL
			}
			changed = s.ephemeral.SetTyping(roomID, userID, ttl)
		} else {
			changed = s.ephemeral.ClearTyping(roomID, userID)
		}

		if changed {
			s.bus.Signal(roomID, notify.ClassTyping)
			metrics.IncrementCounter("typing_updates", map[string]string{
				"typing": strconv.FormatBool(req.Typing),
			}, "Typing state changes accepted")
		}

		s.logger.WithFields(logrus.Fields{
			"room":    privacy.MaskRoomID(roomID),
			"user":    privacy.MaskUserID(userID),
			"typing":  req.Typing,
			"changed": changed,
		}).Debug("Typing update")

		s.writeJSON(w, http.StatusOK, map[string]interface{}{})
	}
}

type receiptRequest struct {
	EventID string `json:"event_id"`
	TS      int64  `json:"ts"`
}

// handleReceipt records a read receipt and nudges every remote server
// sharing the room. The nudge is a hint, not a payload: each
// destination worker snapshots the receipt state itself when it builds
// its next transaction, filtered by that destination's watermark.
func (s *Server) handleReceipt() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		roomID, userID := vars["roomID"], vars["userID"]

		var req receiptRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, apperrors.NewValidationError("body", "", err.Error()))
			return
		}
		if req.EventID == "" {
			s.writeError(w, r, apperrors.NewValidationError("event_id", "", "event_id is required"))
			return
		}

		now := s.clock.Now()
		ts := req.TS
		if ts == 0 {
			ts = now.UnixMilli()
		}

		changed := s.ephemeral.SetReceipt(roomID, userID, models.Receipt{
			EventID: req.EventID,
			Cursor:  now.UnixMilli(),
			TS:      ts,
		})
		if !changed {
			// Stale or duplicate receipt; nothing moved, nobody to wake.
			s.writeJSON(w, http.StatusOK, map[string]interface{}{})
			return
		}

		s.bus.Signal(roomID, notify.ClassReceipt)

		remotes, err := s.remoteServersInRoom(r.Context(), roomID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		for _, destination := range remotes {
			s.sender.EnqueueEphemeralHint(destination)
		}

		metrics.IncrementCounter("receipts_accepted", nil, "Read receipts accepted")
		s.logger.WithFields(logrus.Fields{
			"room":         privacy.MaskRoomID(roomID),
			"user":         privacy.MaskUserID(userID),
			"destinations": len(remotes),
		}).Debug("Receipt recorded")

		s.writeJSON(w, http.StatusOK, map[string]interface{}{})
	}
}

// handleSend accepts a durable event, enqueues it for every remote
// server in the room, and wakes local sync waiters. Enqueueing is the
// commit point: once every destination row is written the event cannot
// be lost, only delayed.
func (s *Server) handleSend() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := mux.Vars(r)["roomID"]

		body, err := readLimitedBody(r, constants.MaxEventPayloadBytes)
		if err != nil {
			s.writeError(w, r, apperrors.NewValidationError("body", "", err.Error()))
			return
		}
		if !json.Valid(body) {
			s.writeError(w, r, apperrors.NewValidationError("body", "", "event payload must be valid JSON"))
			return
		}

		remotes, err := s.remoteServersInRoom(r.Context(), roomID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		for _, destination := range remotes {
			if err := s.sender.EnqueueDurable(r.Context(), destination, body); err != nil {
				s.logger.WithFields(logrus.Fields{
					"room":        privacy.MaskRoomID(roomID),
					"destination": privacy.MaskServerName(destination),
				}).WithError(err).Error("Failed to enqueue event")
				s.writeError(w, r, err)
				return
			}
		}

		s.bus.Signal(roomID, notify.ClassTimeline)

		metrics.IncrementCounter("events_accepted", nil, "Durable events accepted for federation")
		s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"destinations": len(remotes),
		})
	}
}

// handleSync implements the client long-poll. The coordinator blocks
// until something past the caller's cursor exists or the timeout
// elapses; a timeout still advances the cursor.
func (s *Server) handleSync() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user")
		if userID == "" {
			s.writeError(w, r, apperrors.NewValidationError("user", "", "user query parameter is required"))
			return
		}
		since := r.URL.Query().Get("since")

		timeout := time.Duration(s.cfg.Sync.DefaultTimeoutMs) * time.Millisecond
		if raw := r.URL.Query().Get("timeout"); raw != "" {
			ms, err := strconv.Atoi(raw)
			if err != nil || ms < 0 {
				s.writeError(w, r, apperrors.NewValidationError("timeout", raw, "timeout must be a non-negative number of milliseconds"))
				return
			}
			timeout = time.Duration(ms) * time.Millisecond
		}
		maxTimeout := time.Duration(s.cfg.Sync.MaxTimeoutMs) * time.Millisecond
		if timeout > maxTimeout {
			timeout = maxTimeout
		}

		resp, err := s.coordinator.Wait(r.Context(), userID, since, timeout)
		if err != nil {
			if r.Context().Err() != nil {
				// Client went away; nothing useful to write.
				return
			}
			s.writeError(w, r, err)
			return
		}

		s.writeJSON(w, http.StatusOK, resp)
	}
}

type memberRequest struct {
	UserID string `json:"user"`
	Server string `json:"server"`
}

func (s *Server) handleSetMember() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := mux.Vars(r)["roomID"]

		var req memberRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, apperrors.NewValidationError("body", "", err.Error()))
			return
		}
		if req.UserID == "" || req.Server == "" {
			s.writeError(w, r, apperrors.NewValidationError("member", "", "user and server are required"))
			return
		}

		err := s.db.SetRoomMember(r.Context(), models.RoomMember{
			RoomID: roomID,
			UserID: req.UserID,
			Server: req.Server,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		// Membership is room state; local waiters see it as a state
		// change on the room scope.
		s.bus.Signal(roomID, notify.ClassState)
		s.writeJSON(w, http.StatusOK, map[string]interface{}{})
	}
}

func (s *Server) handleRemoveMember() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		roomID, userID := vars["roomID"], vars["userID"]

		if err := s.db.RemoveRoomMember(r.Context(), roomID, userID); err != nil {
			s.writeError(w, r, err)
			return
		}

		s.bus.Signal(roomID, notify.ClassState)
		s.writeJSON(w, http.StatusOK, map[string]interface{}{})
	}
}

// handleDestinations exposes per-destination sender state for
// operators: status, consecutive failures, degraded flag.
func (s *Server) handleDestinations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, s.sender.Stats())
	}
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("payload exceeds %d bytes", limit)
	}
	return body, nil
}

// noStoredEvents is the event source used until a timeline store is
// attached: sync responses carry ephemeral sections and cursor movement
// only. Durable events still federate; they are not replayed to local
// clients from here.
type noStoredEvents struct{}

func (noStoredEvents) EventsSince(ctx context.Context, userID string, since notify.Versions) (models.SyncResponse, error) {
	return models.SyncResponse{}, nil
}
