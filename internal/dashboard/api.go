package dashboard

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/issuebridge/issuebridge/internal/confirm"
	"github.com/issuebridge/issuebridge/internal/db"
	"github.com/issuebridge/issuebridge/internal/schema"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Handler returns the full HTTP handler: the JSON API behind CORS, access
// logging and metrics, plus the WebSocket endpoint.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(requestID, instrument)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/connections", s.handleListConnections).Methods(http.MethodGet)
	api.HandleFunc("/connections", s.handleAddConnection).Methods(http.MethodPost)
	api.HandleFunc("/connections/{id:[0-9]+}", s.handleDeleteConnection).Methods(http.MethodDelete)
	api.HandleFunc("/tracked-issues", s.handleTracked).Methods(http.MethodGet)
	api.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)
	api.HandleFunc("/bulk-retire", s.handleBulkRetire).Methods(http.MethodPost)
	api.HandleFunc("/bulk-retire/{token}/{action:confirm|cancel}", s.handleBulkResolve).Methods(http.MethodPost)
	api.HandleFunc("/test-notion", s.handleTestNotion).Methods(http.MethodPost)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler())

	var h http.Handler = r
	h = handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", RequestIDHeader}),
	)(h)
	h = accessLog(s.logger, h)
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{s.logger}))(h)

	// The WebSocket endpoint bypasses the wrapping writers so the
	// connection can be hijacked.
	root := http.NewServeMux()
	root.HandleFunc("/ws", s.handleWebSocket)
	root.Handle("/", h)
	return root
}

type recoveryLogger struct{ logger logrus.FieldLogger }

func (l recoveryLogger) Println(v ...interface{}) {
	l.logger.Error(fmt.Sprint(v...))
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// decodeBody decodes and validates a JSON request body.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid request: %s", strings.Join(msgs, "; "))
		}
		return err
	}
	return nil
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("all") != "true"
	conns, err := s.deps.Store.ListConnectionsContext(r.Context(), activeOnly)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list connections")
		writeError(w, http.StatusInternalServerError, "failed to list connections")
		return
	}
	if conns == nil {
		conns = []*schema.Connection{}
	}
	writeJSON(w, http.StatusOK, conns)
}

type addConnectionRequest struct {
	SourceDatabaseID string `json:"source_database_id" validate:"required,max=100"`
	SinkChannelID    string `json:"sink_channel_id" validate:"required,numeric,max=32"`
	Name             string `json:"name" validate:"max=200"`
	SinkName         string `json:"sink_name" validate:"max=200"`
}

func (s *Server) handleAddConnection(w http.ResponseWriter, r *http.Request) {
	var req addConnectionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn := &schema.Connection{
		SourceDatabaseID: strings.TrimSpace(req.SourceDatabaseID),
		SinkChannelID:    strings.TrimSpace(req.SinkChannelID),
		Name:             strings.TrimSpace(req.Name),
		SinkName:         strings.TrimSpace(req.SinkName),
		Active:           true,
	}

	if s.deps.Source != nil {
		info, err := s.deps.Source.DescribeDatabase(r.Context(), conn.SourceDatabaseID)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("cannot access source database: %v", err))
			return
		}
		conn.SourceName = info.Title
		if conn.Name == "" && info.Title != "" {
			conn.Name = info.Title
		}
	}

	if err := s.deps.Store.AddConnectionContext(r.Context(), conn); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			writeError(w, http.StatusConflict, "this database is already connected to this channel")
			return
		}
		s.logger.WithError(err).Error("Failed to add connection")
		writeError(w, http.StatusInternalServerError, "failed to add connection")
		return
	}

	s.logger.WithFields(logrus.Fields{"connection": conn.ID, "name": conn.Name}).Info("Connection added")
	writeJSON(w, http.StatusCreated, conn)
}

func (s *Server) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid connection id")
		return
	}
	hard := r.URL.Query().Get("hard") == "true"

	if err := s.deps.Store.DeleteConnectionContext(r.Context(), id, hard); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, "connection not found")
			return
		}
		s.logger.WithError(err).Error("Failed to delete connection")
		writeError(w, http.StatusInternalServerError, "failed to delete connection")
		return
	}
	s.logger.WithFields(logrus.Fields{"connection": id, "hard": hard}).Info("Connection removed")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTracked(w http.ResponseWriter, r *http.Request) {
	var (
		tracked []*schema.TrackedArtifact
		err     error
	)
	if raw := r.URL.Query().Get("connection"); raw != "" {
		id, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "invalid connection id")
			return
		}
		tracked, err = s.deps.Store.ListTrackedContext(r.Context(), id)
	} else {
		tracked, err = s.deps.Store.ListAllTrackedContext(r.Context())
	}
	if err != nil {
		s.logger.WithError(err).Error("Failed to list tracked issues")
		writeError(w, http.StatusInternalServerError, "failed to list tracked issues")
		return
	}
	if tracked == nil {
		tracked = []*schema.TrackedArtifact{}
	}
	writeJSON(w, http.StatusOK, tracked)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	s.deps.Scheduler.Trigger()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sync triggered"})
}

type bulkRetireRequest struct {
	ConnectionIDs []int64 `json:"connection_ids" validate:"omitempty,dive,gt=0"`
}

type bulkRetireResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Channels  int       `json:"channels"`
}

// handleBulkRetire opens a confirmation for emptying the selected channels,
// or every active channel when none are named.
func (s *Server) handleBulkRetire(w http.ResponseWriter, r *http.Request) {
	var req bulkRetireRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	channels := len(req.ConnectionIDs)
	if channels == 0 {
		conns, err := s.deps.Store.ListConnectionsContext(r.Context(), true)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list connections")
			return
		}
		channels = len(conns)
	} else {
		for _, id := range req.ConnectionIDs {
			if _, err := s.deps.Store.GetConnectionContext(r.Context(), id); err != nil {
				if errors.Is(err, db.ErrNotFound) {
					writeError(w, http.StatusNotFound, fmt.Sprintf("connection %d not found", id))
					return
				}
				writeError(w, http.StatusInternalServerError, "failed to load connection")
				return
			}
		}
	}
	if channels == 0 {
		writeError(w, http.StatusBadRequest, "no active connections")
		return
	}

	pending := s.deps.Confirmations.Begin("", "bulk-retire")
	s.pendingMu.Lock()
	s.pending[pending.Token] = req.ConnectionIDs
	s.pendingMu.Unlock()

	writeJSON(w, http.StatusAccepted, bulkRetireResponse{
		Token:     pending.Token,
		ExpiresAt: pending.ExpiresAt,
		Channels:  channels,
	})
}

func (s *Server) handleBulkResolve(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	token := vars["token"]
	confirmed := vars["action"] == "confirm"

	req, err := s.deps.Confirmations.Resolve(token, "", confirmed)
	s.pendingMu.Lock()
	ids, known := s.pending[token]
	delete(s.pending, token)
	s.pendingMu.Unlock()

	switch {
	case errors.Is(err, confirm.ErrUnknownRequest):
		writeError(w, http.StatusNotFound, "unknown confirmation token")
		return
	case errors.Is(err, confirm.ErrExpired):
		writeError(w, http.StatusGone, "confirmation expired")
		return
	case err != nil:
		writeError(w, http.StatusConflict, err.Error())
		return
	case !known:
		writeError(w, http.StatusNotFound, "unknown confirmation token")
		return
	}

	if req.State == confirm.Cancelled {
		writeJSON(w, http.StatusOK, map[string]string{"status": string(req.State)})
		return
	}

	var conns []*schema.Connection
	for _, id := range ids {
		c, err := s.deps.Store.GetConnectionContext(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load connection %d", id))
			return
		}
		conns = append(conns, c)
	}

	// Retirement throttles its deletes and can outlive the request; results
	// reach clients as a bulk.completed event.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		bulk, _, err := s.deps.Engine.ClearAndResync(s.ctx, conns)
		if err != nil {
			s.logger.WithError(err).Error("Bulk retirement failed")
			return
		}
		s.logger.WithField("removed", bulk.TotalRemoved).Info("Bulk retirement complete")
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": string(req.State)})
}

type testNotionRequest struct {
	DatabaseID string `json:"database_id" validate:"required"`
}

func (s *Server) handleTestNotion(w http.ResponseWriter, r *http.Request) {
	if s.deps.Source == nil {
		writeError(w, http.StatusServiceUnavailable, "source not configured")
		return
	}
	var req testNotionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	info, err := s.deps.Source.DescribeDatabase(r.Context(), strings.TrimSpace(req.DatabaseID))
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "database": info})
}

type statusResponse struct {
	Connections int        `json:"connections"`
	Tracked     int        `json:"tracked"`
	Clients     int        `json:"clients"`
	Uptime      string     `json:"uptime"`
	LastSync    *time.Time `json:"last_sync,omitempty"`
	Interval    string     `json:"interval,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	conns, err := s.deps.Store.ListConnectionsContext(r.Context(), true)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list connections")
		return
	}
	tracked, err := s.deps.Store.CountTrackedContext(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count tracked issues")
		return
	}

	resp := statusResponse{
		Connections: len(conns),
		Tracked:     tracked,
		Clients:     s.ClientCount(),
		Uptime:      time.Since(s.started).Truncate(time.Second).String(),
	}
	if s.deps.Scheduler != nil {
		st := s.deps.Scheduler.Status()
		if !st.LastRun.IsZero() {
			resp.LastSync = &st.LastRun
		}
		resp.Interval = st.Interval.String()
		resp.LastError = st.LastErr
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}
