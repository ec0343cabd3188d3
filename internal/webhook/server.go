// Package webhook is the HTTP surface: the provider push-notification
// endpoint that triggers intake passes, the approval endpoints for held
// executions, read-only history/stats, group and account management, and
// the health and metrics probes.
package webhook

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mailpilot/mailpilot/internal/catcache"
	"github.com/mailpilot/mailpilot/internal/engine"
	"github.com/mailpilot/mailpilot/internal/ingest"
	"github.com/mailpilot/mailpilot/internal/storage"
)

// ProviderEvictor drops an account's cached provider client, used when the
// account is removed.
type ProviderEvictor interface {
	Evict(accountID int64)
}

// Server exposes the HTTP API.
type Server struct {
	store     *storage.Store
	ingestor  *ingest.Ingestor
	executor  *engine.Executor
	cache     *catcache.Cache
	providers ProviderEvictor
	server    *http.Server
	logger    zerolog.Logger

	// retryDelay spaces the internal redelivery attempts for a notification
	// whose pass failed. Overridable in tests.
	retryDelay time.Duration
	maxRetries int
}

// NewServer creates the HTTP server
func NewServer(addr string, store *storage.Store, ingestor *ingest.Ingestor, executor *engine.Executor, cache *catcache.Cache, providers ProviderEvictor, logger zerolog.Logger) *Server {
	s := &Server{
		store:      store,
		ingestor:   ingestor,
		executor:   executor,
		cache:      cache,
		providers:  providers,
		logger:     logger.With().Str("component", "http").Logger(),
		retryDelay: 30 * time.Second,
		maxRetries: 3,
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/v1/notifications", s.handleNotification).Methods(http.MethodPost)
	r.HandleFunc("/v1/executions/{id}/approve", s.handleApprove).Methods(http.MethodPost)
	r.HandleFunc("/v1/executions/{id}/reject", s.handleReject).Methods(http.MethodPost)
	r.HandleFunc("/v1/accounts/{id}", s.handleDeleteAccount).Methods(http.MethodDelete)
	r.HandleFunc("/v1/accounts/{id}/executions", s.handleListExecutions).Methods(http.MethodGet)
	r.HandleFunc("/v1/accounts/{id}/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/v1/accounts/{id}/threads", s.handleListThreads).Methods(http.MethodGet)
	r.HandleFunc("/v1/accounts/{id}/groups", s.handleCreateGroup).Methods(http.MethodPost)
	r.HandleFunc("/v1/groups/{id}/patterns", s.handleAddGroupPattern).Methods(http.MethodPost)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// Handler returns the router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// pushNotification accepts both the Gmail Pub/Sub envelope (base64 data) and
// a plain JSON body. Either carries the mailbox address the change feed moved
// for; the actual changes are pulled from the feed, never trusted from the
// push payload.
type pushNotification struct {
	EmailAddress string `json:"emailAddress"`
	Message      *struct {
		Data string `json:"data"`
	} `json:"message"`
}

// handleNotification always answers 200 so the provider never disables the
// push subscription over our own failures. Redelivery is handled internally.
func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	defer writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})

	var n pushNotification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		s.logger.Warn().Err(err).Msg("Unparseable notification body")
		return
	}

	address := n.EmailAddress
	if address == "" && n.Message != nil {
		data, err := base64.StdEncoding.DecodeString(n.Message.Data)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Unparseable notification envelope")
			return
		}
		var inner pushNotification
		if err := json.Unmarshal(data, &inner); err != nil {
			s.logger.Warn().Err(err).Msg("Unparseable notification payload")
			return
		}
		address = inner.EmailAddress
	}
	if address == "" {
		s.logger.Warn().Msg("Notification without mailbox address")
		return
	}

	acct, err := s.store.GetAccountByEmail(r.Context(), address)
	if err != nil {
		s.logger.Warn().Err(err).Str("email", address).Msg("Notification for unknown account")
		return
	}

	go s.runPassWithRetry(acct.ID, 0)
}

// runPassWithRetry runs the intake pass off the request path, rescheduling
// itself a bounded number of times on failure.
func (s *Server) runPassWithRetry(accountID int64, attempt int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	err := s.ingestor.RunPass(ctx, accountID)
	if err == nil {
		return
	}

	if attempt+1 >= s.maxRetries {
		s.logger.Error().Err(err).
			Int64("account_id", accountID).
			Int("attempts", attempt+1).
			Msg("Intake pass failed, giving up until next notification")
		return
	}

	s.logger.Warn().Err(err).
		Int64("account_id", accountID).
		Int("attempt", attempt+1).
		Msg("Intake pass failed, rescheduling")
	time.AfterFunc(s.retryDelay, func() {
		s.runPassWithRetry(accountID, attempt+1)
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.executor.Approve(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, err)
		default:
			writeError(w, http.StatusConflict, err)
		}
		return
	}

	er, err := s.store.GetExecution(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, er)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.executor.Reject(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, err)
		default:
			writeError(w, http.StatusConflict, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	accountID, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	filter := storage.ExecutionFilter{Limit: 50}
	if v := r.URL.Query().Get("status"); v != "" {
		status := storage.ExecutionStatus(v)
		filter.Status = &status
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			filter.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filter.Offset = n
		}
	}

	execs, err := s.store.ListExecutions(r.Context(), accountID, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"executions": execs})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	accountID, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	stats, err := s.store.GetExecutionStats(r.Context(), accountID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	accountID, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	state := storage.ConversationState(r.URL.Query().Get("state"))
	switch state {
	case storage.StateNeedsReply, storage.StateAwaitingReply, storage.StateResolved:
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown state %q", state))
		return
	}

	threads, err := s.store.ListThreadsByState(r.Context(), accountID, state, 200)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"threads": threads})
}

type createGroupRequest struct {
	Name     string `json:"name"`
	Patterns []struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"patterns"`
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	accountID, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("group name is required"))
		return
	}

	group := &storage.SenderGroup{AccountID: accountID, Name: req.Name}
	for _, p := range req.Patterns {
		pt, err := patternType(p.Type)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if p.Value == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("pattern value is required"))
			return
		}
		group.Patterns = append(group.Patterns, storage.GroupPattern{Type: pt, Value: p.Value})
	}

	if err := s.store.CreateGroup(r.Context(), group); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, group)
}

type addPatternRequest struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// handleAddGroupPattern appends a pattern to an existing group. Rules
// referencing the group pick it up on the next evaluation; the cache entry is
// dropped so the change applies before the TTL would expire it.
func (s *Server) handleAddGroupPattern(w http.ResponseWriter, r *http.Request) {
	groupID, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var req addPatternRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	pt, err := patternType(req.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Value == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("pattern value is required"))
		return
	}

	pattern := &storage.GroupPattern{GroupID: groupID, Type: pt, Value: req.Value}
	if err := s.store.AddGroupPattern(r.Context(), pattern); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	if s.cache != nil {
		s.cache.InvalidateGroup(groupID)
	}
	writeJSON(w, http.StatusCreated, pattern)
}

// handleDeleteAccount removes the account and everything hanging off it, then
// drops the cached provider client and category/group entries.
func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	accountID, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.store.DeleteAccount(r.Context(), accountID); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	if s.providers != nil {
		s.providers.Evict(accountID)
	}
	if s.cache != nil {
		s.cache.InvalidateAccount(accountID)
	}

	s.logger.Info().Int64("account_id", accountID).Msg("Account deleted")
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func patternType(raw string) (storage.GroupPatternType, error) {
	switch pt := storage.GroupPatternType(raw); pt {
	case storage.PatternSender, storage.PatternSubject:
		return pt, nil
	default:
		return "", fmt.Errorf("unknown pattern type %q", raw)
	}
}

func pathID(r *http.Request) (int64, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
