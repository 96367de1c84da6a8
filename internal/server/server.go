// Package server exposes the command interface and run state over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/mpataki/segloop/internal/command"
	"github.com/mpataki/segloop/internal/models"
	"github.com/mpataki/segloop/internal/orchestrator"
	"github.com/mpataki/segloop/internal/plan"
)

// StateSource is the read side of the orchestrator.
type StateSource interface {
	Snapshot() (models.Snapshot, bool)
	Subscribe() (<-chan orchestrator.Event, func())
}

type RunLister interface {
	ListRuns(limit int) ([]*models.RunRecord, error)
}

type Server struct {
	dispatcher *command.Dispatcher
	state      StateSource
	runs       RunLister
	planDir    string
	logger     *log.Logger
}

func New(dispatcher *command.Dispatcher, state StateSource, runs RunLister, planDir string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		dispatcher: dispatcher,
		state:      state,
		runs:       runs,
		planDir:    planDir,
		logger:     logger,
	}
}

// Router configures all API routes
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	api := r.PathPrefix("/v1").Subrouter()

	api.HandleFunc("/commands", s.PostCommand).Methods("POST")
	api.HandleFunc("/state", s.GetState).Methods("GET")
	api.HandleFunc("/events", s.StreamEvents).Methods("GET")
	api.HandleFunc("/runs", s.ListRuns).Methods("GET")
	api.HandleFunc("/plans", s.ListPlans).Methods("GET")
	api.HandleFunc("/plans/{name}/start", s.StartPlan).Methods("POST")

	api.HandleFunc("/pause", s.simple(command.TypePause)).Methods("POST")
	api.HandleFunc("/resume", s.simple(command.TypeResume)).Methods("POST")
	api.HandleFunc("/restore", s.simple(command.TypeRestore)).Methods("POST")
	api.HandleFunc("/segments/{index}/regenerate", s.RegenerateSegment).Methods("POST")
	api.HandleFunc("/segments/{index}/download", s.DownloadSegment).Methods("POST")

	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("[HTTP] listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.logger.Printf("[HTTP] %s %s %d %s", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps command and orchestrator errors to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, orchestrator.ErrAlreadyRunning), errors.Is(err, orchestrator.ErrMustPauseFirst):
		status = http.StatusConflict
	case errors.Is(err, orchestrator.ErrNoRun), errors.Is(err, orchestrator.ErrNoCheckpoint):
		status = http.StatusNotFound
	case errors.Is(err, orchestrator.ErrIndexOutOfRange),
		errors.Is(err, orchestrator.ErrNoSegments),
		errors.Is(err, command.ErrUnknownCommand),
		errors.As(err, &verrs):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, cmd command.Command) {
	ack, err := s.dispatcher.Dispatch(r.Context(), cmd)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if ack.Status == command.StatusStarted {
		status = http.StatusAccepted
	}
	writeJSON(w, status, ack)
}

// PostCommand handles POST /v1/commands
func (s *Server) PostCommand(w http.ResponseWriter, r *http.Request) {
	var cmd command.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	s.dispatch(w, r, cmd)
}

func (s *Server) simple(typ command.Type) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.dispatch(w, r, command.Command{Type: typ})
	}
}

type StateResponse struct {
	Active   bool            `json:"active"`
	Visible  bool            `json:"visible"`
	Snapshot models.Snapshot `json:"snapshot"`
}

// GetState handles GET /v1/state
func (s *Server) GetState(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.state.Snapshot()
	writeJSON(w, http.StatusOK, StateResponse{
		Active:   ok,
		Visible:  s.dispatcher.Visible(),
		Snapshot: snap,
	})
}

// StreamEvents handles GET /v1/events as a server-sent event stream.
func (s *Server) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, unsubscribe := s.state.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

// ListRuns handles GET /v1/runs
func (s *Server) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := s.runs.ListRuns(limit)
	if err != nil {
		http.Error(w, "Failed to list runs: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

type PlanSummary struct {
	Name     string `json:"name"`
	Segments int    `json:"segments"`
}

// ListPlans handles GET /v1/plans
func (s *Server) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := plan.LoadAll([]string{s.planDir})
	if err != nil {
		http.Error(w, "Failed to load plans: "+err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]PlanSummary, 0, len(plans))
	for name, p := range plans {
		out = append(out, PlanSummary{Name: name, Segments: len(p.Segments)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": out})
}

// StartPlan handles POST /v1/plans/{name}/start
func (s *Server) StartPlan(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	plans, err := plan.LoadAll([]string{s.planDir})
	if err != nil {
		http.Error(w, "Failed to load plans: "+err.Error(), http.StatusInternalServerError)
		return
	}
	p, ok := plans[name]
	if !ok {
		http.Error(w, "Plan not found", http.StatusNotFound)
		return
	}
	if err := plan.Validate(p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	segments, cfg, err := p.Build()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.dispatch(w, r, command.Command{
		Type:     command.TypeStart,
		PlanName: p.Name,
		Segments: segments,
		Config:   &cfg,
	})
}

type RegenerateRequest struct {
	Prompt  string `json:"prompt"`
	Cascade bool   `json:"cascade"`
}

func segmentIndex(r *http.Request) (int, error) {
	return strconv.Atoi(mux.Vars(r)["index"])
}

// RegenerateSegment handles POST /v1/segments/{index}/regenerate
func (s *Server) RegenerateSegment(w http.ResponseWriter, r *http.Request) {
	index, err := segmentIndex(r)
	if err != nil {
		http.Error(w, "Invalid segment index", http.StatusBadRequest)
		return
	}

	var req RegenerateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	s.dispatch(w, r, command.Command{
		Type:    command.TypeRegenerate,
		Index:   index,
		Prompt:  req.Prompt,
		Cascade: req.Cascade,
	})
}

// DownloadSegment handles POST /v1/segments/{index}/download
func (s *Server) DownloadSegment(w http.ResponseWriter, r *http.Request) {
	index, err := segmentIndex(r)
	if err != nil {
		http.Error(w, "Invalid segment index", http.StatusBadRequest)
		return
	}
	s.dispatch(w, r, command.Command{Type: command.TypeDownload, Index: index})
}
