package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"socialflow/internal/domain"
	"socialflow/internal/process"
	"socialflow/internal/queue"
	"socialflow/internal/store"
)

// Processes is the process service as seen by the HTTP layer.
type Processes interface {
	Submit(ctx context.Context, p domain.Process, recipients []string) (domain.Process, []domain.DispatchItem, error)
	Get(ctx context.Context, id string) (domain.Process, error)
	List(ctx context.Context, pg store.Page) ([]domain.Process, error)
	Count(ctx context.Context) (int, error)
	Cancel(ctx context.Context, id string) (domain.Process, error)
	Items(ctx context.Context, f store.ItemFilter) ([]domain.DispatchItem, error)
	CountItems(ctx context.Context, f store.ItemFilter) (int, error)
	Item(ctx context.Context, id string) (domain.DispatchItem, error)
	PurgeItems(ctx context.Context) (int64, error)
}

type Recipients interface {
	UpsertRecipient(ctx context.Context, r domain.Recipient) (domain.Recipient, error)
	ListRecipients(ctx context.Context, kind domain.RecipientKind) ([]domain.Recipient, error)
}

type Server struct {
	r          *chi.Mux
	processes  Processes
	recipients Recipients
	repo       queue.Repository
}

// Deps are the collaborators behind the HTTP surface. Live is the websocket
// endpoint; it is not mounted when nil.
type Deps struct {
	Processes  Processes
	Recipients Recipients
	Tasks      queue.Repository
	Live       http.HandlerFunc
	Debug      bool
}

func NewServer(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger, middleware.Recoverer)

	s := &Server{r: r, processes: d.Processes, recipients: d.Recipients, repo: d.Tasks}

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())
	if d.Live != nil {
		r.Get("/ws", d.Live)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/recipients", s.upsertRecipient)
		r.Get("/recipients", s.listRecipients)

		r.Post("/processes", s.submitProcess)
		r.Get("/processes", s.listProcesses)
		r.Get("/processes/count", s.countProcesses)
		r.Get("/processes/{id}", s.getProcess)
		r.Get("/processes/{id}/items", s.processItems)
		r.Post("/processes/{id}/cancel", s.cancelProcess)

		r.Get("/items", s.listItems)
		r.Get("/items/count", s.countItems)
		r.Get("/items/{id}", s.getItem)
		r.Delete("/items", s.purgeItems)

		r.Get("/tasks/{id}", s.getTask)
	})

	// Debug routes (pprof)
	if d.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
		r.Handle("/debug/pprof/block", pprof.Handler("block"))
	}

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type recipientReq struct {
	Kind        domain.RecipientKind `json:"kind"`
	Name        string               `json:"name"`
	PlatformID  string               `json:"platform_id"`
	AccessToken string               `json:"access_token"`
}

func (s *Server) upsertRecipient(w http.ResponseWriter, r *http.Request) {
	var req recipientReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if !req.Kind.Valid() {
		http.Error(w, "kind must be page, group or user", 400)
		return
	}
	if req.PlatformID == "" {
		http.Error(w, "platform_id is required", 400)
		return
	}
	rc, err := s.recipients.UpsertRecipient(r.Context(), domain.Recipient{
		Kind: req.Kind, Name: req.Name, PlatformID: req.PlatformID, AccessToken: req.AccessToken,
	})
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rc)
}

func (s *Server) listRecipients(w http.ResponseWriter, r *http.Request) {
	out, err := s.recipients.ListRecipients(r.Context(), domain.RecipientKind(r.URL.Query().Get("kind")))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, 200, nonNil(out))
}

type submitReq struct {
	Kind         domain.ProcessKind  `json:"kind"`
	Name         string              `json:"name"`
	Text         string              `json:"text"`
	ObjectID     string              `json:"object_id"`
	Reaction     domain.ReactionType `json:"reaction"`
	ScheduledFor *time.Time          `json:"scheduled_for"`
	Interval     *int                `json:"interval"`
	RangeStart   *int                `json:"interval_range_start"`
	RangeEnd     *int                `json:"interval_range_end"`
	UseAI        bool                `json:"use_ai"`
	AIModel      string              `json:"ai_model"`
	Recipients   []string            `json:"recipients"`
}

type submitResp struct {
	Process domain.Process        `json:"process"`
	Items   []domain.DispatchItem `json:"items"`
}

func (s *Server) submitProcess(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Kind == "" {
		req.Kind = domain.KindPost
	}
	p, items, err := s.processes.Submit(r.Context(), domain.Process{
		Kind:         req.Kind,
		Name:         req.Name,
		Text:         req.Text,
		ObjectID:     req.ObjectID,
		Reaction:     req.Reaction,
		ScheduledFor: req.ScheduledFor,
		Interval:     req.Interval,
		RangeStart:   req.RangeStart,
		RangeEnd:     req.RangeEnd,
		UseAI:        req.UseAI,
		AIModel:      req.AIModel,
	}, req.Recipients)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, submitResp{Process: p, Items: items})
}

func (s *Server) listProcesses(w http.ResponseWriter, r *http.Request) {
	out, err := s.processes.List(r.Context(), pageFrom(r))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, 200, nonNil(out))
}

func (s *Server) countProcesses(w http.ResponseWriter, r *http.Request) {
	n, err := s.processes.Count(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, 200, countResp{Count: n})
}

func (s *Server) getProcess(w http.ResponseWriter, r *http.Request) {
	p, err := s.processes.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, 200, p)
}

func (s *Server) processItems(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.processes.Get(r.Context(), id); err != nil {
		fail(w, err)
		return
	}
	f := itemFilterFrom(r)
	f.ProcessID = id
	out, err := s.processes.Items(r.Context(), f)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, 200, nonNil(out))
}

func (s *Server) cancelProcess(w http.ResponseWriter, r *http.Request) {
	p, err := s.processes.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, 200, p)
}

func (s *Server) listItems(w http.ResponseWriter, r *http.Request) {
	f := itemFilterFrom(r)
	if f.Status != "" && !f.Status.Valid() {
		http.Error(w, "unknown status", 400)
		return
	}
	out, err := s.processes.Items(r.Context(), f)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, 200, nonNil(out))
}

type countResp struct {
	Count int `json:"count"`
}

func (s *Server) countItems(w http.ResponseWriter, r *http.Request) {
	n, err := s.processes.CountItems(r.Context(), itemFilterFrom(r))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, 200, countResp{Count: n})
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	it, err := s.processes.Item(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, 200, it)
}

func (s *Server) purgeItems(w http.ResponseWriter, r *http.Request) {
	n, err := s.processes.PurgeItems(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, 200, map[string]int64{"deleted": n})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.repo.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, map[string]any{
		"id":           t.ID,
		"type":         t.Type,
		"state":        t.State,
		"attempts":     t.Attempts,
		"max_attempts": t.MaxAttempts,
		"priority":     t.Priority,
		"last_error":   t.LastError,
		"next_run_at":  t.NextRunAt.UTC().Format(time.RFC3339),
	})
}

func pageFrom(r *http.Request) store.Page {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit > 100 {
		limit = 100
	}
	return store.Page{Page: page, Limit: limit, Search: q.Get("search")}
}

func itemFilterFrom(r *http.Request) store.ItemFilter {
	return store.ItemFilter{Page: pageFrom(r), Status: domain.ItemStatus(r.URL.Query().Get("status"))}
}

func fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, process.ErrInvalid):
		http.Error(w, err.Error(), 400)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", 404)
	case errors.Is(err, store.ErrConflict):
		http.Error(w, err.Error(), 409)
	default:
		log.Error().Err(err).Msg("request failed")
		http.Error(w, "internal error", 500)
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
