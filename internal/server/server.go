// Package server exposes a queue view over HTTP: health, Prometheus metrics
// and a small admin API for browsing, sizing and deleting queued mail.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rbaliyan/queueview"
	"github.com/rbaliyan/queueview/store"
)

// DefaultBrowseLimit caps the number of mails returned by one browse request.
const DefaultBrowseLimit = 100

// Server serves a View over HTTP.
type Server struct {
	view    queueview.View
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics sets the collectors updated by handlers. A fresh set is
// created by default.
func WithMetrics(m *Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithLogger sets the request and error logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New returns a server for v.
func New(v queueview.View, opts ...Option) *Server {
	s := &Server{
		view:   v,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	return s
}

// Metrics returns the collectors served on /metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))

	r.Route("/queues/{queue}", func(r chi.Router) {
		r.Get("/size", s.handleSize)
		r.Get("/mails", s.handleBrowse)
		r.Delete("/mails", s.handleDeleteMatching)
		r.Delete("/mails/{enqueueID}", s.handleDelete)
		r.Post("/advance", s.handleAdvance)
	})
	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report, err := s.view.Health(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.metrics.observeHealth(report)

	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

type sizeResponse struct {
	Queue string `json:"queue"`
	Size  int64  `json:"size"`
}

func (s *Server) handleSize(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "queue")
	n, err := s.view.Size(r.Context(), queue)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.metrics.QueueSize.WithLabelValues(queue).Set(float64(n))
	writeJSON(w, http.StatusOK, sizeResponse{Queue: queue, Size: n})
}

type mailResponse struct {
	EnqueueID    string            `json:"enqueue_id"`
	Name         string            `json:"name"`
	Sender       string            `json:"sender,omitempty"`
	Recipients   []string          `json:"recipients,omitempty"`
	State        string            `json:"state,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	EnqueuedTime time.Time         `json:"enqueued_time"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	Content      string            `json:"content,omitempty"`
	ContentError string            `json:"content_error,omitempty"`
}

func newMailResponse(item *store.EnqueuedItem) mailResponse {
	return mailResponse{
		EnqueueID:    item.EnqueueID,
		Name:         item.MailKey(),
		Sender:       item.Envelope.Sender,
		Recipients:   item.Envelope.Recipients,
		State:        item.Envelope.State,
		ErrorMessage: item.Envelope.ErrorMessage,
		EnqueuedTime: item.EnqueuedTime,
		Attributes:   item.Envelope.Attributes,
	}
}

type browseResponse struct {
	Queue     string         `json:"queue"`
	Mails     []mailResponse `json:"mails"`
	Truncated bool           `json:"truncated"`
}

// handleBrowse lists live mails in approximate enqueue order.
// Query parameters: limit (default 100), content=true to resolve MIME content.
func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	queue := chi.URLParam(r, "queue")

	limit := DefaultBrowseLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	withContent, _ := strconv.ParseBool(r.URL.Query().Get("content"))

	resp := browseResponse{Queue: queue, Mails: []mailResponse{}}
	var err error
	if withContent {
		resp.Mails, resp.Truncated, err = s.browseContent(ctx, queue, limit)
	} else {
		resp.Mails, resp.Truncated, err = s.browseReferences(ctx, queue, limit)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) browseReferences(ctx context.Context, queue string, limit int) ([]mailResponse, bool, error) {
	it, err := s.view.BrowseReferences(ctx, queue)
	if err != nil {
		return nil, false, err
	}
	mails := []mailResponse{}
	for {
		ok, err := it.Next(ctx)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return mails, false, nil
		}
		if len(mails) == limit {
			return mails, true, nil
		}
		item, err := it.Item()
		if err != nil {
			return nil, false, err
		}
		mails = append(mails, newMailResponse(item))
	}
}

func (s *Server) browseContent(ctx context.Context, queue string, limit int) ([]mailResponse, bool, error) {
	it, err := s.view.Browse(ctx, queue)
	if err != nil {
		return nil, false, err
	}
	mails := []mailResponse{}
	for {
		ok, err := it.Next(ctx)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return mails, false, nil
		}
		if len(mails) == limit {
			return mails, true, nil
		}
		m, err := it.Mail()
		if _, isContent := queueview.IsContentError(err); err != nil && !isContent {
			return nil, false, err
		}
		resp := newMailResponse(m.Item)
		resp.Content = string(m.Content)
		if err != nil {
			resp.ContentError = err.Error()
		}
		mails = append(mails, resp)
	}
}

type deleteResponse struct {
	Queue     string `json:"queue"`
	Condition string `json:"condition"`
	Deleted   int64  `json:"deleted"`
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.delete(w, r, queueview.ByEnqueueID(chi.URLParam(r, "enqueueID")))
}

// handleDeleteMatching deletes by exactly one of the name, sender,
// recipient or all query parameters.
func (s *Server) handleDeleteMatching(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var conds []queueview.DeleteCondition
	if q.Has("name") {
		conds = append(conds, queueview.ByName(q.Get("name")))
	}
	if q.Has("sender") {
		conds = append(conds, queueview.BySender(q.Get("sender")))
	}
	if q.Has("recipient") {
		conds = append(conds, queueview.ByRecipient(q.Get("recipient")))
	}
	if all, _ := strconv.ParseBool(q.Get("all")); all {
		conds = append(conds, queueview.All())
	}
	if len(conds) != 1 {
		http.Error(w, "exactly one of name, sender, recipient or all=true is required", http.StatusBadRequest)
		return
	}
	s.delete(w, r, conds[0])
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request, cond queueview.DeleteCondition) {
	queue := chi.URLParam(r, "queue")
	n, err := s.view.Delete(r.Context(), queue, cond)
	if n > 0 {
		s.metrics.DeletedItems.WithLabelValues(queue).Add(float64(n))
	}
	if err != nil {
		if _, ok := queueview.IsEventPublishError(err); !ok {
			s.fail(w, r, err)
			return
		}
		s.logger.Warn("delete event not published", "queue", queue, "error", err)
	}
	writeJSON(w, http.StatusOK, deleteResponse{Queue: queue, Condition: cond.String(), Deleted: n})
}

type advanceResponse struct {
	Queue        string    `json:"queue"`
	From         time.Time `json:"from"`
	To           time.Time `json:"to"`
	Advanced     bool      `json:"advanced"`
	PurgedSlices int       `json:"purged_slices"`
	PurgedItems  int       `json:"purged_items"`
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	res, err := s.view.AdvanceBrowseStart(r.Context(), chi.URLParam(r, "queue"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.metrics.observeAdvance(res, s.now())
	writeJSON(w, http.StatusOK, advanceResponse{
		Queue:        res.Queue,
		From:         res.From,
		To:           res.To,
		Advanced:     res.Advanced,
		PurgedSlices: res.PurgedSlices,
		PurgedItems:  res.PurgedItems,
	})
}

// statusOf maps view errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, queueview.ErrInvalidQueue),
		errors.Is(err, queueview.ErrInvalidID),
		errors.Is(err, queueview.ErrInvalidCondition):
		return http.StatusBadRequest
	case errors.Is(err, queueview.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, queueview.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
			"request_id", middleware.GetReqID(r.Context()))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
