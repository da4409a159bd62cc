// Package httpapi exposes the job queue, returns with their deadlines, and
// cache administration over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/mktops/internal/cache"
	"github.com/SirClappington/mktops/internal/domain"
	"github.com/SirClappington/mktops/internal/events"
	"github.com/SirClappington/mktops/internal/jobs"
)

var errBadRequest = errors.New("bad request")

type ReturnStore interface {
	GetReturn(ctx context.Context, id string) (*domain.Return, error)
	UpsertReturn(ctx context.Context, r domain.Return) error
	ListReturns(ctx context.Context, f domain.ReturnFilter) ([]domain.Return, error)
	ReturnStatusCounts(ctx context.Context) (map[string]int64, error)
}

type Publisher interface {
	Publish(ctx context.Context, topic string, evt events.Event) error
}

type Server struct {
	Jobs      *jobs.Client
	Processor *jobs.Processor
	Returns   ReturnStore
	Cache     *cache.Store
	Events    Publisher
	Log       *zap.Logger

	// Ready reports whether the backing services are reachable. Optional.
	Ready func(ctx context.Context) error
	// Now is the clock deadlines are computed against. Defaults to time.Now.
	Now func() time.Time
}

func (s Server) Router() http.Handler {
	if s.Log == nil {
		s.Log = zap.NewNop()
	}
	if s.Now == nil {
		s.Now = time.Now
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.Log))

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleEnqueue)
			r.Get("/status", s.handleJobStatus)
			r.Get("/history/{resourceType}/{resourceID}", s.handleJobHistory)
			r.Post("/process", s.handleProcess)
			r.Get("/{id}", s.handleGetJob)
		})
		r.Route("/returns", func(r chi.Router) {
			r.Post("/", s.handleCreateReturn)
			r.Get("/", s.handleListReturns)
			r.Get("/{id}", s.handleGetReturn)
			r.Put("/{id}", s.handleUpdateReturn)
		})
		r.Get("/stats", s.handleStats)
		r.Get("/cache/stats", s.handleCacheStats)
		r.Delete("/cache", s.handleCacheReset)
	})

	return r
}

func (s Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		if err := s.Ready(r.Context()); err != nil {
			writeErr(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// publish emits a domain event. A failed publish leaves the cache stale
// until TTL expiry, so it is logged rather than surfaced to the client.
func (s Server) publish(ctx context.Context, topic string, evt events.Event) {
	if s.Events == nil {
		return
	}
	if err := s.Events.Publish(ctx, topic, evt); err != nil {
		s.Log.Warn("publish event", zap.String("topic", topic), zap.Error(err))
	}
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Wrapf(errBadRequest, "invalid JSON body: %v", err)
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidJob), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.Log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeErr(w, code, err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
