// Package httpapi exposes the storefront catalog, the payment webhook and
// the operator endpoints over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ridiculoid-net/onedropthreads-prod/internal/shop/domain"
	"github.com/ridiculoid-net/onedropthreads-prod/internal/shop/store"
	"github.com/ridiculoid-net/onedropthreads-prod/pkg/logging"
	"github.com/ridiculoid-net/onedropthreads-prod/pkg/metrics"
)

type Store interface {
	store.Catalog
	store.Orders
	store.Cases
	Ping(ctx context.Context) error
}

type Retrier interface {
	Retry(ctx context.Context, caseID, sizeOverride string) (domain.Order, error)
}

type Server struct {
	Store    Store
	Webhook  http.Handler
	Retrier  Retrier
	AdminKey string
	Metrics  *metrics.ServerMetrics
	Service  string
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if s.Metrics != nil {
		r.Use(s.instrument)
	}

	r.Get("/health", s.health)
	r.Handle("/metrics", metrics.Handler())
	r.Method(http.MethodPost, "/webhooks/stripe", s.Webhook)

	r.Get("/items", s.listItems)
	r.Get("/items/{id}", s.getItem)

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Post("/items", s.createItem)
		r.Get("/orders", s.listOrders)
		r.Get("/reconciliation", s.listReconciliation)
		r.Post("/reconciliation/{id}/retry", s.retryCase)
	})
	return r
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.Metrics.Observe(route, status, start)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) listItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.Store.ListAvailableItems(r.Context())
	if err != nil {
		s.fail(w, "list items", err)
		return
	}
	if items == nil {
		items = []domain.Item{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.Store.GetItemByID(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, domain.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "item not found"})
		return
	}
	if err != nil {
		s.fail(w, "get item", err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) fail(w http.ResponseWriter, step string, err error) {
	logging.Log(logging.Fields{Service: s.Service, Level: logging.LevelError, Step: step, Message: "request failed", Err: err})
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
