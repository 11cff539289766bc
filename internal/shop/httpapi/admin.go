package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ridiculoid-net/onedropthreads-prod/internal/shop/domain"
	"github.com/ridiculoid-net/onedropthreads-prod/pkg/idempotency"
	"github.com/ridiculoid-net/onedropthreads-prod/pkg/logging"
)

const AdminKeyHeader = "X-Admin-Key"

// itemNamespace scopes item ids derived from Idempotency-Key.
var itemNamespace = uuid.MustParse("6b1f9c4e-2d7a-4c1e-9a57-0f3e8d2b6a11")

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(AdminKeyHeader)
		if key == "" {
			key = r.URL.Query().Get("key")
		}
		if s.AdminKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.AdminKey)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type createItemRequest struct {
	ID                string           `json:"id"`
	Title             string           `json:"title"`
	Description       string           `json:"description"`
	ImageURL          string           `json:"image_url"`
	ProviderProductID string           `json:"provider_product_id"`
	Variants          []domain.Variant `json:"variants"`
}

func (s *Server) createItem(w http.ResponseWriter, r *http.Request) {
	var req createItemRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = idempotency.DeriveID(itemNamespace, idempotency.Key(r))
	}
	item := domain.Item{
		ID:                id,
		Title:             strings.TrimSpace(req.Title),
		Description:       req.Description,
		ImageURL:          req.ImageURL,
		ProviderProductID: strings.TrimSpace(req.ProviderProductID),
		Variants:          req.Variants,
	}
	if err := item.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	created, err := s.Store.CreateItem(r.Context(), item)
	if err != nil {
		s.fail(w, "create item", err)
		return
	}
	logging.Log(logging.Fields{Service: s.Service, Level: logging.LevelInfo, ItemID: created.ID, Step: "admin", Message: "item created"})
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.Store.ListOrders(r.Context())
	if err != nil {
		s.fail(w, "list orders", err)
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *Server) listReconciliation(w http.ResponseWriter, r *http.Request) {
	cases, err := s.Store.ListOpenCases(r.Context())
	if err != nil {
		s.fail(w, "list cases", err)
		return
	}
	gap, err := s.Store.ListSoldWithoutOrder(r.Context())
	if err != nil {
		s.fail(w, "sold without order", err)
		return
	}
	if cases == nil {
		cases = []domain.ReconciliationCase{}
	}
	if gap == nil {
		gap = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cases": cases, "sold_without_order": gap})
}

type retryRequest struct {
	Size string `json:"size"`
}

func (s *Server) retryCase(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
			return
		}
	}

	order, err := s.Retrier.Retry(r.Context(), chi.URLParam(r, "id"), strings.TrimSpace(req.Size))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, order)
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "case not found"})
	case errors.Is(err, domain.ErrCaseResolved), errors.Is(err, domain.ErrCaseBusy):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
	case errors.Is(err, domain.ErrInvalidVariant):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error()})
	default:
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
	}
}
