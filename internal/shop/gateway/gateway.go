// Package gateway receives payment provider webhooks, verifies them and
// hands completed checkouts to the finalizer.
//
// Response codes steer the provider's redelivery: 2xx stops it, 5xx asks for
// another attempt. Terminal business outcomes (item gone, unknown size) are
// acknowledged with 200 because redelivering them cannot change the result.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/ridiculoid-net/onedropthreads-prod/internal/shop/domain"
	"github.com/ridiculoid-net/onedropthreads-prod/internal/shop/finalizer"
	"github.com/ridiculoid-net/onedropthreads-prod/pkg/logging"
)

const (
	EventCheckoutCompleted    = "checkout.session.completed"
	EventPaymentSucceeded     = "payment_intent.succeeded"
	EventPaymentFailed        = "payment_intent.payment_failed"
	eventPaymentFailedLegacy  = "payment_intent.failed"
	maxBodyBytes              = 64 << 10
	defaultProcessingDeadline = 60 * time.Second
)

type Finalizer interface {
	Finalize(ctx context.Context, evt domain.PaymentEvent) (finalizer.Result, error)
}

type Config struct {
	Secret    string
	Tolerance time.Duration
	// Deadline bounds one finalization after the request is detached from
	// the client connection.
	Deadline time.Duration
	Service  string
	Now      func() time.Time
}

type Handler struct {
	finalizer Finalizer
	schema    *gojsonschema.Schema
	cfg       Config
}

func New(f Finalizer, cfg Config) (*Handler, error) {
	schema, err := compileSessionSchema()
	if err != nil {
		return nil, err
	}
	if cfg.Tolerance == 0 {
		cfg.Tolerance = DefaultTolerance
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = defaultProcessingDeadline
	}
	if cfg.Service == "" {
		cfg.Service = "shop-service"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Handler{finalizer: f, schema: schema, cfg: cfg}, nil
}

type envelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"error": "body too large"})
		return
	}

	if err := VerifySignature(body, r.Header.Get(SignatureHeader), h.cfg.Secret, h.cfg.Tolerance, h.cfg.Now()); err != nil {
		h.log(logging.Fields{Level: logging.LevelWarn, Status: "rejected", Message: "webhook signature rejected", Err: err})
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid signature"})
		return
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil || env.Type == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid event"})
		return
	}

	switch env.Type {
	case EventCheckoutCompleted:
		h.handleCheckoutCompleted(w, r, env)
	case EventPaymentSucceeded:
		h.log(logging.Fields{Level: logging.LevelInfo, EventID: env.ID, Status: env.Type, Message: "payment succeeded"})
		writeJSON(w, http.StatusOK, map[string]any{"received": true})
	case EventPaymentFailed, eventPaymentFailedLegacy:
		h.log(logging.Fields{Level: logging.LevelWarn, EventID: env.ID, Status: env.Type, Message: "payment failed"})
		writeJSON(w, http.StatusOK, map[string]any{"received": true})
	default:
		h.log(logging.Fields{Level: logging.LevelInfo, EventID: env.ID, Status: env.Type, Message: "unhandled event type"})
		writeJSON(w, http.StatusOK, map[string]any{"received": true})
	}
}

func (h *Handler) handleCheckoutCompleted(w http.ResponseWriter, r *http.Request, env envelope) {
	if err := validateSession(h.schema, env.Data.Object); err != nil {
		h.log(logging.Fields{Level: logging.LevelWarn, EventID: env.ID, Status: "invalid", Message: "checkout session rejected", Err: err})
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	evt, err := decodeSession(env.Data.Object)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	// A dropped connection must not abandon a purchase between lock and order.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.cfg.Deadline)
	defer cancel()

	res, err := h.finalizer.Finalize(ctx, evt)
	outcome := finalizer.OutcomeOf(err)
	if err == nil {
		outcome = res.Outcome
	}
	status := StatusFor(err)
	body := map[string]any{"received": status == http.StatusOK, "outcome": string(outcome)}
	if res.Order.ID != "" {
		body["order_id"] = res.Order.ID
	}
	if status >= 400 {
		body["error"] = "webhook processing failed"
	}
	writeJSON(w, status, body)
}

// StatusFor maps a Finalize error to the webhook response code.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, domain.ErrItemUnavailable), errors.Is(err, domain.ErrInvalidVariant):
		return http.StatusOK
	case errors.Is(err, domain.ErrInvalidEvent), errors.Is(err, domain.ErrInvalidSignature):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) log(f logging.Fields) {
	f.Service = h.cfg.Service
	f.Step = "webhook"
	logging.Log(f)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
