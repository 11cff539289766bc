// Command fulfillment-stub stands in for the print partner's order API in
// local runs and race tests. It records every submission so a test can
// count how many times an item was sent to production.
package main

import (
	"encoding/json"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

type recipient struct {
	Name        string `json:"name"`
	Address1    string `json:"address1"`
	City        string `json:"city"`
	CountryCode string `json:"country_code"`
	Zip         string `json:"zip"`
}

type lineItem struct {
	VariantID string `json:"variant_id"`
	Quantity  int    `json:"quantity"`
}

type order struct {
	ID        int64      `json:"id"`
	Status    string     `json:"status"`
	Recipient recipient  `json:"recipient"`
	Items     []lineItem `json:"items"`
	CreatedAt time.Time  `json:"created"`
}

type partner struct {
	apiKey   string
	failRate float64
	latency  time.Duration

	mu     sync.Mutex
	nextID int64
	orders []order
}

func main() {
	port := getenv("PORT", "8090")
	failRate, _ := strconv.ParseFloat(getenv("FAIL_RATE", "0"), 64)
	latencyMS, _ := strconv.Atoi(getenv("LATENCY_MS", "50"))
	p := &partner{
		apiKey:   getenv("PRINTFUL_API_KEY", "stub"),
		failRate: failRate,
		latency:  time.Duration(latencyMS) * time.Millisecond,
		nextID:   10000,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/orders", p.handleOrders)

	srv := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	log.Printf("fulfillment-stub listening on :%s (fail_rate=%.2f)", port, failRate)
	log.Fatal(srv.ListenAndServe())
}

func (p *partner) handleOrders(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+p.apiKey {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"code": 401, "error": "unauthorized"})
		return
	}
	switch r.Method {
	case http.MethodGet:
		p.mu.Lock()
		out := append([]order(nil), p.orders...)
		p.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"code": 200, "result": out})
	case http.MethodPost:
		p.create(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (p *partner) create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Recipient recipient  `json:"recipient"`
		Items     []lineItem `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Items) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"code": 400, "error": "invalid order"})
		return
	}
	time.Sleep(p.latency)
	if p.failRate > 0 && rand.Float64() < p.failRate {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"code": 503, "error": "partner unavailable"})
		return
	}

	p.mu.Lock()
	p.nextID++
	o := order{ID: p.nextID, Status: "draft", Recipient: req.Recipient, Items: req.Items, CreatedAt: time.Now().UTC()}
	p.orders = append(p.orders, o)
	p.mu.Unlock()

	log.Printf("order %d accepted for %s", o.ID, o.Recipient.Name)
	writeJSON(w, http.StatusOK, map[string]any{"code": 200, "result": map[string]any{"id": o.ID, "status": o.Status}})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func getenv(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}
