// Command race-runner fires concurrent, signed checkout webhooks at a running
// shop-service and checks that every item was sold and fulfilled at most
// once.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ridiculoid-net/onedropthreads-prod/internal/shop/adminclient"
	"github.com/ridiculoid-net/onedropthreads-prod/internal/shop/domain"
	"github.com/ridiculoid-net/onedropthreads-prod/internal/shop/gateway"
)

type raceResult struct {
	Timestamp       string         `json:"timestamp"`
	BaseURL         string         `json:"base_url"`
	Items           int            `json:"items"`
	BuyersPerItem   int            `json:"buyers_per_item"`
	Duplicates      int            `json:"duplicates_per_session"`
	Concurrency     int            `json:"concurrency"`
	TotalDeliveries int            `json:"total_deliveries"`
	DurationSeconds float64        `json:"duration_seconds"`
	AvgLatencyMs    float64        `json:"avg_latency_ms"`
	P50LatencyMs    float64        `json:"p50_latency_ms"`
	P90LatencyMs    float64        `json:"p90_latency_ms"`
	P99LatencyMs    float64        `json:"p99_latency_ms"`
	StatusCounts    map[string]int `json:"status_counts"`
	OutcomeCounts   map[string]int `json:"outcome_counts"`
	OrdersPerItem   map[string]int `json:"orders_per_item"`
	PartnerOrders   int            `json:"partner_orders,omitempty"`
	Violations      []string       `json:"violations"`
	FirstError      string         `json:"first_error"`
}

type delivery struct {
	itemID  string
	session string
	size    string
}

type metrics struct {
	mu            sync.Mutex
	latenciesMs   []float64
	statusCounts  map[string]int
	outcomeCounts map[string]int
	firstError    string
}

func newMetrics() *metrics {
	return &metrics{
		statusCounts:  make(map[string]int),
		outcomeCounts: make(map[string]int),
	}
}

func (m *metrics) record(status int, outcome string, latency time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCounts[strconv.Itoa(status)]++
	if outcome != "" {
		m.outcomeCounts[outcome]++
	}
	m.latenciesMs = append(m.latenciesMs, float64(latency.Milliseconds()))
	if err != nil && m.firstError == "" {
		m.firstError = err.Error()
	}
}

func main() {
	baseURL := flag.String("base-url", getenv("SHOP_BASE_URL", "http://localhost:8080"), "shop-service base URL")
	partnerURL := flag.String("partner-url", getenv("PRINTFUL_BASE_URL", ""), "fulfillment-stub base URL, enables submission counting")
	partnerKey := flag.String("partner-key", getenv("PRINTFUL_API_KEY", "stub"), "fulfillment-stub API key")
	secret := flag.String("secret", getenv("STRIPE_WEBHOOK_SECRET", ""), "webhook signing secret")
	adminKey := flag.String("admin-key", getenv("ADMIN_API_KEY", ""), "admin API key")
	items := flag.Int("items", 5, "number of one-off items to create")
	buyers := flag.Int("buyers", 20, "competing checkout sessions per item")
	dups := flag.Int("dups", 2, "deliveries of each session")
	size := flag.String("size", "M", "size every buyer picks")
	concurrency := flag.Int("concurrency", 32, "number of concurrent senders")
	timeout := flag.Duration("timeout", 30*time.Second, "per-request timeout")
	output := flag.String("output", "", "optional output path for JSON result")
	flag.Parse()

	if *secret == "" || *adminKey == "" {
		fmt.Fprintln(os.Stderr, "secret and admin-key are required")
		os.Exit(1)
	}
	if *items <= 0 || *buyers <= 0 || *dups <= 0 || *concurrency <= 0 {
		fmt.Fprintln(os.Stderr, "items, buyers, dups and concurrency must be > 0")
		os.Exit(1)
	}

	client := &http.Client{Timeout: *timeout}
	admin := adminclient.New(*baseURL, *adminKey)
	admin.HTTP = client
	ctx := context.Background()
	runID := uuid.NewString()

	itemIDs := make([]string, 0, *items)
	for i := 0; i < *items; i++ {
		id, err := createItem(ctx, admin, fmt.Sprintf("%s-%d", runID, i))
		if err != nil {
			fmt.Fprintf(os.Stderr, "create item: %v\n", err)
			os.Exit(1)
		}
		itemIDs = append(itemIDs, id)
	}
	partnerBefore := 0
	if *partnerURL != "" {
		n, err := countPartnerOrders(client, *partnerURL, *partnerKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "partner orders: %v\n", err)
			os.Exit(1)
		}
		partnerBefore = n
	}

	var deliveries []delivery
	for _, id := range itemIDs {
		for b := 0; b < *buyers; b++ {
			session := "cs_race_" + uuid.NewString()
			for d := 0; d < *dups; d++ {
				deliveries = append(deliveries, delivery{itemID: id, session: session, size: *size})
			}
		}
	}
	rand.Shuffle(len(deliveries), func(i, j int) { deliveries[i], deliveries[j] = deliveries[j], deliveries[i] })

	tasks := make(chan delivery)
	var wg sync.WaitGroup
	m := newMetrics()
	start := time.Now()
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range tasks {
				began := time.Now()
				status, outcome, err := deliver(client, *baseURL, *secret, d)
				m.record(status, outcome, time.Since(began), err)
			}
		}()
	}
	for _, d := range deliveries {
		tasks <- d
	}
	close(tasks)
	wg.Wait()
	duration := time.Since(start)

	perItem, err := ordersPerItem(ctx, admin, itemIDs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list orders: %v\n", err)
		os.Exit(1)
	}

	var violations []string
	for _, id := range itemIDs {
		if perItem[id] > 1 {
			violations = append(violations, fmt.Sprintf("item %s has %d orders", id, perItem[id]))
		}
	}
	partnerOrders := 0
	if *partnerURL != "" {
		n, err := countPartnerOrders(client, *partnerURL, *partnerKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "partner orders: %v\n", err)
			os.Exit(1)
		}
		partnerOrders = n - partnerBefore
		if partnerOrders > len(itemIDs) {
			violations = append(violations, fmt.Sprintf("%d partner submissions for %d items", partnerOrders, len(itemIDs)))
		}
	}

	avg := 0.0
	for _, v := range m.latenciesMs {
		avg += v
	}
	if len(m.latenciesMs) > 0 {
		avg /= float64(len(m.latenciesMs))
	}
	p50, p90, p99 := calcPercentiles(m.latenciesMs)

	result := raceResult{
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
		BaseURL:         *baseURL,
		Items:           *items,
		BuyersPerItem:   *buyers,
		Duplicates:      *dups,
		Concurrency:     *concurrency,
		TotalDeliveries: len(deliveries),
		DurationSeconds: duration.Seconds(),
		AvgLatencyMs:    avg,
		P50LatencyMs:    p50,
		P90LatencyMs:    p90,
		P99LatencyMs:    p99,
		StatusCounts:    m.statusCounts,
		OutcomeCounts:   m.outcomeCounts,
		OrdersPerItem:   perItem,
		PartnerOrders:   partnerOrders,
		Violations:      violations,
		FirstError:      m.firstError,
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(result); err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode result: %v\n", err)
		os.Exit(1)
	}
	if *output != "" {
		if err := writeJSON(*output, result); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write output: %v\n", err)
			os.Exit(1)
		}
	}
	if len(violations) > 0 {
		os.Exit(2)
	}
}

func createItem(ctx context.Context, admin *adminclient.Client, idemKey string) (string, error) {
	item, err := admin.CreateItem(ctx, domain.Item{
		Title:             "Race tee " + idemKey,
		ProviderProductID: "71",
		Variants: []domain.Variant{
			{Size: "S", ProviderVariantID: "4012"},
			{Size: "M", ProviderVariantID: "4013"},
			{Size: "L", ProviderVariantID: "4014"},
		},
	}, idemKey)
	if err != nil {
		return "", err
	}
	return item.ID, nil
}

func deliver(client *http.Client, baseURL, secret string, d delivery) (int, string, error) {
	evt := map[string]any{
		"id":   "evt_" + uuid.NewString(),
		"type": gateway.EventCheckoutCompleted,
		"data": map[string]any{
			"object": map[string]any{
				"id":               d.session,
				"payment_intent":   "pi_" + d.session,
				"metadata":         map[string]any{"productId": d.itemID, "selectedSize": d.size},
				"customer_details": map[string]any{"email": "racer@example.com"},
				"shipping_details": map[string]any{
					"name": "Race Buyer",
					"address": map[string]any{
						"line1": "1 Main St", "city": "Springfield", "state": "IL",
						"postal_code": "62701", "country": "US",
					},
				},
			},
		},
	}
	body, _ := json.Marshal(evt)
	ctx, cancel := context.WithTimeout(context.Background(), client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/webhooks/stripe", bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(gateway.SignatureHeader, gateway.Sign(secret, body, time.Now()))

	resp, err := client.Do(req)
	if err != nil {
		return 0, "transport", err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var out struct {
		Outcome string `json:"outcome"`
	}
	_ = json.Unmarshal(raw, &out)
	if resp.StatusCode >= 300 {
		return resp.StatusCode, out.Outcome, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return resp.StatusCode, out.Outcome, nil
}

func ordersPerItem(ctx context.Context, admin *adminclient.Client, itemIDs []string) (map[string]int, error) {
	orders, err := admin.Orders(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(itemIDs))
	for _, id := range itemIDs {
		counts[id] = 0
	}
	for _, o := range orders {
		if _, ok := counts[o.ItemID]; ok {
			counts[o.ItemID]++
		}
	}
	return counts, nil
}

func countPartnerOrders(client *http.Client, partnerURL, key string) (int, error) {
	req, err := http.NewRequest(http.MethodGet, strings.TrimRight(partnerURL, "/")+"/orders", nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+key)
	var out struct {
		Result []json.RawMessage `json:"result"`
	}
	if err := doJSON(client, req, http.StatusOK, &out); err != nil {
		return 0, err
	}
	return len(out.Result), nil
}

func doJSON(client *http.Client, req *http.Request, want int, v any) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != want {
		return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, v)
}

func writeJSON(path string, result raceResult) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func calcPercentiles(values []float64) (float64, float64, float64) {
	if len(values) == 0 {
		return 0, 0, 0
	}
	sort.Float64s(values)
	return percentile(values, 0.50), percentile(values, 0.90), percentile(values, 0.99)
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
