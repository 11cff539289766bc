package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ridiculoid-net/onedropthreads-prod/internal/fulfillment"
	"github.com/ridiculoid-net/onedropthreads-prod/internal/shop/finalizer"
	"github.com/ridiculoid-net/onedropthreads-prod/internal/shop/gateway"
	"github.com/ridiculoid-net/onedropthreads-prod/internal/shop/httpapi"
	"github.com/ridiculoid-net/onedropthreads-prod/internal/shop/store"
	"github.com/ridiculoid-net/onedropthreads-prod/internal/shop/store/memory"
	"github.com/ridiculoid-net/onedropthreads-prod/internal/shop/store/postgres"
	"github.com/ridiculoid-net/onedropthreads-prod/internal/shop/store/sqlite"
	"github.com/ridiculoid-net/onedropthreads-prod/pkg/kafka"
	"github.com/ridiculoid-net/onedropthreads-prod/pkg/logging"
	"github.com/ridiculoid-net/onedropthreads-prod/pkg/metrics"
	"github.com/ridiculoid-net/onedropthreads-prod/pkg/outbox"
)

const service = "shop-service"

type cfg struct {
	Port             string
	StoreDriver      string // postgres | sqlite | memory
	DatabaseURL      string
	WebhookSecret    string
	WebhookTolerance time.Duration
	PrintfulAPIKey   string
	PrintfulBaseURL  string
	PrintfulRPM      int
	RequestTimeout   time.Duration
	AdminAPIKey      string
	KafkaBrokers     string
	OutboxPoll       time.Duration
	GapScan          time.Duration
}

func readCfg() (cfg, error) {
	driver := strings.ToLower(getenv("STORE_DRIVER", "postgres"))
	db := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	switch driver {
	case "postgres":
		if db == "" {
			return cfg{}, errors.New("DATABASE_URL is required")
		}
	case "sqlite":
		if db == "" {
			db = "shop.db"
		}
	case "memory":
	default:
		return cfg{}, fmt.Errorf("unknown STORE_DRIVER %q", driver)
	}
	secret := strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET"))
	if secret == "" {
		return cfg{}, errors.New("STRIPE_WEBHOOK_SECRET is required")
	}
	apiKey := strings.TrimSpace(os.Getenv("PRINTFUL_API_KEY"))
	if apiKey == "" {
		return cfg{}, errors.New("PRINTFUL_API_KEY is required")
	}

	toleranceSec, _ := strconv.Atoi(getenv("WEBHOOK_TOLERANCE_SEC", "300"))
	rpm, _ := strconv.Atoi(getenv("PRINTFUL_RPM", "120"))
	toutMS, _ := strconv.Atoi(getenv("REQUEST_TIMEOUT_MS", "15000"))
	pollMS, _ := strconv.Atoi(getenv("OUTBOX_POLL_MS", "1000"))
	gapSec, _ := strconv.Atoi(getenv("GAP_SCAN_SEC", "30"))

	return cfg{
		Port:             getenv("PORT", "8080"),
		StoreDriver:      driver,
		DatabaseURL:      db,
		WebhookSecret:    secret,
		WebhookTolerance: time.Duration(toleranceSec) * time.Second,
		PrintfulAPIKey:   apiKey,
		PrintfulBaseURL:  getenv("PRINTFUL_BASE_URL", fulfillment.DefaultBaseURL),
		PrintfulRPM:      rpm,
		RequestTimeout:   time.Duration(toutMS) * time.Millisecond,
		AdminAPIKey:      strings.TrimSpace(os.Getenv("ADMIN_API_KEY")),
		KafkaBrokers:     getenv("KAFKA_BROKERS", ""),
		OutboxPoll:       time.Duration(pollMS) * time.Millisecond,
		GapScan:          time.Duration(gapSec) * time.Second,
	}, nil
}

func main() {
	_ = godotenv.Load()
	cfg, err := readCfg()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("store error: %v", err)
	}
	defer st.Close()

	finMetrics := metrics.NewFinalizerMetrics(prometheus.DefaultRegisterer)
	srvMetrics := metrics.NewServerMetrics(prometheus.DefaultRegisterer, "shop_service")

	printful := fulfillment.NewPrintful(fulfillment.Config{
		BaseURL:        cfg.PrintfulBaseURL,
		APIKey:         cfg.PrintfulAPIKey,
		Timeout:        cfg.RequestTimeout,
		RequestsPerMin: cfg.PrintfulRPM,
	})
	fin := finalizer.New(finalizer.Deps{
		Store:       st,
		Fulfillment: printful,
		Monitor:     &finalizer.CaseRecorder{Cases: st, Metrics: finMetrics, Service: service},
		Metrics:     finMetrics,
		Service:     service,
	})
	webhook, err := gateway.New(fin, gateway.Config{
		Secret:    cfg.WebhookSecret,
		Tolerance: cfg.WebhookTolerance,
		Service:   service,
	})
	if err != nil {
		log.Fatalf("gateway error: %v", err)
	}

	api := &httpapi.Server{
		Store:    st,
		Webhook:  webhook,
		Retrier:  &finalizer.Reconciler{Store: st, Fulfillment: printful, Service: service},
		AdminKey: cfg.AdminAPIKey,
		Metrics:  srvMetrics,
		Service:  service,
	}
	if cfg.AdminAPIKey == "" {
		log.Printf("ADMIN_API_KEY not set, admin routes disabled")
	}

	go finalizer.WatchGap(ctx, st, finMetrics, cfg.GapScan, service)

	kafkaClient := kafka.NewClient(cfg.KafkaBrokers)
	if kafkaClient.Enabled() {
		writer := kafkaClient.NewWriter("")
		defer writer.Close()
		relay := &outbox.Relay{
			Store:     st,
			Publish:   kafka.OutboxPublisher(writer),
			BatchSize: 100,
			Interval:  cfg.OutboxPoll,
			Service:   service,
		}
		go relay.Run(ctx)
	} else {
		logging.Log(logging.Fields{Service: service, Level: logging.LevelWarn, Step: "startup", Message: "KAFKA_BROKERS not set, events stay in the outbox", Err: kafka.ErrDisabled})
	}

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: api.Router(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("%s listening on :%s (store=%s)", service, cfg.Port, cfg.StoreDriver)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}

func openStore(ctx context.Context, cfg cfg) (store.Store, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var (
		st  store.Store
		err error
	)
	switch cfg.StoreDriver {
	case "postgres":
		st, err = postgres.Open(ctx, cfg.DatabaseURL)
	case "sqlite":
		st, err = sqlite.Open(ctx, sqlite.DSN(cfg.DatabaseURL))
	default:
		st = memory.New()
	}
	if err != nil {
		return nil, err
	}
	if err := st.Ping(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func getenv(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}
