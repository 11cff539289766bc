package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ridiculoid-net/onedropthreads-prod/internal/notify"
	"github.com/ridiculoid-net/onedropthreads-prod/pkg/contracts"
	"github.com/ridiculoid-net/onedropthreads-prod/pkg/kafka"
	"github.com/ridiculoid-net/onedropthreads-prod/pkg/logging"
	"github.com/ridiculoid-net/onedropthreads-prod/pkg/metrics"
)

const service = "notification-service"

type cfg struct {
	Port         string
	DatabaseURL  string
	KafkaBrokers string
	Topic        string
	GroupID      string
}

func main() {
	_ = godotenv.Load()
	cfg, err := readCfg()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	pool, err := pgxpool.New(connectCtx, cfg.DatabaseURL)
	if err != nil {
		cancel()
		log.Fatalf("db connect error: %v", err)
	}
	defer pool.Close()
	inbox := notify.PgStore{Pool: pool}
	err = inbox.EnsureSchema(connectCtx)
	cancel()
	if err != nil {
		log.Fatalf("schema error: %v", err)
	}

	srvMetrics := metrics.NewServerMetrics(prometheus.DefaultRegisterer, "notification_service")

	kafkaClient := kafka.NewClient(cfg.KafkaBrokers)
	if kafkaClient.Enabled() {
		reader := kafkaClient.NewReader(cfg.Topic, cfg.GroupID)
		defer reader.Close()
		consumer := &notify.Consumer{Reader: reader, Store: inbox, Service: service}
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logging.Log(logging.Fields{Service: service, Level: logging.LevelError, Step: "consume", Message: "consumer stopped", Err: err})
			}
		}()
	} else {
		logging.Log(logging.Fields{Service: service, Level: logging.LevelWarn, Step: "startup", Message: "KAFKA_BROKERS not set, only serving health", Err: kafka.ErrDisabled})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if err := pool.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "db_error"})
			srvMetrics.Observe("health", http.StatusServiceUnavailable, start)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "kafka": kafkaClient.Enabled()})
		srvMetrics.Observe("health", http.StatusOK, start)
	})
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("%s listening on :%s", service, cfg.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}

func readCfg() (cfg, error) {
	port := getenv("PORT", "8080")
	db := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if db == "" {
		return cfg{}, errors.New("DATABASE_URL is required")
	}
	return cfg{
		Port:         port,
		DatabaseURL:  db,
		KafkaBrokers: getenv("KAFKA_BROKERS", ""),
		Topic:        getenv("KAFKA_TOPIC", contracts.TopicShopEvents),
		GroupID:      getenv("KAFKA_GROUP_ID", service),
	}, nil
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
