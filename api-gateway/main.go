package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"fadedreams/roadassist/api-gateway/proxy"
	"fadedreams/roadassist/discovery"
	"fadedreams/roadassist/logging"
	"fadedreams/roadassist/telemetry"

	"github.com/gorilla/mux"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
	"go.opentelemetry.io/otel"
)

func loadConfig() *viper.Viper {
	v := viper.New()
	v.SetDefault("gateway.port", 8081)
	v.SetDefault("log.file", "/var/log/api-gateway/api-gateway.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("consul.address", "consul:8500")
	v.SetDefault("jaeger.endpoint", "http://jaeger:4318/v1/traces")
	v.SetDefault("issue.service.name", "issue-service")
	// host:port of issue-service; bypasses Consul when set
	v.SetDefault("issue.service.addr", "")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v
}

func main() {
	cfg := loadConfig()

	logger, logFile, err := logging.NewLogger("api-gateway", cfg.GetString("log.file"), logging.ParseLevel(cfg.GetString("log.level")))
	if err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	defer logFile.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.InitTracer(ctx, "api-gateway", cfg.GetString("jaeger.endpoint"), logger)
	if err != nil {
		logger.Error("Failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer shutdown()

	var resolver proxy.Resolver
	if addr := cfg.GetString("issue.service.addr"); addr != "" {
		resolver = proxy.Static(addr)
	} else {
		registry, err := discovery.NewRegistry(cfg.GetString("consul.address"), logger)
		if err != nil {
			logger.Error("Failed to create Consul client", "error", err)
			os.Exit(1)
		}
		resolver = registry
	}
	issues := proxy.New(cfg.GetString("issue.service.name"), resolver, logger)

	r := mux.NewRouter()
	r.Use(otelmux.Middleware("api-gateway"))
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, span := otel.Tracer("api-gateway").Start(r.Context(), "HealthCheck")
		defer span.End()
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)
	r.PathPrefix("/api/").Handler(issues)

	port := strconv.Itoa(cfg.GetInt("gateway.port"))
	server := &http.Server{Addr: ":" + port, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("API Gateway running", "port", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Failed to start server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Gateway shutdown failed", "error", err)
	}
}
