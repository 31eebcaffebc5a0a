package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"fadedreams/roadassist/discovery"
	"fadedreams/roadassist/issue-service/auth"
	"fadedreams/roadassist/issue-service/config"
	"fadedreams/roadassist/issue-service/directions"
	"fadedreams/roadassist/issue-service/domain"
	"fadedreams/roadassist/issue-service/geocode"
	"fadedreams/roadassist/issue-service/grpcsvc"
	"fadedreams/roadassist/issue-service/handlers"
	"fadedreams/roadassist/issue-service/kafka"
	"fadedreams/roadassist/issue-service/rabbitmq"
	"fadedreams/roadassist/issue-service/service"
	"fadedreams/roadassist/logging"
	"fadedreams/roadassist/telemetry"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func connectToMongoDB(uri string, retries int, delay time.Duration, logger *slog.Logger) (*mongo.Client, error) {
	var client *mongo.Client
	var err error

	for i := range retries {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		client, err = mongo.Connect(ctx, options.Client().ApplyURI(uri))
		if err == nil {
			err = client.Ping(ctx, nil)
			if err == nil {
				// transactions and change streams need an initialized replica set
				var result struct {
					Ok int `bson:"ok"`
				}
				err = client.Database("admin").RunCommand(ctx, bson.D{
					{Key: "replSetGetStatus", Value: 1},
				}).Decode(&result)
				if err == nil && result.Ok == 1 {
					cancel()
					logger.Info("Connected to MongoDB", "uri", uri)
					return client, nil
				}
				logger.Error("Replica set not ready", "error", err)
			}
		}
		cancel()
		logger.Error("Failed to connect to MongoDB", "attempt", i+1, "max_attempts", retries, "error", err)
		if i < retries-1 {
			time.Sleep(delay)
		}
	}
	return nil, fmt.Errorf("failed to connect to MongoDB after %d retries: %w", retries, err)
}

// storage bundles the repositories behind one backend.
type storage struct {
	issues    domain.IssueRepository
	positions domain.MechanicRepository
	accounts  domain.AccountRepository
	outbox    domain.OutboxRepository
	geo       domain.GeoIndex
	mongo     *domain.MongoRepository
	close     func()
}

func openStorage(cfg *config.Config, logger *slog.Logger) (*storage, error) {
	if cfg.Storage == "memory" {
		logger.Warn("Using in-memory storage, state is lost on restart")
		repo := domain.NewMemoryRepository()
		return &storage{
			issues: repo, positions: repo, accounts: repo, outbox: repo,
			geo:   domain.NewScanIndex(repo, repo),
			close: func() {},
		}, nil
	}

	client, err := connectToMongoDB(cfg.MongoURI, 5, 2*time.Second, logger)
	if err != nil {
		return nil, err
	}
	repo := domain.NewMongoRepository(client, cfg.MongoDatabase)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := repo.EnsureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return &storage{
		issues: repo, positions: repo, accounts: repo, outbox: repo,
		geo:   domain.NewMongoGeoIndex(repo),
		mongo: repo,
		close: func() {
			if err := client.Disconnect(context.Background()); err != nil {
				logger.Error("Failed to disconnect from MongoDB", "error", err)
			}
		},
	}, nil
}

func routeProvider(cfg *config.Config, logger *slog.Logger) service.RouteProvider {
	switch cfg.DirectionsProvider {
	case "osrm":
		return directions.NewOSRM(cfg.OSRMURL, cfg.RequestTimeout, logger)
	case "mapbox":
		return directions.NewMapbox(cfg.MapboxURL, cfg.MapboxToken, cfg.RequestTimeout, logger)
	default:
		logger.Info("Directions disabled, matches carry no route")
		return nil
	}
}

// kafkaBootstrap returns the configured brokers, or asks Consul for a kafka
// instance when none are configured.
func kafkaBootstrap(cfg *config.Config, registry *discovery.Registry) (string, error) {
	if cfg.KafkaBrokers != "" {
		return cfg.KafkaBrokers, nil
	}
	if registry == nil {
		return "", errors.New("KAFKA_BROKERS is empty and Consul is disabled")
	}
	return registry.Resolve("kafka")
}

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, logFile, err := logging.NewLogger(cfg.ServiceName, cfg.LogFile, logging.ParseLevel(cfg.LogLevel))
	if err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	defer logFile.Close()
	slog.SetDefault(logger)

	logger.Info("Starting issue-service", "timestamp", time.Now().Unix(), "storage", cfg.Storage)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.InitTracer(ctx, cfg.ServiceName, cfg.JaegerEndpoint, logger)
	if err != nil {
		logger.Error("Failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer shutdown()

	store, err := openStorage(cfg, logger)
	if err != nil {
		logger.Error("Failed to open storage", "error", err)
		os.Exit(1)
	}
	defer store.close()

	var registry *discovery.Registry
	if cfg.ConsulEnabled {
		registry, err = discovery.NewRegistry(cfg.ConsulAddress, logger)
		if err != nil {
			logger.Error("Failed to create Consul client", "error", err)
			os.Exit(1)
		}
	}

	hub := service.NewHub()
	issues := service.NewIssueStore(store.issues, store.positions, store.geo, hub, logger)
	negotiation := service.NewOfferNegotiation(issues, service.NewMatchNotifier(issues, routeProvider(cfg, logger), logger))
	watcher := service.NewWatcher(negotiation, hub, cfg.WatchInterval, logger)
	issuer := auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)

	// Outbox delivery: Kafka or RabbitMQ fan events out to every instance.
	// Without a broker the outbox is drained into the local hub and, on Mongo,
	// the change stream signals writes made by other instances.
	var publisher kafka.Publisher = kafka.NewLocalPublisher(hub, logger)
	if cfg.KafkaEnabled {
		bootstrap, err := kafkaBootstrap(cfg, registry)
		if err != nil {
			logger.Error("Failed to resolve Kafka brokers", "error", err)
			os.Exit(1)
		}
		producer, err := kafka.NewProducer(bootstrap, cfg.SchemaRegistryURL, cfg.KafkaTopic, logger)
		if err != nil {
			logger.Error("Failed to create Kafka producer", "error", err)
			os.Exit(1)
		}
		defer producer.Close()
		publisher = producer

		hostname, _ := os.Hostname()
		consumer, err := kafka.NewConsumer(bootstrap, cfg.SchemaRegistryURL, cfg.KafkaTopic, cfg.KafkaGroupID+"-"+hostname, hub, logger)
		if err != nil {
			logger.Error("Failed to create Kafka consumer", "error", err)
			os.Exit(1)
		}
		defer consumer.Close()
		go func() {
			if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Kafka consumer stopped", "error", err)
			}
		}()
	} else if cfg.RabbitMQEnabled {
		broker, err := rabbitmq.Dial(cfg.RabbitMQURL, cfg.RabbitMQExchange, logger)
		if err != nil {
			logger.Error("Failed to connect to RabbitMQ", "error", err)
			os.Exit(1)
		}
		defer broker.Close()
		publisher = broker
		go func() {
			if err := broker.Subscribe(ctx, hub); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("RabbitMQ subscriber stopped", "error", err)
			}
		}()
	} else if store.mongo != nil {
		go func() {
			if err := store.mongo.WatchIssues(ctx, hub.Publish); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Issue change stream stopped", "error", err)
			}
		}()
	}
	outbox := kafka.NewOutboxProcessor(store.outbox, publisher, cfg.OutboxInterval, cfg.OutboxBatchSize, logger)
	go func() {
		if err := outbox.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Outbox processor stopped", "error", err)
		}
	}()

	var geocoder handlers.Geocoder
	if cfg.GoogleMapsAPIKey != "" {
		g, err := geocode.NewGoogle(cfg.GoogleMapsAPIKey, cfg.RequestTimeout)
		if err != nil {
			logger.Error("Failed to create geocoder", "error", err)
			os.Exit(1)
		}
		geocoder = g
	}

	router := handlers.NewRouter(handlers.Deps{
		Negotiation:    negotiation,
		Watcher:        watcher,
		Accounts:       auth.NewAccounts(store.accounts, issuer, logger),
		Issuer:         issuer,
		Geocoder:       geocoder,
		NearbyRadius:   cfg.NearbyRadiusMeters,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger,
	})
	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.ServicePort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lis, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.GRPCPort))
	if err != nil {
		logger.Error("Failed to listen for gRPC", "error", err)
		os.Exit(1)
	}
	grpcServer := grpcsvc.NewServer(grpcsvc.NewWatchServer(watcher, negotiation, issuer, logger))
	go func() {
		logger.Info("Starting gRPC server", "port", cfg.GRPCPort)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server stopped", "error", err)
			stop()
		}
	}()

	go func() {
		logger.Info("Starting HTTP server", "port", cfg.ServicePort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server stopped", "error", err)
			stop()
		}
	}()

	svc := discovery.Service{
		Name:       cfg.ServiceName,
		Address:    cfg.ServiceAddress,
		Port:       cfg.ServicePort,
		HealthPath: "/health",
		Tags:       []string{"http", "grpc-" + strconv.Itoa(cfg.GRPCPort)},
	}
	if registry != nil {
		if err := registry.Register(svc); err != nil {
			os.Exit(1)
		}
		defer registry.Deregister(svc)
	}

	<-ctx.Done()
	logger.Info("Shutting down issue-service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", "error", err)
	}
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcServer.Stop()
	}
}
