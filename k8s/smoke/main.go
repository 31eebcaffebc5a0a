// Command smoke verifies from inside the cluster that the dependencies of
// issue-service are reachable: MongoDB with its replica set and indexes,
// Consul with a healthy issue-service, and the issue-events topic.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"fadedreams/roadassist/discovery"
	"fadedreams/roadassist/issue-service/domain"
	"fadedreams/roadassist/issue-service/kafka"
	"fadedreams/roadassist/logging"

	"github.com/spf13/viper"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type logNotifier struct {
	logger *slog.Logger
	seen   chan struct{}
}

func (n *logNotifier) Publish(issueID string, version int64) {
	n.logger.Info("Issue event", "issueID", issueID, "version", version)
	select {
	case n.seen <- struct{}{}:
	default:
	}
}

func checkMongo(uri, database string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
		if err != nil {
			return err
		}
		defer client.Disconnect(context.Background())
		var status struct {
			Ok int `bson:"ok"`
		}
		if err := client.Database("admin").RunCommand(ctx, bson.D{{Key: "replSetGetStatus", Value: 1}}).Decode(&status); err != nil {
			return fmt.Errorf("replica set: %w", err)
		}
		return domain.NewMongoRepository(client, database).EnsureIndexes(ctx)
	}
}

func checkService(registry *discovery.Registry, name string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		addr, err := registry.Resolve(name)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/health", nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s answered %d: %s", addr, resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return nil
	}
}

// tailEvents subscribes to the topic and waits for one event. With no traffic
// in the window it only proves the subscription works.
func tailEvents(cfg *viper.Viper, registry *discovery.Registry, logger *slog.Logger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		bootstrap := cfg.GetString("kafka.brokers")
		if bootstrap == "" {
			addr, err := registry.Resolve("kafka")
			if err != nil {
				return err
			}
			bootstrap = addr
		}
		hostname, _ := os.Hostname()
		notifier := &logNotifier{logger: logger, seen: make(chan struct{}, 1)}
		consumer, err := kafka.NewConsumer(bootstrap, cfg.GetString("schema.registry.url"), cfg.GetString("kafka.topic"), "smoke-"+hostname, notifier, logger)
		if err != nil {
			return err
		}
		defer consumer.Close()

		done := make(chan error, 1)
		go func() { done <- consumer.Start(ctx) }()
		select {
		case <-notifier.seen:
			return nil
		case err := <-done:
			if ctx.Err() != nil {
				logger.Info("No issue events in the tail window")
				return nil
			}
			return err
		}
	}
}

func main() {
	cfg := viper.New()
	cfg.SetDefault("mongo.uri", "mongodb://mongodb:27017/roadassist?replicaSet=rs0")
	cfg.SetDefault("mongo.database", "roadassist")
	cfg.SetDefault("consul.address", "consul:8500")
	cfg.SetDefault("kafka.brokers", "")
	cfg.SetDefault("kafka.topic", "issue-events")
	cfg.SetDefault("schema.registry.url", "http://schema-registry:8081")
	cfg.SetDefault("check.timeout", "15s")
	cfg.AutomaticEnv()
	cfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	logger, closer, err := logging.NewLogger("smoke", "", slog.LevelInfo)
	if err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	defer closer.Close()

	registry, err := discovery.NewRegistry(cfg.GetString("consul.address"), logger)
	if err != nil {
		logger.Error("Failed to create Consul client", "error", err)
		os.Exit(1)
	}

	failed := runChecks(context.Background(), cfg.GetDuration("check.timeout"), logger, []check{
		{"mongo", checkMongo(cfg.GetString("mongo.uri"), cfg.GetString("mongo.database"))},
		{"issue-service", checkService(registry, "issue-service")},
		{"issue-events", tailEvents(cfg, registry, logger)},
	})
	if failed > 0 {
		os.Exit(1)
	}
}
