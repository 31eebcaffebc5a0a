package discovery

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"strconv"

	"github.com/hashicorp/consul/api"
)

// ErrNoInstances is returned when Consul knows no healthy instance of a service.
var ErrNoInstances = errors.New("no healthy instances")

// Registry registers this process with Consul and resolves other services.
type Registry struct {
	client *api.Client
	logger *slog.Logger
}

func NewRegistry(address string, logger *slog.Logger) (*Registry, error) {
	consulConfig := api.DefaultConfig()
	consulConfig.Address = address
	client, err := api.NewClient(consulConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Consul client: %w", err)
	}
	return &Registry{client: client, logger: logger}, nil
}

// Service describes the instance being registered.
type Service struct {
	Name    string
	Address string
	Port    int
	// HealthPath is polled over HTTP by Consul, e.g. /health.
	HealthPath string
	Tags       []string
}

// ID is the Consul service id of s.
func (s Service) ID() string {
	return s.Name + "-" + strconv.Itoa(s.Port)
}

func (r *Registry) Register(s Service) error {
	registration := &api.AgentServiceRegistration{
		ID:      s.ID(),
		Name:    s.Name,
		Port:    s.Port,
		Address: s.Address,
		Tags:    s.Tags,
		Check: &api.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s%s", net.JoinHostPort(s.Address, strconv.Itoa(s.Port)), s.HealthPath),
			Interval:                       "10s",
			Timeout:                        "5s",
			DeregisterCriticalServiceAfter: "1m",
		},
	}
	if err := r.client.Agent().ServiceRegister(registration); err != nil {
		r.logger.Error("Failed to register with Consul", "error", err, "service_id", s.ID())
		return err
	}
	r.logger.Info("Registered with Consul", "service_id", s.ID())
	return nil
}

func (r *Registry) Deregister(s Service) {
	if err := r.client.Agent().ServiceDeregister(s.ID()); err != nil {
		r.logger.Error("Failed to deregister from Consul", "error", err, "service_id", s.ID())
		return
	}
	r.logger.Info("Deregistered from Consul", "service_id", s.ID())
}

// Resolve returns host:port of a random healthy instance of name.
func (r *Registry) Resolve(name string) (string, error) {
	entries, _, err := r.client.Health().Service(name, "", true, nil)
	if err != nil {
		return "", fmt.Errorf("failed to query Consul for %s: %w", name, err)
	}
	addrs := Addresses(entries)
	if len(addrs) == 0 {
		return "", fmt.Errorf("%w of %s", ErrNoInstances, name)
	}
	return addrs[rand.IntN(len(addrs))], nil
}

// Addresses turns health entries into host:port strings. The service address
// wins over the node address when both are set.
func Addresses(entries []*api.ServiceEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Service == nil {
			continue
		}
		host := e.Service.Address
		if host == "" && e.Node != nil {
			host = e.Node.Address
		}
		if host == "" {
			continue
		}
		out = append(out, net.JoinHostPort(host, strconv.Itoa(e.Service.Port)))
	}
	return out
}
