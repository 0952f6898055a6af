package provision

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/ZackBotkin/SimQLe/pkg/config"
)

// Provisioner prepares the services and databases a run depends on.
type Provisioner interface {
	// Provision starts (or locates) every named service, waits until each
	// answers, and creates the named databases on the relational ones.
	Provision(ctx context.Context, runID string, services, databases []string) (*Environment, error)
	// Teardown releases whatever Provision created. Errors are logged, not
	// returned: teardown must never fail a finished run.
	Teardown(ctx context.Context, env *Environment)
}

// DockerProvisioner starts one container per service with an ephemeral
// loopback port binding.
type DockerProvisioner struct {
	docker *DockerClient
	cfg    config.RunnerConfig
	logger *slog.Logger
}

// NewDockerProvisioner returns a Docker-backed provisioner.
func NewDockerProvisioner(docker *DockerClient, cfg config.RunnerConfig, logger *slog.Logger) *DockerProvisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerProvisioner{docker: docker, cfg: cfg, logger: logger}
}

// Provision implements Provisioner.
func (p *DockerProvisioner) Provision(ctx context.Context, runID string, services, databases []string) (*Environment, error) {
	env := &Environment{Endpoints: make(map[string]Endpoint)}
	known := specs(p.cfg)

	for _, name := range normalize(services) {
		svc, ok := known[name]
		if !ok {
			p.Teardown(ctx, env)
			return nil, fmt.Errorf("unknown service %q", name)
		}
		containerName := fmt.Sprintf("simqle-ci-%s-%s", name, shortID(runID))
		labels := map[string]string{"io.simqle.run": runID, "io.simqle.service": name}

		p.logger.Info("starting service", "service", name, "image", svc.image, "run_id", runID)
		containerID, hostPort, err := p.docker.StartService(ctx, containerName, svc.image, svc.env, svc.port, labels)
		if containerID != "" {
			env.containers = append(env.containers, containerID)
		}
		if err != nil {
			p.Teardown(ctx, env)
			return nil, fmt.Errorf("start %s: %w", name, err)
		}

		endpoint := Endpoint{Service: name, Host: "127.0.0.1", Port: hostPort}
		endpoint.AdminDSN = svc.adminDSN(endpoint.Host, endpoint.Port)
		if err := waitReady(ctx, p.cfg.ServiceReadyTimeout, svc.probe, endpoint.AdminDSN); err != nil {
			p.Teardown(ctx, env)
			return nil, fmt.Errorf("%s not ready: %w", name, err)
		}
		p.logger.Info("service ready", "service", name, "host_port", hostPort)

		env.Endpoints[name] = endpoint
		env.StepEnv = append(env.StepEnv, stepEnv(endpoint)...)
	}

	if err := ensureDatabases(ctx, env, databases, p.logger); err != nil {
		p.Teardown(ctx, env)
		return nil, err
	}
	return env, nil
}

// Teardown force-removes every container the environment started.
func (p *DockerProvisioner) Teardown(ctx context.Context, env *Environment) {
	if env == nil {
		return
	}
	for _, id := range env.containers {
		if err := p.docker.RemoveContainer(ctx, id); err != nil {
			p.logger.Warn("teardown failed", "container_id", id, "error", err)
		}
	}
	env.containers = nil
}

// LocalProvisioner expects the services to already run on configured
// addresses, for environments that host them outside Docker.
type LocalProvisioner struct {
	cfg    config.RunnerConfig
	logger *slog.Logger
}

// NewLocalProvisioner returns a provisioner that only probes and prepares
// pre-existing services.
func NewLocalProvisioner(cfg config.RunnerConfig, logger *slog.Logger) *LocalProvisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalProvisioner{cfg: cfg, logger: logger}
}

// Provision implements Provisioner.
func (p *LocalProvisioner) Provision(ctx context.Context, runID string, services, databases []string) (*Environment, error) {
	env := &Environment{Endpoints: make(map[string]Endpoint)}
	known := specs(p.cfg)

	local := map[string]string{
		ServiceMySQL:      p.cfg.MySQLLocalDSN,
		ServicePostgreSQL: p.cfg.PostgresLocalDSN,
		ServiceRedis:      p.cfg.RedisLocalAddr,
	}

	for _, name := range normalize(services) {
		svc, ok := known[name]
		if !ok {
			return nil, fmt.Errorf("unknown service %q", name)
		}
		endpoint := Endpoint{Service: name, AdminDSN: local[name]}
		if err := waitReady(ctx, p.cfg.ServiceReadyTimeout, svc.probe, endpoint.AdminDSN); err != nil {
			return nil, fmt.Errorf("%s not ready: %w", name, err)
		}
		env.Endpoints[name] = endpoint
		env.StepEnv = append(env.StepEnv, stepEnv(endpoint)...)
	}

	if err := ensureDatabases(ctx, env, databases, p.logger); err != nil {
		return nil, err
	}
	return env, nil
}

// Teardown implements Provisioner. Local services are left running.
func (p *LocalProvisioner) Teardown(ctx context.Context, env *Environment) {}

// New selects a provisioner from the configured mode.
func New(cfg config.RunnerConfig, logger *slog.Logger) (Provisioner, func() error, error) {
	switch cfg.ProvisionMode {
	case "docker", "":
		docker, err := NewDockerClient(cfg.DockerHost)
		if err != nil {
			return nil, nil, err
		}
		return NewDockerProvisioner(docker, cfg, logger), docker.Close, nil
	case "local":
		return NewLocalProvisioner(cfg, logger), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown provision mode %q", cfg.ProvisionMode)
	}
}

func normalize(services []string) []string {
	seen := make(map[string]bool, len(services))
	out := make([]string, 0, len(services))
	for _, s := range services {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
