// Package provision starts the service dependencies a pipeline declares and
// guarantees the named databases exist before any step runs.
package provision

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/docker/go-connections/nat"
	redis "github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"

	"github.com/ZackBotkin/SimQLe/pkg/config"
)

// Service names accepted in a descriptor.
const (
	ServiceMySQL      = "mysql"
	ServicePostgreSQL = "postgresql"
	ServiceRedis      = "redis"
)

// Endpoint describes a provisioned service as seen from the host.
type Endpoint struct {
	Service  string
	Host     string
	Port     string
	AdminDSN string
}

// Environment is the set of provisioned services for one run. StepEnv is
// injected into every shell step so commands can reach the services.
type Environment struct {
	Endpoints  map[string]Endpoint
	StepEnv    []string
	containers []string
}

// spec describes how to start and probe one service kind.
type spec struct {
	image    string
	port     nat.Port
	env      []string
	adminDSN func(host, port string) string
	probe    func(ctx context.Context, adminDSN string) error
}

func specs(cfg config.RunnerConfig) map[string]spec {
	return map[string]spec{
		ServiceMySQL: {
			image: cfg.MySQLImage,
			port:  "3306/tcp",
			env:   []string{"MYSQL_ROOT_PASSWORD=" + cfg.MySQLRootPassword},
			adminDSN: func(host, port string) string {
				return fmt.Sprintf("root:%s@tcp(%s)/", cfg.MySQLRootPassword, net.JoinHostPort(host, port))
			},
			probe: sqlProbe("mysql"),
		},
		ServicePostgreSQL: {
			image: cfg.PostgresImage,
			port:  "5432/tcp",
			env:   []string{"POSTGRES_HOST_AUTH_METHOD=trust", "POSTGRES_USER=" + cfg.PostgresSuperuser},
			adminDSN: func(host, port string) string {
				return fmt.Sprintf("postgres://%s@%s/postgres?sslmode=disable", cfg.PostgresSuperuser, net.JoinHostPort(host, port))
			},
			probe: sqlProbe("pgx"),
		},
		ServiceRedis: {
			image: cfg.RedisImage,
			port:  "6379/tcp",
			adminDSN: func(host, port string) string {
				return net.JoinHostPort(host, port)
			},
			probe: redisProbe,
		},
	}
}

// sqlProbe opens a throwaway handle on the named driver and pings it.
func sqlProbe(driver string) func(ctx context.Context, adminDSN string) error {
	return func(ctx context.Context, adminDSN string) error {
		db, err := sql.Open(driver, adminDSN)
		if err != nil {
			return err
		}
		defer db.Close()
		return db.PingContext(ctx)
	}
}

func redisProbe(ctx context.Context, addr string) error {
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	return client.Ping(ctx).Err()
}

// waitReady retries the probe with exponential backoff until the service
// answers or the timeout elapses.
func waitReady(ctx context.Context, timeout time.Duration, probe func(context.Context, string) error, adminDSN string) error {
	backoff := retry.WithMaxDuration(timeout, retry.NewExponential(500*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := probe(probeCtx, adminDSN); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// stepEnv renders the environment variables advertised to shell steps for
// one endpoint, e.g. MYSQL_HOST / MYSQL_PORT / MYSQL_DSN.
func stepEnv(e Endpoint) []string {
	prefix := strings.ToUpper(e.Service)
	return []string{
		prefix + "_HOST=" + e.Host,
		prefix + "_PORT=" + e.Port,
		prefix + "_DSN=" + e.AdminDSN,
	}
}
