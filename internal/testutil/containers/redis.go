package containers

import (
	"context"
	"fmt"
	"net"

	"github.com/docker/go-connections/nat"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

const redisPort nat.Port = "6379/tcp"

// RedisContainer wraps a throwaway Redis server
type RedisContainer struct {
	*tcredis.RedisContainer
	Addr string
}

// NewRedisContainer starts Redis and resolves its host:port address
func NewRedisContainer(ctx context.Context) (*RedisContainer, error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine",
		tcredis.WithLogLevel(tcredis.LogLevelNotice),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start redis container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get redis host: %w", err)
	}
	port, err := container.MappedPort(ctx, redisPort)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get redis port: %w", err)
	}

	return &RedisContainer{
		RedisContainer: container,
		Addr:           net.JoinHostPort(host, port.Port()),
	}, nil
}
