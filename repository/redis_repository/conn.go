package redis_repository

import (
	"context"
	"fmt"
	"log"

	"github.com/mohammad-safakhou/sitrep/config"
	"github.com/redis/go-redis/v9"
)

// Conn dials redis from cfg and verifies the connection with PING.
func Conn(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		DialTimeout: cfg.Timeout,
		ReadTimeout: cfg.Timeout,
		Password:    cfg.Password,
		DB:          cfg.DB,
	})
	log.Printf("redis options -> addr=%s db=%d", client.Options().Addr, cfg.DB)

	pong, err := client.Ping(ctx).Result()
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if pong != "PONG" {
		_ = client.Close()
		return nil, fmt.Errorf("expected PONG, got %s", pong)
	}

	return client, nil
}
