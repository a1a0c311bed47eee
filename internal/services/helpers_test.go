package services_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"arena-control-backend/internal/models"
	"arena-control-backend/internal/services"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) (*services.RedisService, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return services.NewRedisServiceFromClient(client), mr
}

func defaultRoundConfig() *models.RoundConfig {
	return &models.RoundConfig{
		RoundID:                          1,
		RewardItemAmountPerLegitPlayer:   1,
		RewardItemAmountMax:              20,
		RewardWinnerAmountPerLegitPlayer: 5,
		RewardWinnerAmountMax:            80,
	}
}

func seededStore(t *testing.T) (*services.RedisService, *miniredis.Miniredis) {
	t.Helper()

	store, mr := newTestStore(t)
	if err := store.SeedRoundConfig(context.Background(), defaultRoundConfig()); err != nil {
		t.Fatalf("Failed to seed round config: %v", err)
	}
	return store, mr
}

func legitClients(n int) []models.Client {
	clients := make([]models.Client, n)
	for i := range clients {
		clients[i] = models.Client{
			ID:      fmt.Sprintf("client-%d", i),
			Name:    fmt.Sprintf("player %d", i),
			Address: fmt.Sprintf("addr-%d", i),
		}
	}
	return clients
}

func totals(item, winner float64) *models.RewardTotals {
	return &models.RewardTotals{ItemAmount: item, WinnerAmount: winner}
}
