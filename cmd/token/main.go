// Command token mints a signed token for the admin, game server or backend
// role using the same configuration as the API.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"arena-control-backend/internal/config"
	"arena-control-backend/internal/services"
)

func main() {
	subject := flag.String("subject", "ops", "token subject")
	role := flag.String("role", services.RoleAdmin, "admin, gameserver or backend")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.JWTSecret == "" {
		slog.Error("JWT_SECRET must be set to mint tokens the API will accept")
		os.Exit(1)
	}

	switch *role {
	case services.RoleAdmin, services.RoleGameServer, services.RoleBackend:
	default:
		slog.Error("Unknown role", "role", *role)
		os.Exit(2)
	}

	jwtService, err := services.NewJWTService(cfg)
	if err != nil {
		slog.Error("Failed to create jwt service", "error", err)
		os.Exit(1)
	}

	token, err := jwtService.GenerateToken(*subject, *role)
	if err != nil {
		slog.Error("Failed to mint token", "error", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
