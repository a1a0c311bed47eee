package services

import "arena-control-backend/internal/models"

// Broadcaster reaches the real-time clients connected to the backend.
type Broadcaster interface {
	BroadcastShutdown(notice models.BroadcastNotice)
}
