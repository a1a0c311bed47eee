package services

import "time"

const (
	KeyRoundConfig    = "round:config"
	KeyRoundDrops     = "round:config:drops"
	KeyUnsavedGame    = "round:unsaved:%s:%d"
	KeyUnsavedPending = "round:unsaved:pending"
	KeyLastSettled    = "round:unsaved:last:%s"
	KeyRoundResult    = "round:result:%d:%s"
	KeyRoundResults   = "round:%d:results"
	KeyGameServer     = "gs:%s:info"
	KeyRateLimit      = "ratelimit:%s:%s"

	TTLGameServer = 7 * 24 * time.Hour // 7 days
)
