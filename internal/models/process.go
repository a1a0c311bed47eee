package models

import (
	"net"
	"strconv"
	"time"
)

type ProcessState string

const (
	ProcessStopped      ProcessState = "stopped"
	ProcessStarting     ProcessState = "starting"
	ProcessRunning      ProcessState = "running"
	ProcessReconnecting ProcessState = "reconnecting"
)

// ProcessInfo is a read-only snapshot of one supervised game server.
type ProcessInfo struct {
	GSID       string       `json:"gsid"`
	Host       string       `json:"host"`
	Port       int          `json:"port"`
	PID        int          `json:"pid"`
	State      ProcessState `json:"state"`
	Connected  bool         `json:"connected"`
	StartedAt  time.Time    `json:"started_at"`
	LastCallAt time.Time    `json:"last_call_at,omitempty"`
}

func (p ProcessInfo) Endpoint() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}
