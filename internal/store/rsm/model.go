package rsm

import "time"

type StatusInfo struct {
	Service   string    `json:"service"`
	Phase     string    `json:"phase"`
	Retries   int       `json:"retries"`
	Degraded  bool      `json:"degraded"`
	LastError string    `json:"lastError,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type StatusState struct {
	Version  string                `json:"version"`
	Services map[string]StatusInfo `json:"services"`
}
