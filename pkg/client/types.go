package client

import "time"

// ServiceStatus mirrors the supervisor's status snapshot for one service.
type ServiceStatus struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	PID       int       `json:"pid,omitempty"`
	Ready     bool      `json:"ready"`
	Blocked   bool      `json:"blocked,omitempty"`
	Restarts  int       `json:"restarts"`
	ExitCode  int       `json:"exit_code,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	ChangedAt time.Time `json:"changed_at"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error string `json:"error"`
}
