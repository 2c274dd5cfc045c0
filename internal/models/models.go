package models

import (
	"github.com/goccy/go-json"
)

type ConsoleStatus struct {
	Path      string `json:"path"`
	Installed bool   `json:"installed"`
	Resolved  string `json:"resolved,omitempty"`
}

type HealthResponse struct {
	Status   string        `json:"status"`
	Version  string        `json:"version"`
	Console  ConsoleStatus `json:"console"`
	Sessions int           `json:"sessions"`
}

// CommandRequest is the body of a one-shot command. APIMode defaults to the
// configured executor mode when omitted.
type CommandRequest struct {
	Command string `json:"command" validate:"required"`
	APIMode *int   `json:"api_mode,omitempty" validate:"omitempty,min=0,max=3"`
}

type CommandResponse struct {
	Result json.RawMessage `json:"result"`
}

type InputRequest struct {
	Input string `json:"input"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	// Reason is set for unknown sessions: not_found, closed or exited.
	Reason string `json:"reason,omitempty"`
}
