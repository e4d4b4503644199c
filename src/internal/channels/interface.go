// Package channels connects the engine to chat networks.
package channels

import (
	"context"

	"herald-main/src/internal/chat"
)

// Status is the link state of a channel as reported to API clients.
type Status struct {
	Channel   string `json:"channel"`
	Enabled   bool   `json:"enabled"`
	Connected bool   `json:"connected"`
	LoggedIn  bool   `json:"logged_in"`
	Account   string `json:"account,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// InboundHandler receives every message observed on a channel.
type InboundHandler func(ctx context.Context, in chat.Inbound)

type Channel interface {
	Name() string
	Status() Status
	Enroll(ctx context.Context) error
	IsReady() bool
	// Send delivers text to a phone or group address and returns the
	// network message id.
	Send(ctx context.Context, address, text string) (string, error)
	ResolveAddresses(ctx context.Context, address string) ([]string, error)
	SetMessageHandler(fn InboundHandler)
	OnStatus(fn func(Status))
}
