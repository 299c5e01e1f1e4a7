// Package delivery sends outbound WhatsApp messages through an external
// messaging provider. Senders report every failure mode through the Result
// value rather than an error return, so HTTP handlers and CLI commands can
// handle delivery outcomes uniformly.
package delivery

import "context"

// Result is the outcome of one delivery attempt.
type Result struct {
	Success bool `json:"success"`
	// MessageID is the provider-assigned message id, set on success.
	MessageID string `json:"message_id,omitempty"`
	// Error describes the failure, set when Success is false.
	Error string `json:"error,omitempty"`
	// StatusCode is the provider's HTTP status, when an HTTP exchange happened.
	StatusCode int `json:"status_code,omitempty"`
	// Raw is the provider's raw response body, useful for diagnostics.
	Raw string `json:"raw,omitempty"`
}

// Sender transmits messages to a phone number via an external provider.
// Implementations must not retry internally and must bound each call with a
// timeout; retry policy belongs to the caller.
type Sender interface {
	// SendText delivers a free-text message.
	SendText(ctx context.Context, phone, body string) Result
	// SendTemplate delivers a provider-side template with ordered body
	// parameters.
	SendTemplate(ctx context.Context, phone, templateName, languageCode string, params []string) Result
}

// failure builds a failed Result from an error.
func failure(err error) Result {
	return Result{Success: false, Error: err.Error()}
}
