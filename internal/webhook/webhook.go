// Package webhook receives provider webhooks and turns the ones that can
// change a pull request's state into polling triggers.
package webhook

import "context"

// Event is a verified webhook that may affect an open pull request.
type Event struct {
	Provider   string
	Kind       string
	Repository string // team/name as reported by the provider
}

// Func is called for every relevant event.
type Func func(ctx context.Context, event Event)
