// Package provider defines the adapter boundary to external payment
// providers. Every adapter takes a provider idempotency key on each write
// and must normalize its errors through the providererr contract.
package provider

import (
	"context"
	"time"
)

// Provenance identifies the SDK and provider API version a request body was
// built against. Replays are only allowed when the frozen provenance is
// compatible with the running process.
type Provenance struct {
	SDKName    string
	SDKVersion string
	APIVersion string
}

// CreateCheckoutSessionParams are the provider-agnostic inputs for a hosted
// checkout session.
type CreateCheckoutSessionParams struct {
	IdempotencyKey    string
	CustomerID        string
	PriceID           string
	Quantity          int64
	Mode              string
	SuccessURL        string
	CancelURL         string
	ClientReferenceID string
	Metadata          map[string]string
	ExpiresAt         *time.Time
}

// CheckoutSession is the provider-side session allocated for a checkout.
type CheckoutSession struct {
	ID        string
	URL       string
	Status    string
	ExpiresAt time.Time
}

type CreatePortalSessionParams struct {
	IdempotencyKey string
	CustomerID     string
	ReturnURL      string
}

type PortalSession struct {
	ID  string
	URL string
}

type CreatePaymentLinkParams struct {
	IdempotencyKey string
	PriceID        string
	Quantity       int64
	Metadata       map[string]string
}

type PaymentLink struct {
	ID  string
	URL string
}

// Provider is a payment provider adapter.
type Provider interface {
	Name() string
	Provenance() Provenance
	CreateCheckoutSession(ctx context.Context, params CreateCheckoutSessionParams) (*CheckoutSession, error)
	CreatePortalSession(ctx context.Context, params CreatePortalSessionParams) (*PortalSession, error)
	CreatePaymentLink(ctx context.Context, params CreatePaymentLinkParams) (*PaymentLink, error)
}
