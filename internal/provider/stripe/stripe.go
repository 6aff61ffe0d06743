// Package stripe implements the provider adapter on stripe-go.
package stripe

import (
	"context"
	"runtime/debug"
	"time"

	stripesdk "github.com/stripe/stripe-go/v82"
	bpsession "github.com/stripe/stripe-go/v82/billingportal/session"
	cosession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/paymentlink"

	"github.com/mobily-enterprises/billingkit/internal/provider"
)

const (
	providerName = "stripe"
	sdkName      = "stripe-go"
	sdkModule    = "github.com/stripe/stripe-go/v82"
)

// Adapter implements provider.Provider against Stripe.
type Adapter struct {
	provenance provider.Provenance
}

// New configures the global Stripe client key and returns an adapter.
func New(apiKey string) *Adapter {
	stripesdk.Key = apiKey
	return &Adapter{
		provenance: provider.Provenance{
			SDKName:    sdkName,
			SDKVersion: sdkVersion(),
			APIVersion: stripesdk.APIVersion,
		},
	}
}

func (a *Adapter) Name() string { return providerName }

// Provenance reports the running SDK and API version; the orchestrator
// freezes these on first attempt and refuses replays under a drifted
// baseline.
func (a *Adapter) Provenance() provider.Provenance { return a.provenance }

// sdkVersion resolves the stripe-go module version from build info. The
// fallback matches the module major so provenance checks stay meaningful in
// unstamped test binaries.
func sdkVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, dep := range info.Deps {
			if dep.Path == sdkModule {
				return dep.Version
			}
		}
	}
	return "v82.0.0"
}

func (a *Adapter) CreateCheckoutSession(ctx context.Context, params provider.CreateCheckoutSessionParams) (*provider.CheckoutSession, error) {
	const op = "checkout.session.create"

	sp := &stripesdk.CheckoutSessionParams{
		Params: stripesdk.Params{
			Context:        ctx,
			IdempotencyKey: stripesdk.String(params.IdempotencyKey),
		},
		SuccessURL: stripesdk.String(params.SuccessURL),
		CancelURL:  stripesdk.String(params.CancelURL),
		Mode:       stripesdk.String(params.Mode),
		LineItems: []*stripesdk.CheckoutSessionLineItemParams{
			{
				Price:    stripesdk.String(params.PriceID),
				Quantity: stripesdk.Int64(params.Quantity),
			},
		},
	}
	if params.CustomerID != "" {
		sp.Customer = stripesdk.String(params.CustomerID)
	}
	if params.ClientReferenceID != "" {
		sp.ClientReferenceID = stripesdk.String(params.ClientReferenceID)
	}
	if params.ExpiresAt != nil {
		sp.ExpiresAt = stripesdk.Int64(params.ExpiresAt.Unix())
	}
	for k, v := range params.Metadata {
		sp.AddMetadata(k, v)
	}

	sess, err := cosession.New(sp)
	if err != nil {
		return nil, normalizeError(op, err)
	}
	return &provider.CheckoutSession{
		ID:        sess.ID,
		URL:       sess.URL,
		Status:    string(sess.Status),
		ExpiresAt: time.Unix(sess.ExpiresAt, 0).UTC(),
	}, nil
}

func (a *Adapter) CreatePortalSession(ctx context.Context, params provider.CreatePortalSessionParams) (*provider.PortalSession, error) {
	const op = "portal.session.create"

	sp := &stripesdk.BillingPortalSessionParams{
		Params: stripesdk.Params{
			Context:        ctx,
			IdempotencyKey: stripesdk.String(params.IdempotencyKey),
		},
		Customer: stripesdk.String(params.CustomerID),
	}
	if params.ReturnURL != "" {
		sp.ReturnURL = stripesdk.String(params.ReturnURL)
	}

	sess, err := bpsession.New(sp)
	if err != nil {
		return nil, normalizeError(op, err)
	}
	return &provider.PortalSession{ID: sess.ID, URL: sess.URL}, nil
}

func (a *Adapter) CreatePaymentLink(ctx context.Context, params provider.CreatePaymentLinkParams) (*provider.PaymentLink, error) {
	const op = "payment_link.create"

	lp := &stripesdk.PaymentLinkParams{
		Params: stripesdk.Params{
			Context:        ctx,
			IdempotencyKey: stripesdk.String(params.IdempotencyKey),
		},
		LineItems: []*stripesdk.PaymentLinkLineItemParams{
			{
				Price:    stripesdk.String(params.PriceID),
				Quantity: stripesdk.Int64(params.Quantity),
			},
		},
	}
	for k, v := range params.Metadata {
		lp.AddMetadata(k, v)
	}

	link, err := paymentlink.New(lp)
	if err != nil {
		return nil, normalizeError(op, err)
	}
	return &provider.PaymentLink{ID: link.ID, URL: link.URL}, nil
}
