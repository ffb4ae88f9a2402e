// Package gateway abstracts the external billing provider. The rest of the
// system only sees this interface; provider specifics stay behind it.
package gateway

import "context"

// CustomerRef identifies a provider-side customer record.
type CustomerRef struct {
	ID string `json:"id"`
}

// Charge is the provider's object representing a requested payment.
type Charge struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Status string `json:"status"`
}

// ChargeRequest describes one logical charge creation.
type ChargeRequest struct {
	Customer          CustomerRef
	Amount            float64
	Description       string
	ExternalReference string
	DueInDays         int
}

// Client is the billing provider abstraction consumed by the enrollment
// service and the reconciliation paths.
type Client interface {
	// FindOrCreateCustomer resolves a customer by tax id, creating one when
	// no match exists. Idempotent by business key, not by call count.
	FindOrCreateCustomer(ctx context.Context, name, email, taxID string) (CustomerRef, error)

	// CreateChargeWithLink creates a charge with a hosted payment link.
	CreateChargeWithLink(ctx context.Context, req ChargeRequest) (Charge, error)

	// GetChargeStatus returns the provider's current status for a charge.
	GetChargeStatus(ctx context.Context, chargeID string) (string, error)

	// CancelCharge attempts cancellation; callers treat failure as
	// best-effort and must not block their own state transitions on it.
	CancelCharge(ctx context.Context, chargeID string) (bool, error)
}
