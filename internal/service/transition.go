package service

import (
	appErrors "github.com/noah-isme/matricula-api/pkg/errors"

	"github.com/noah-isme/matricula-api/internal/models"
)

// allowedTransitions is the single source of truth for the enrollment state
// machine. Every write path — API calls, pull reconciliation, and webhook
// ingestion — consults this table through Guard, so the rules can never
// diverge between paths.
var allowedTransitions = map[models.EnrollmentStatus]map[models.EnrollmentStatus]bool{
	models.EnrollmentStatusPending: {
		models.EnrollmentStatusWaitingPayment: true,
		models.EnrollmentStatusFailed:         true,
		models.EnrollmentStatusCancelled:      true,
	},
	models.EnrollmentStatusWaitingPayment: {
		models.EnrollmentStatusPaymentConfirmed: true,
		models.EnrollmentStatusFailed:           true,
		models.EnrollmentStatusCancelled:        true,
	},
	models.EnrollmentStatusPaymentConfirmed: {
		models.EnrollmentStatusCompleted: true,
		models.EnrollmentStatusCancelled: true,
	},
	models.EnrollmentStatusFailed: {
		models.EnrollmentStatusWaitingPayment: true,
		models.EnrollmentStatusCancelled:      true,
	},
	models.EnrollmentStatusCompleted: {},
	models.EnrollmentStatusCancelled: {},
}

// Guard validates a status transition. A repeat of the current status is a
// no-op (ok=false, err=nil); any edge outside the table returns
// INVALID_TRANSITION and the caller must leave state untouched.
func Guard(from, to models.EnrollmentStatus) (ok bool, err error) {
	if from == to {
		return false, nil
	}
	targets, known := allowedTransitions[from]
	if !known || !targets[to] {
		return false, appErrors.Clone(appErrors.ErrInvalidTransition, string(from)+" -> "+string(to)+" not allowed")
	}
	return true, nil
}

// gatewayStatusMap translates the provider's charge status vocabulary into
// internal statuses. Consulted identically by reconcile and webhook ingest.
var gatewayStatusMap = map[string]models.EnrollmentStatus{
	"RECEIVED":                     models.EnrollmentStatusPaymentConfirmed,
	"CONFIRMED":                    models.EnrollmentStatusPaymentConfirmed,
	"RECEIVED_IN_CASH":             models.EnrollmentStatusPaymentConfirmed,
	"PENDING":                      models.EnrollmentStatusWaitingPayment,
	"OVERDUE":                      models.EnrollmentStatusWaitingPayment,
	"AWAITING_RISK_ANALYSIS":       models.EnrollmentStatusWaitingPayment,
	"REFUNDED":                     models.EnrollmentStatusCancelled,
	"REFUND_REQUESTED":             models.EnrollmentStatusCancelled,
	"CHARGEBACK_REQUESTED":         models.EnrollmentStatusCancelled,
	"CHARGEBACK_DISPUTE":           models.EnrollmentStatusCancelled,
	"AWAITING_CHARGEBACK_REVERSAL": models.EnrollmentStatusCancelled,
	"FAILED":                       models.EnrollmentStatusFailed,
}

// MapGatewayStatus resolves a provider status to the internal vocabulary.
// Unknown statuses map to waiting_payment (conservative default) with
// known=false so callers can log them.
func MapGatewayStatus(external string) (status models.EnrollmentStatus, known bool) {
	if mapped, ok := gatewayStatusMap[external]; ok {
		return mapped, true
	}
	return models.EnrollmentStatusWaitingPayment, false
}
