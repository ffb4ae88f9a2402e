package models

import "time"

// EnrollmentStatus represents the lifecycle of an enrollment.
type EnrollmentStatus string

// Possible enrollment statuses. Completed and cancelled are terminal.
const (
	EnrollmentStatusPending          EnrollmentStatus = "pending"
	EnrollmentStatusWaitingPayment   EnrollmentStatus = "waiting_payment"
	EnrollmentStatusPaymentConfirmed EnrollmentStatus = "payment_confirmed"
	EnrollmentStatusCompleted        EnrollmentStatus = "completed"
	EnrollmentStatusCancelled        EnrollmentStatus = "cancelled"
	EnrollmentStatusFailed           EnrollmentStatus = "failed"
)

// Terminal reports whether no further transitions are permitted.
func (s EnrollmentStatus) Terminal() bool {
	return s == EnrollmentStatusCompleted || s == EnrollmentStatusCancelled
}

// Enrollment is the current-state projection of a student's enrollment.
// The status history ledger is the authoritative timeline; rows here are
// never hard-deleted, cancellation is a status value.
type Enrollment struct {
	ID                string           `db:"id" json:"id"`
	StudentName       string           `db:"student_name" json:"student_name"`
	StudentEmail      string           `db:"student_email" json:"student_email"`
	StudentTaxID      string           `db:"student_tax_id" json:"student_tax_id"`
	CourseID          string           `db:"course_id" json:"course_id"`
	InstitutionID     string           `db:"institution_id" json:"institution_id"`
	PoloID            *string          `db:"polo_id" json:"polo_id,omitempty"`
	Amount            float64          `db:"amount" json:"amount"`
	Status            EnrollmentStatus `db:"status" json:"status"`
	ExternalReference string           `db:"external_reference" json:"external_reference"`
	GatewayCustomerID *string          `db:"gateway_customer_id" json:"gateway_customer_id,omitempty"`
	GatewayChargeID   *string          `db:"gateway_charge_id" json:"gateway_charge_id,omitempty"`
	PaymentLinkURL    *string          `db:"payment_link_url" json:"payment_link_url,omitempty"`
	ErrorDetail       *string          `db:"error_detail" json:"error_detail,omitempty"`
	SourceChannel     string           `db:"source_channel" json:"source_channel"`
	CreatedBy         *string          `db:"created_by" json:"created_by,omitempty"`
	UpdatedBy         *string          `db:"updated_by" json:"updated_by,omitempty"`
	CreatedAt         time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time        `db:"updated_at" json:"updated_at"`
}

// EnrollmentFilter provides filters for listing enrollments.
type EnrollmentFilter struct {
	InstitutionID string
	CourseID      string
	PoloID        string
	Status        EnrollmentStatus
	Search        string
	Page          int
	PageSize      int
	SortBy        string
	SortOrder     string
}

// PaymentLink is the hosted checkout reference handed to callers.
type PaymentLink struct {
	ChargeID string `json:"charge_id"`
	URL      string `json:"url"`
}

// ReconcileResult reports the outcome of a pull reconciliation.
type ReconcileResult struct {
	PreviousStatus EnrollmentStatus `json:"previous_status"`
	NewStatus      EnrollmentStatus `json:"new_status"`
}

// Pagination carries list metadata in response envelopes.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
