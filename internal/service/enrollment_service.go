package service

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/matricula-api/internal/gateway"
	"github.com/noah-isme/matricula-api/internal/models"
	appErrors "github.com/noah-isme/matricula-api/pkg/errors"
)

const externalReferencePrefix = "ENR"

type enrollmentRepository interface {
	Create(ctx context.Context, enrollment *models.Enrollment) error
	FindByID(ctx context.Context, id string) (*models.Enrollment, error)
	FindByChargeID(ctx context.Context, chargeID string) (*models.Enrollment, error)
	ExistsByExternalReference(ctx context.Context, ref string) (bool, error)
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, int, error)
	UpdateStatusIf(ctx context.Context, id string, from, to models.EnrollmentStatus, errorDetail *string, updatedBy *string) (bool, error)
	AttachChargeIf(ctx context.Context, id string, from models.EnrollmentStatus, customerID, chargeID, linkURL string, amount float64, updatedBy *string) (bool, error)
	SetErrorDetail(ctx context.Context, id, detail string) error
	ListStaleWaitingPayment(ctx context.Context, cutoff time.Time, limit int) ([]models.Enrollment, error)
}

type historyLedger interface {
	Append(ctx context.Context, entry *models.StatusHistoryEntry) error
	ListByEnrollment(ctx context.Context, enrollmentID string) ([]models.StatusHistoryEntry, error)
}

type courseReader interface {
	FindByID(ctx context.Context, id string) (*models.Course, error)
}

// CreateEnrollmentRequest describes enrollment creation.
type CreateEnrollmentRequest struct {
	StudentName   string  `json:"student_name" validate:"required"`
	StudentEmail  string  `json:"student_email" validate:"required,email"`
	StudentTaxID  string  `json:"student_tax_id" validate:"required"`
	CourseID      string  `json:"course_id" validate:"required"`
	InstitutionID string  `json:"institution_id" validate:"required"`
	PoloID        *string `json:"polo_id,omitempty"`
	Amount        float64 `json:"amount,omitempty" validate:"omitempty,gte=0"`
	SourceChannel string  `json:"source_channel,omitempty"`
}

// EnrollmentService orchestrates the enrollment lifecycle. It is the only
// writer of enrollment and ledger state; every status change goes through
// applyTransition and the Guard table.
type EnrollmentService struct {
	repo      enrollmentRepository
	history   historyLedger
	courses   courseReader
	billing   gateway.Client
	validator *validator.Validate
	logger    *zap.Logger
	metrics   *MetricsService
	dueInDays int
	locks     keyedMutex
}

// NewEnrollmentService constructs EnrollmentService.
func NewEnrollmentService(repo enrollmentRepository, history historyLedger, courses courseReader, billing gateway.Client, validate *validator.Validate, logger *zap.Logger, metrics *MetricsService, dueInDays int) *EnrollmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if dueInDays <= 0 {
		dueInDays = 5
	}
	return &EnrollmentService{repo: repo, history: history, courses: courses, billing: billing, validator: validate, logger: logger, metrics: metrics, dueInDays: dueInDays}
}

// Create registers a new enrollment in status pending with its initial
// history entry.
func (s *EnrollmentService) Create(ctx context.Context, req CreateEnrollmentRequest, actorID *string) (*models.Enrollment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment payload")
	}

	ref, err := s.generateExternalReference(ctx)
	if err != nil {
		return nil, err
	}

	channel := req.SourceChannel
	if channel == "" {
		channel = models.ChannelAPI
	}

	enrollment := &models.Enrollment{
		StudentName:       req.StudentName,
		StudentEmail:      req.StudentEmail,
		StudentTaxID:      req.StudentTaxID,
		CourseID:          req.CourseID,
		InstitutionID:     req.InstitutionID,
		PoloID:            req.PoloID,
		Amount:            req.Amount,
		Status:            models.EnrollmentStatusPending,
		ExternalReference: ref,
		SourceChannel:     channel,
		CreatedBy:         actorID,
		UpdatedBy:         actorID,
	}
	if err := s.repo.Create(ctx, enrollment); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create enrollment")
	}

	entry := &models.StatusHistoryEntry{
		EnrollmentID: enrollment.ID,
		NewStatus:    models.EnrollmentStatusPending,
		Reason:       "enrollment created",
		ActorID:      actorID,
		Channel:      channel,
		Metadata:     models.HistoryMetadata{}.Encode(),
	}
	if err := s.history.Append(ctx, entry); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record enrollment history")
	}
	s.metrics.ObserveTransition("", string(models.EnrollmentStatusPending), channel)
	return enrollment, nil
}

// Get returns one enrollment.
func (s *EnrollmentService) Get(ctx context.Context, id string) (*models.Enrollment, error) {
	return s.load(ctx, id)
}

// List returns enrollments with pagination metadata.
func (s *EnrollmentService) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, *models.Pagination, error) {
	enrollments, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	pagination := &models.Pagination{Page: page, PageSize: size, TotalCount: total}
	return enrollments, pagination, nil
}

// History returns the ordered audit timeline for one enrollment.
func (s *EnrollmentService) History(ctx context.Context, id string) ([]models.StatusHistoryEntry, error) {
	if _, err := s.load(ctx, id); err != nil {
		return nil, err
	}
	entries, err := s.history.ListByEnrollment(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment history")
	}
	return entries, nil
}

// GeneratePaymentLink creates (or returns the cached) hosted payment link.
// Idempotent: an enrollment already waiting for payment returns the stored
// link without another gateway call. The per-enrollment lock is never held
// across gateway calls; the conditional update makes the final write safe.
func (s *EnrollmentService) GeneratePaymentLink(ctx context.Context, id string, actorID *string) (*models.PaymentLink, error) {
	enrollment, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if link := cachedLink(enrollment); link != nil {
		return link, nil
	}

	switch enrollment.Status {
	case models.EnrollmentStatusPending, models.EnrollmentStatusFailed:
	default:
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("payment link cannot be generated from status %s", enrollment.Status))
	}

	amount, description, err := s.resolveAmount(ctx, enrollment)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	customer, err := s.billing.FindOrCreateCustomer(ctx, enrollment.StudentName, enrollment.StudentEmail, enrollment.StudentTaxID)
	s.metrics.ObserveGatewayCall("find_or_create_customer", err, time.Since(start))
	if err != nil {
		return nil, s.failBillingAttempt(ctx, id, actorID, err)
	}

	start = time.Now()
	charge, err := s.billing.CreateChargeWithLink(ctx, gateway.ChargeRequest{
		Customer:          customer,
		Amount:            amount,
		Description:       description,
		ExternalReference: enrollment.ExternalReference,
		DueInDays:         s.dueInDays,
	})
	s.metrics.ObserveGatewayCall("create_charge", err, time.Since(start))
	if err != nil {
		return nil, s.failBillingAttempt(ctx, id, actorID, err)
	}

	unlock := s.locks.lock(id)
	current, err := s.load(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}
	if link := cachedLink(current); link != nil {
		unlock()
		// A concurrent caller attached its charge first; withdraw ours so
		// the student can never be charged twice.
		s.withdrawCharge(ctx, id, charge.ID)
		return link, nil
	}
	// The enrollment may have moved while the gateway call was in flight
	// (a cancel, or a confirmed webhook). Re-check the edge under the lock;
	// attaching from anywhere else would bypass the transition guard.
	if ok, gerr := Guard(current.Status, models.EnrollmentStatusWaitingPayment); gerr != nil || !ok {
		unlock()
		s.withdrawCharge(ctx, id, charge.ID)
		if gerr == nil {
			gerr = appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("payment link cannot be attached from status %s", current.Status))
		}
		return nil, gerr
	}
	matched, err := s.repo.AttachChargeIf(ctx, id, current.Status, customer.ID, charge.ID, charge.URL, amount, actorID)
	if err != nil {
		unlock()
		s.withdrawCharge(ctx, id, charge.ID)
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist payment link")
	}
	if !matched {
		unlock()
		s.withdrawCharge(ctx, id, charge.ID)
		return nil, appErrors.Clone(appErrors.ErrConflict, "enrollment changed concurrently")
	}
	prev := current.Status
	entry := &models.StatusHistoryEntry{
		EnrollmentID:   id,
		PreviousStatus: &prev,
		NewStatus:      models.EnrollmentStatusWaitingPayment,
		Reason:         "payment link generated",
		ActorID:        actorID,
		Channel:        models.ChannelAPI,
		Metadata:       models.HistoryMetadata{ChargeID: charge.ID, GatewayStatus: charge.Status}.Encode(),
	}
	appendErr := s.history.Append(ctx, entry)
	unlock()
	if appendErr != nil {
		return nil, appErrors.Wrap(appendErr, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record enrollment history")
	}
	s.metrics.ObserveTransition(string(prev), string(models.EnrollmentStatusWaitingPayment), models.ChannelAPI)
	return &models.PaymentLink{ChargeID: charge.ID, URL: charge.URL}, nil
}

// Cancel moves a non-terminal enrollment to cancelled. Gateway-side charge
// cancellation is best effort: the internal ledger is authoritative, so a
// provider failure is recorded in error_detail but never blocks the
// transition.
func (s *EnrollmentService) Cancel(ctx context.Context, id string, actorID *string, reason string) error {
	enrollment, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if enrollment.Status == models.EnrollmentStatusCompleted {
		return appErrors.Clone(appErrors.ErrInvalidTransition, "completed enrollments cannot be cancelled")
	}
	if enrollment.Status == models.EnrollmentStatusCancelled {
		return nil
	}

	var gatewayDetail *string
	if enrollment.GatewayChargeID != nil && enrollment.Status == models.EnrollmentStatusWaitingPayment {
		start := time.Now()
		ok, cerr := s.billing.CancelCharge(ctx, *enrollment.GatewayChargeID)
		s.metrics.ObserveGatewayCall("cancel_charge", cerr, time.Since(start))
		if cerr != nil || !ok {
			detail := "gateway charge cancellation failed"
			if cerr != nil {
				detail = fmt.Sprintf("gateway charge cancellation failed: %v", cerr)
			}
			gatewayDetail = &detail
			s.logger.Warn("gateway cancellation failed, proceeding with internal cancel",
				zap.String("enrollment_id", id), zap.String("charge_id", *enrollment.GatewayChargeID), zap.Error(cerr))
		}
	}

	if reason == "" {
		reason = "enrollment cancelled"
	}
	meta := models.HistoryMetadata{}
	if enrollment.GatewayChargeID != nil {
		meta.ChargeID = *enrollment.GatewayChargeID
	}
	_, _, err = s.applyTransition(ctx, id, models.EnrollmentStatusCancelled, reason, models.ChannelAPI, actorID, meta, gatewayDetail)
	return err
}

// Reconcile pulls the charge status from the gateway and applies it through
// the same guard as every other write path.
func (s *EnrollmentService) Reconcile(ctx context.Context, id string, actorID *string, channel string) (*models.ReconcileResult, error) {
	enrollment, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if enrollment.GatewayChargeID == nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "enrollment has no gateway charge to reconcile")
	}
	if channel == "" {
		channel = models.ChannelReconciliation
	}

	start := time.Now()
	external, err := s.billing.GetChargeStatus(ctx, *enrollment.GatewayChargeID)
	s.metrics.ObserveGatewayCall("get_charge_status", err, time.Since(start))
	if err != nil {
		return nil, err
	}

	mapped, known := MapGatewayStatus(external)
	if !known {
		s.metrics.ObserveUnknownGatewayStatus()
		s.logger.Warn("unknown gateway status, using conservative default",
			zap.String("enrollment_id", id), zap.String("gateway_status", external))
	}

	meta := models.HistoryMetadata{GatewayStatus: external, ChargeID: *enrollment.GatewayChargeID}
	applied, prev, err := s.applyTransition(ctx, id, mapped, fmt.Sprintf("gateway reported %s", external), channel, actorID, meta, nil)
	if err != nil {
		return nil, err
	}
	if !applied {
		return &models.ReconcileResult{PreviousStatus: prev, NewStatus: prev}, nil
	}
	return &models.ReconcileResult{PreviousStatus: prev, NewStatus: mapped}, nil
}

// ReconcileStale sweeps waiting_payment enrollments not updated since the
// cutoff. Failures are isolated per enrollment.
func (s *EnrollmentService) ReconcileStale(ctx context.Context, cutoff time.Time, limit int) error {
	stale, err := s.repo.ListStaleWaitingPayment(ctx, cutoff, limit)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list stale enrollments")
	}
	for _, enrollment := range stale {
		if _, err := s.Reconcile(ctx, enrollment.ID, nil, models.ChannelReconciliation); err != nil {
			s.logger.Warn("stale reconciliation failed", zap.String("enrollment_id", enrollment.ID), zap.Error(err))
		}
	}
	return nil
}

// ApplyGatewayTransition maps one gateway-reported status onto an enrollment
// through the transition guard. Used by webhook ingestion so push and pull
// updates share identical rules. Returns whether a transition was applied;
// an invalid edge (e.g. a stale event after payment confirmation) is
// reported via err.
func (s *EnrollmentService) ApplyGatewayTransition(ctx context.Context, enrollmentID, externalStatus, reason, channel string, meta models.HistoryMetadata) (bool, error) {
	mapped, known := MapGatewayStatus(externalStatus)
	if !known {
		s.metrics.ObserveUnknownGatewayStatus()
		s.logger.Warn("unknown gateway status, using conservative default",
			zap.String("enrollment_id", enrollmentID), zap.String("gateway_status", externalStatus))
	}
	meta.GatewayStatus = externalStatus
	applied, _, err := s.applyTransition(ctx, enrollmentID, mapped, reason, channel, nil, meta, nil)
	return applied, err
}

// FindByChargeID resolves the enrollment owning a gateway charge.
func (s *EnrollmentService) FindByChargeID(ctx context.Context, chargeID string) (*models.Enrollment, error) {
	enrollment, err := s.repo.FindByChargeID(ctx, chargeID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrUnknownCharge, "no enrollment for charge "+chargeID)
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment by charge")
	}
	return enrollment, nil
}

// applyTransition is the single write path for status changes. It holds the
// per-enrollment lock around the read-decide-write sequence and backs it
// with the repository's compare-and-swap so concurrent writers from other
// processes cannot cause a lost update.
func (s *EnrollmentService) applyTransition(ctx context.Context, id string, target models.EnrollmentStatus, reason, channel string, actorID *string, meta models.HistoryMetadata, errorDetail *string) (bool, models.EnrollmentStatus, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	const attempts = 3
	for i := 0; i < attempts; i++ {
		current, err := s.load(ctx, id)
		if err != nil {
			return false, "", err
		}
		ok, err := Guard(current.Status, target)
		if err != nil {
			return false, current.Status, err
		}
		if !ok {
			// Repeat of the recorded status: idempotent no-op.
			return false, current.Status, nil
		}
		matched, err := s.repo.UpdateStatusIf(ctx, id, current.Status, target, errorDetail, actorID)
		if err != nil {
			return false, current.Status, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update enrollment status")
		}
		if !matched {
			continue
		}
		prev := current.Status
		entry := &models.StatusHistoryEntry{
			EnrollmentID:   id,
			PreviousStatus: &prev,
			NewStatus:      target,
			Reason:         reason,
			ActorID:        actorID,
			Channel:        channel,
			Metadata:       meta.Encode(),
		}
		if err := s.history.Append(ctx, entry); err != nil {
			return true, prev, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record enrollment history")
		}
		s.metrics.ObserveTransition(string(prev), string(target), channel)
		return true, prev, nil
	}
	return false, "", appErrors.Clone(appErrors.ErrConflict, "enrollment status changed concurrently")
}

// withdrawCharge cancels a charge that was created but never recorded.
// Best effort: a provider failure here leaves an open charge, which the
// reconciliation sweep will not resurrect because it was never attached.
func (s *EnrollmentService) withdrawCharge(ctx context.Context, id, chargeID string) {
	if _, err := s.billing.CancelCharge(ctx, chargeID); err != nil {
		s.logger.Warn("failed to cancel unattached charge", zap.String("enrollment_id", id), zap.String("charge_id", chargeID), zap.Error(err))
	}
}

func (s *EnrollmentService) failBillingAttempt(ctx context.Context, id string, actorID *string, gatewayErr error) error {
	detail := gatewayErr.Error()
	applied, _, err := s.applyTransition(ctx, id, models.EnrollmentStatusFailed, "payment link generation failed", models.ChannelAPI, actorID, models.HistoryMetadata{}, &detail)
	if err != nil || !applied {
		// The row may have moved meanwhile; keep the failure visible.
		if derr := s.repo.SetErrorDetail(ctx, id, detail); derr != nil {
			s.logger.Error("failed to record gateway error detail", zap.String("enrollment_id", id), zap.Error(derr))
		}
	}
	return gatewayErr
}

func (s *EnrollmentService) resolveAmount(ctx context.Context, enrollment *models.Enrollment) (float64, string, error) {
	amount := enrollment.Amount
	description := "Enrollment " + enrollment.ExternalReference

	course, err := s.courses.FindByID(ctx, enrollment.CourseID)
	if err != nil && err != sql.ErrNoRows {
		return 0, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}
	if course != nil {
		if amount <= 0 {
			amount = course.Price
		}
		if course.Name != "" {
			description = course.Name
		}
	}
	if amount <= 0 {
		detail := fmt.Sprintf("cannot create charge with amount %.2f", amount)
		if derr := s.repo.SetErrorDetail(ctx, enrollment.ID, detail); derr != nil {
			s.logger.Error("failed to record amount error detail", zap.String("enrollment_id", enrollment.ID), zap.Error(derr))
		}
		return 0, "", appErrors.Clone(appErrors.ErrInvalidAmount, detail)
	}
	return amount, description, nil
}

func (s *EnrollmentService) load(ctx context.Context, id string) (*models.Enrollment, error) {
	enrollment, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	return enrollment, nil
}

func (s *EnrollmentService) generateExternalReference(ctx context.Context) (string, error) {
	const attempts = 5
	for i := 0; i < attempts; i++ {
		buf := make([]byte, 4)
		if _, err := rand.Read(buf); err != nil {
			return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate external reference")
		}
		ref := fmt.Sprintf("%s-%d-%s", externalReferencePrefix, time.Now().UnixMilli(), hex.EncodeToString(buf))
		exists, err := s.repo.ExistsByExternalReference(ctx, ref)
		if err != nil {
			return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check external reference")
		}
		if !exists {
			return ref, nil
		}
	}
	return "", appErrors.Clone(appErrors.ErrConflict, "could not allocate a unique external reference")
}

func cachedLink(enrollment *models.Enrollment) *models.PaymentLink {
	if enrollment.Status == models.EnrollmentStatusWaitingPayment &&
		enrollment.GatewayChargeID != nil && enrollment.PaymentLinkURL != nil {
		return &models.PaymentLink{ChargeID: *enrollment.GatewayChargeID, URL: *enrollment.PaymentLinkURL}
	}
	return nil
}

// keyedMutex serializes work per enrollment id within this process.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockHandle
}

type lockHandle struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*lockHandle)
	}
	h, ok := k.locks[key]
	if !ok {
		h = &lockHandle{}
		k.locks[key] = h
	}
	h.refs++
	k.mu.Unlock()

	h.mu.Lock()
	return func() {
		h.mu.Unlock()
		k.mu.Lock()
		h.refs--
		if h.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
