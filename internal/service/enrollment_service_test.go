package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/matricula-api/internal/gateway"
	"github.com/noah-isme/matricula-api/internal/models"
	appErrors "github.com/noah-isme/matricula-api/pkg/errors"
)

type mockEnrollmentRepo struct {
	enrollments map[string]models.Enrollment
	staleIDs    []string
	err         error
}

func (m *mockEnrollmentRepo) Create(ctx context.Context, enrollment *models.Enrollment) error {
	if m.err != nil {
		return m.err
	}
	if m.enrollments == nil {
		m.enrollments = make(map[string]models.Enrollment)
	}
	if enrollment.ID == "" {
		enrollment.ID = "generated"
	}
	enrollment.CreatedAt = time.Now().UTC()
	enrollment.UpdatedAt = enrollment.CreatedAt
	m.enrollments[enrollment.ID] = *enrollment
	return nil
}

func (m *mockEnrollmentRepo) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	if e, ok := m.enrollments[id]; ok {
		copied := e
		return &copied, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockEnrollmentRepo) FindByChargeID(ctx context.Context, chargeID string) (*models.Enrollment, error) {
	for _, e := range m.enrollments {
		if e.GatewayChargeID != nil && *e.GatewayChargeID == chargeID {
			copied := e
			return &copied, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockEnrollmentRepo) ExistsByExternalReference(ctx context.Context, ref string) (bool, error) {
	for _, e := range m.enrollments {
		if e.ExternalReference == ref {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockEnrollmentRepo) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, int, error) {
	out := make([]models.Enrollment, 0, len(m.enrollments))
	for _, e := range m.enrollments {
		out = append(out, e)
	}
	return out, len(out), nil
}

func (m *mockEnrollmentRepo) UpdateStatusIf(ctx context.Context, id string, from, to models.EnrollmentStatus, errorDetail *string, updatedBy *string) (bool, error) {
	e, ok := m.enrollments[id]
	if !ok || e.Status != from {
		return false, nil
	}
	e.Status = to
	if errorDetail != nil {
		e.ErrorDetail = errorDetail
	}
	if updatedBy != nil {
		e.UpdatedBy = updatedBy
	}
	e.UpdatedAt = time.Now().UTC()
	m.enrollments[id] = e
	return true, nil
}

func (m *mockEnrollmentRepo) AttachChargeIf(ctx context.Context, id string, from models.EnrollmentStatus, customerID, chargeID, linkURL string, amount float64, updatedBy *string) (bool, error) {
	e, ok := m.enrollments[id]
	if !ok || e.Status != from {
		return false, nil
	}
	e.Status = models.EnrollmentStatusWaitingPayment
	e.GatewayCustomerID = &customerID
	e.GatewayChargeID = &chargeID
	e.PaymentLinkURL = &linkURL
	e.Amount = amount
	e.ErrorDetail = nil
	e.UpdatedAt = time.Now().UTC()
	m.enrollments[id] = e
	return true, nil
}

func (m *mockEnrollmentRepo) SetErrorDetail(ctx context.Context, id, detail string) error {
	e, ok := m.enrollments[id]
	if !ok {
		return sql.ErrNoRows
	}
	e.ErrorDetail = &detail
	m.enrollments[id] = e
	return nil
}

func (m *mockEnrollmentRepo) ListStaleWaitingPayment(ctx context.Context, cutoff time.Time, limit int) ([]models.Enrollment, error) {
	var out []models.Enrollment
	for _, id := range m.staleIDs {
		if e, ok := m.enrollments[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

type mockHistory struct {
	entries []models.StatusHistoryEntry
	err     error
}

func (m *mockHistory) Append(ctx context.Context, entry *models.StatusHistoryEntry) error {
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, *entry)
	return nil
}

func (m *mockHistory) ListByEnrollment(ctx context.Context, enrollmentID string) ([]models.StatusHistoryEntry, error) {
	var out []models.StatusHistoryEntry
	for _, e := range m.entries {
		if e.EnrollmentID == enrollmentID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockHistory) forEnrollment(id string) []models.StatusHistoryEntry {
	out, _ := m.ListByEnrollment(context.Background(), id)
	return out
}

type mockCourses struct {
	courses map[string]models.Course
}

func (m *mockCourses) FindByID(ctx context.Context, id string) (*models.Course, error) {
	if c, ok := m.courses[id]; ok {
		copied := c
		return &copied, nil
	}
	return nil, sql.ErrNoRows
}

type mockGateway struct {
	customer       gateway.CustomerRef
	charge         gateway.Charge
	chargeStatus   string
	customerErr    error
	chargeErr      error
	statusErr      error
	cancelErr      error
	cancelOK       bool
	customerCalls  int
	chargeCalls    int
	statusCalls    int
	cancelled      []string
	onCreateCharge func()
}

func (m *mockGateway) FindOrCreateCustomer(ctx context.Context, name, email, taxID string) (gateway.CustomerRef, error) {
	m.customerCalls++
	if m.customerErr != nil {
		return gateway.CustomerRef{}, m.customerErr
	}
	return m.customer, nil
}

func (m *mockGateway) CreateChargeWithLink(ctx context.Context, req gateway.ChargeRequest) (gateway.Charge, error) {
	m.chargeCalls++
	if m.onCreateCharge != nil {
		m.onCreateCharge()
	}
	if m.chargeErr != nil {
		return gateway.Charge{}, m.chargeErr
	}
	return m.charge, nil
}

func (m *mockGateway) GetChargeStatus(ctx context.Context, chargeID string) (string, error) {
	m.statusCalls++
	if m.statusErr != nil {
		return "", m.statusErr
	}
	return m.chargeStatus, nil
}

func (m *mockGateway) CancelCharge(ctx context.Context, chargeID string) (bool, error) {
	m.cancelled = append(m.cancelled, chargeID)
	if m.cancelErr != nil {
		return false, m.cancelErr
	}
	return m.cancelOK, nil
}

func newTestService(repo enrollmentRepository, history *mockHistory, courses *mockCourses, billing gateway.Client) *EnrollmentService {
	if courses == nil {
		courses = &mockCourses{}
	}
	return NewEnrollmentService(repo, history, courses, billing, validator.New(), zap.NewNop(), nil, 5)
}

func seedEnrollment(repo *mockEnrollmentRepo, status models.EnrollmentStatus, mutate func(*models.Enrollment)) models.Enrollment {
	if repo.enrollments == nil {
		repo.enrollments = make(map[string]models.Enrollment)
	}
	e := models.Enrollment{
		ID:                "enr-1",
		StudentName:       "Maria Silva",
		StudentEmail:      "maria@example.com",
		StudentTaxID:      "12345678900",
		CourseID:          "course-1",
		InstitutionID:     "inst-1",
		Amount:            500,
		Status:            status,
		ExternalReference: "ENR-1700000000000-abcd1234",
		SourceChannel:     models.ChannelAPI,
		CreatedAt:         time.Now().UTC().Add(-time.Hour),
		UpdatedAt:         time.Now().UTC().Add(-time.Hour),
	}
	if mutate != nil {
		mutate(&e)
	}
	repo.enrollments[e.ID] = e
	return e
}

func TestEnrollmentServiceCreate(t *testing.T) {
	repo := &mockEnrollmentRepo{}
	history := &mockHistory{}
	svc := newTestService(repo, history, nil, &mockGateway{})

	enrollment, err := svc.Create(context.Background(), CreateEnrollmentRequest{
		StudentName:   "Maria Silva",
		StudentEmail:  "maria@example.com",
		StudentTaxID:  "12345678900",
		CourseID:      "course-1",
		InstitutionID: "inst-1",
		Amount:        500,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusPending, enrollment.Status)
	assert.NotEmpty(t, enrollment.ExternalReference)

	entries := history.forEnrollment(enrollment.ID)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].PreviousStatus)
	assert.Equal(t, models.EnrollmentStatusPending, entries[0].NewStatus)
}

func TestEnrollmentServiceCreateInvalidPayload(t *testing.T) {
	svc := newTestService(&mockEnrollmentRepo{}, &mockHistory{}, nil, &mockGateway{})

	_, err := svc.Create(context.Background(), CreateEnrollmentRequest{
		StudentName:   "Maria Silva",
		StudentEmail:  "not-an-email",
		StudentTaxID:  "12345678900",
		CourseID:      "course-1",
		InstitutionID: "inst-1",
	}, nil)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestEnrollmentServiceGeneratePaymentLink(t *testing.T) {
	repo := &mockEnrollmentRepo{}
	history := &mockHistory{}
	billing := &mockGateway{
		customer: gateway.CustomerRef{ID: "cus-1"},
		charge:   gateway.Charge{ID: "pay-1", URL: "https://billing.example/i/pay-1", Status: "PENDING"},
	}
	seedEnrollment(repo, models.EnrollmentStatusPending, nil)
	svc := newTestService(repo, history, nil, billing)

	link, err := svc.GeneratePaymentLink(context.Background(), "enr-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "pay-1", link.ChargeID)
	assert.Equal(t, "https://billing.example/i/pay-1", link.URL)

	stored := repo.enrollments["enr-1"]
	assert.Equal(t, models.EnrollmentStatusWaitingPayment, stored.Status)
	require.NotNil(t, stored.GatewayChargeID)
	assert.Equal(t, "pay-1", *stored.GatewayChargeID)

	entries := history.forEnrollment("enr-1")
	require.Len(t, entries, 1)
	assert.Equal(t, models.EnrollmentStatusWaitingPayment, entries[0].NewStatus)
	assert.Equal(t, 1, billing.chargeCalls)
}

func TestEnrollmentServiceGeneratePaymentLinkIdempotent(t *testing.T) {
	repo := &mockEnrollmentRepo{}
	history := &mockHistory{}
	billing := &mockGateway{
		customer: gateway.CustomerRef{ID: "cus-1"},
		charge:   gateway.Charge{ID: "pay-1", URL: "https://billing.example/i/pay-1", Status: "PENDING"},
	}
	seedEnrollment(repo, models.EnrollmentStatusPending, nil)
	svc := newTestService(repo, history, nil, billing)

	first, err := svc.GeneratePaymentLink(context.Background(), "enr-1", nil)
	require.NoError(t, err)
	second, err := svc.GeneratePaymentLink(context.Background(), "enr-1", nil)
	require.NoError(t, err)

	assert.Equal(t, first.URL, second.URL)
	assert.Equal(t, 1, billing.chargeCalls, "cached link must not create a second charge")
	assert.Len(t, history.forEnrollment("enr-1"), 1)
}

func TestEnrollmentServiceGeneratePaymentLinkZeroAmount(t *testing.T) {
	repo := &mockEnrollmentRepo{}
	history := &mockHistory{}
	billing := &mockGateway{}
	seedEnrollment(repo, models.EnrollmentStatusPending, func(e *models.Enrollment) { e.Amount = 0 })
	svc := newTestService(repo, history, &mockCourses{courses: map[string]models.Course{
		"course-1": {ID: "course-1", Name: "Engenharia", Price: 0},
	}}, billing)

	_, err := svc.GeneratePaymentLink(context.Background(), "enr-1", nil)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidAmount))

	stored := repo.enrollments["enr-1"]
	assert.Equal(t, models.EnrollmentStatusPending, stored.Status, "invalid amount must not change status")
	require.NotNil(t, stored.ErrorDetail)
	assert.Equal(t, 0, billing.chargeCalls)
}

func TestEnrollmentServiceGeneratePaymentLinkAmountFromCourse(t *testing.T) {
	repo := &mockEnrollmentRepo{}
	history := &mockHistory{}
	billing := &mockGateway{
		customer: gateway.CustomerRef{ID: "cus-1"},
		charge:   gateway.Charge{ID: "pay-1", URL: "https://billing.example/i/pay-1"},
	}
	seedEnrollment(repo, models.EnrollmentStatusPending, func(e *models.Enrollment) { e.Amount = 0 })
	svc := newTestService(repo, history, &mockCourses{courses: map[string]models.Course{
		"course-1": {ID: "course-1", Name: "Engenharia", Price: 750},
	}}, billing)

	_, err := svc.GeneratePaymentLink(context.Background(), "enr-1", nil)
	require.NoError(t, err)
	assert.Equal(t, float64(750), repo.enrollments["enr-1"].Amount)
}

func TestEnrollmentServiceGeneratePaymentLinkGatewayFailure(t *testing.T) {
	repo := &mockEnrollmentRepo{}
	history := &mockHistory{}
	billing := &mockGateway{
		customer:  gateway.CustomerRef{ID: "cus-1"},
		chargeErr: appErrors.Clone(appErrors.ErrGatewayUnavailable, "boom"),
	}
	seedEnrollment(repo, models.EnrollmentStatusPending, nil)
	svc := newTestService(repo, history, nil, billing)

	_, err := svc.GeneratePaymentLink(context.Background(), "enr-1", nil)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrGatewayUnavailable))

	stored := repo.enrollments["enr-1"]
	assert.Equal(t, models.EnrollmentStatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorDetail)

	entries := history.forEnrollment("enr-1")
	require.Len(t, entries, 1)
	assert.Equal(t, models.EnrollmentStatusFailed, entries[0].NewStatus)
}

func TestEnrollmentServiceGeneratePaymentLinkRetryAfterFailure(t *testing.T) {
	repo := &mockEnrollmentRepo{}
	history := &mockHistory{}
	billing := &mockGateway{
		customer: gateway.CustomerRef{ID: "cus-1"},
		charge:   gateway.Charge{ID: "pay-2", URL: "https://billing.example/i/pay-2"},
	}
	seedEnrollment(repo, models.EnrollmentStatusFailed, func(e *models.Enrollment) {
		detail := "gateway status 503"
		e.ErrorDetail = &detail
	})
	svc := newTestService(repo, history, nil, billing)

	link, err := svc.GeneratePaymentLink(context.Background(), "enr-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "pay-2", link.ChargeID)

	stored := repo.enrollments["enr-1"]
	assert.Equal(t, models.EnrollmentStatusWaitingPayment, stored.Status)
	assert.Nil(t, stored.ErrorDetail, "successful retry clears the recorded failure")
}

func TestEnrollmentServiceGeneratePaymentLinkCancelledMidFlight(t *testing.T) {
	repo := &mockEnrollmentRepo{}
	history := &mockHistory{}
	billing := &mockGateway{
		customer: gateway.CustomerRef{ID: "cus-1"},
		charge:   gateway.Charge{ID: "pay-1", URL: "https://billing.example/i/pay-1"},
		cancelOK: true,
	}
	seedEnrollment(repo, models.EnrollmentStatusPending, nil)
	svc := newTestService(repo, history, nil, billing)

	// The enrollment is cancelled while the charge creation is in flight
	// (the per-enrollment lock is not held across gateway calls).
	billing.onCreateCharge = func() {
		require.NoError(t, svc.Cancel(context.Background(), "enr-1", nil, "student gave up"))
	}

	_, err := svc.GeneratePaymentLink(context.Background(), "enr-1", nil)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidTransition))

	stored := repo.enrollments["enr-1"]
	assert.Equal(t, models.EnrollmentStatusCancelled, stored.Status, "cancelled is terminal, the late attach must not resurrect it")
	assert.Nil(t, stored.GatewayChargeID)
	assert.Contains(t, billing.cancelled, "pay-1", "the unattached charge must be withdrawn at the provider")

	entries := history.forEnrollment("enr-1")
	require.Len(t, entries, 1)
	assert.Equal(t, models.EnrollmentStatusCancelled, entries[0].NewStatus)
}

type conflictingAttachRepo struct {
	*mockEnrollmentRepo
}

func (r *conflictingAttachRepo) AttachChargeIf(ctx context.Context, id string, from models.EnrollmentStatus, customerID, chargeID, linkURL string, amount float64, updatedBy *string) (bool, error) {
	return false, nil
}

func TestEnrollmentServiceGeneratePaymentLinkConflictWithdrawsCharge(t *testing.T) {
	inner := &mockEnrollmentRepo{}
	history := &mockHistory{}
	billing := &mockGateway{
		customer: gateway.CustomerRef{ID: "cus-1"},
		charge:   gateway.Charge{ID: "pay-1", URL: "https://billing.example/i/pay-1"},
		cancelOK: true,
	}
	seedEnrollment(inner, models.EnrollmentStatusPending, nil)
	svc := newTestService(&conflictingAttachRepo{inner}, history, nil, billing)

	_, err := svc.GeneratePaymentLink(context.Background(), "enr-1", nil)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))
	assert.Contains(t, billing.cancelled, "pay-1", "a charge that could not be recorded must not stay payable")
	assert.Empty(t, history.forEnrollment("enr-1"))
}

func TestEnrollmentServiceGeneratePaymentLinkWrongStatus(t *testing.T) {
	repo := &mockEnrollmentRepo{}
	seedEnrollment(repo, models.EnrollmentStatusPaymentConfirmed, nil)
	svc := newTestService(repo, &mockHistory{}, nil, &mockGateway{})

	_, err := svc.GeneratePaymentLink(context.Background(), "enr-1", nil)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidTransition))
}

func TestEnrollmentServiceCancel(t *testing.T) {
	repo := &mockEnrollmentRepo{}
	history := &mockHistory{}
	billing := &mockGateway{cancelOK: true}
	chargeID := "pay-1"
	seedEnrollment(repo, models.EnrollmentStatusWaitingPayment, func(e *models.Enrollment) {
		e.GatewayChargeID = &chargeID
	})
	svc := newTestService(repo, history, nil, billing)

	err := svc.Cancel(context.Background(), "enr-1", nil, "student gave up")
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusCancelled, repo.enrollments["enr-1"].Status)
	assert.Equal(t, []string{"pay-1"}, billing.cancelled)

	entries := history.forEnrollment("enr-1")
	require.Len(t, entries, 1)
	assert.Equal(t, "student gave up", entries[0].Reason)
}

func TestEnrollmentServiceCancelCompleted(t *testing.T) {
	repo := &mockEnrollmentRepo{}
	seedEnrollment(repo, models.EnrollmentStatusCompleted, nil)
	svc := newTestService(repo, &mockHistory{}, nil, &mockGateway{})

	err := svc.Cancel(context.Background(), "enr-1", nil, "")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidTransition))
	assert.Equal(t, models.EnrollmentStatusCompleted, repo.enrollments["enr-1"].Status)
}

func TestEnrollmentServiceCancelIdempotent(t *testing.T) {
	repo := &mockEnrollmentRepo{}
	history := &mockHistory{}
	seedEnrollment(repo, models.EnrollmentStatusCancelled, nil)
	svc := newTestService(repo, history, nil, &mockGateway{})

	err := svc.Cancel(context.Background(), "enr-1", nil, "")
	require.NoError(t, err)
	assert.Empty(t, history.forEnrollment("enr-1"), "repeat cancel writes no new ledger entry")
}

func TestEnrollmentServiceCancelGatewayFailureStillCancels(t *testing.T) {
	repo := &mockEnrollmentRepo{}
	history := &mockHistory{}
	billing := &mockGateway{cancelErr: errors.New("provider timeout")}
	chargeID := "pay-1"
	seedEnrollment(repo, models.EnrollmentStatusWaitingPayment, func(e *models.Enrollment) {
		e.GatewayChargeID = &chargeID
	})
	svc := newTestService(repo, history, nil, billing)

	err := svc.Cancel(context.Background(), "enr-1", nil, "")
	require.NoError(t, err)

	stored := repo.enrollments["enr-1"]
	assert.Equal(t, models.EnrollmentStatusCancelled, stored.Status, "internal ledger wins over gateway failures")
	require.NotNil(t, stored.ErrorDetail)
	assert.Contains(t, *stored.ErrorDetail, "provider timeout")
}

func TestEnrollmentServiceReconcileConfirms(t *testing.T) {
	repo := &mockEnrollmentRepo{}
	history := &mockHistory{}
	billing := &mockGateway{chargeStatus: "CONFIRMED"}
	chargeID := "pay-1"
	seedEnrollment(repo, models.EnrollmentStatusWaitingPayment, func(e *models.Enrollment) {
		e.GatewayChargeID = &chargeID
	})
	svc := newTestService(repo, history, nil, billing)

	result, err := svc.Reconcile(context.Background(), "enr-1", nil, models.ChannelReconciliation)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusWaitingPayment, result.PreviousStatus)
	assert.Equal(t, models.EnrollmentStatusPaymentConfirmed, result.NewStatus)
	assert.Equal(t, models.EnrollmentStatusPaymentConfirmed, repo.enrollments["enr-1"].Status)

	entries := history.forEnrollment("enr-1")
	require.Len(t, entries, 1)
	assert.Equal(t, models.ChannelReconciliation, entries[0].Channel)
}

func TestEnrollmentServiceReconcileNoOp(t *testing.T) {
	repo := &mockEnrollmentRepo{}
	history := &mockHistory{}
	billing := &mockGateway{chargeStatus: "PENDING"}
	chargeID := "pay-1"
	seedEnrollment(repo, models.EnrollmentStatusWaitingPayment, func(e *models.Enrollment) {
		e.GatewayChargeID = &chargeID
	})
	svc := newTestService(repo, history, nil, billing)

	result, err := svc.Reconcile(context.Background(), "enr-1", nil, "")
	require.NoError(t, err)
	assert.Equal(t, result.PreviousStatus, result.NewStatus)
	assert.Empty(t, history.forEnrollment("enr-1"), "agreeing states write no ledger entry")
}

func TestEnrollmentServiceReconcileWithoutCharge(t *testing.T) {
	repo := &mockEnrollmentRepo{}
	seedEnrollment(repo, models.EnrollmentStatusPending, nil)
	svc := newTestService(repo, &mockHistory{}, nil, &mockGateway{})

	_, err := svc.Reconcile(context.Background(), "enr-1", nil, "")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestEnrollmentServiceReconcileStale(t *testing.T) {
	repo := &mockEnrollmentRepo{}
	history := &mockHistory{}
	billing := &mockGateway{chargeStatus: "RECEIVED"}
	chargeID := "pay-1"
	seedEnrollment(repo, models.EnrollmentStatusWaitingPayment, func(e *models.Enrollment) {
		e.GatewayChargeID = &chargeID
	})
	repo.staleIDs = []string{"enr-1"}
	svc := newTestService(repo, history, nil, billing)

	err := svc.ReconcileStale(context.Background(), time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusPaymentConfirmed, repo.enrollments["enr-1"].Status)
}

func TestEnrollmentServiceApplyGatewayTransitionStaleEvent(t *testing.T) {
	repo := &mockEnrollmentRepo{}
	history := &mockHistory{}
	seedEnrollment(repo, models.EnrollmentStatusPaymentConfirmed, nil)
	svc := newTestService(repo, history, nil, &mockGateway{})

	applied, err := svc.ApplyGatewayTransition(context.Background(), "enr-1", "PENDING", "late delivery", models.ChannelWebhook, models.HistoryMetadata{})
	assert.False(t, applied)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidTransition))
	assert.Equal(t, models.EnrollmentStatusPaymentConfirmed, repo.enrollments["enr-1"].Status, "state never regresses")
}

func TestEnrollmentServiceNotFound(t *testing.T) {
	svc := newTestService(&mockEnrollmentRepo{}, &mockHistory{}, nil, &mockGateway{})

	_, err := svc.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}
