package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/matricula-api/internal/models"
)

func newAuditFixture(t *testing.T) (*AuditService, *mockHistory) {
	t.Helper()
	repo := &mockEnrollmentRepo{}
	history := &mockHistory{}
	seedEnrollment(repo, models.EnrollmentStatusWaitingPayment, nil)
	enrollments := newTestService(repo, history, nil, &mockGateway{})
	return NewAuditService(enrollments), history
}

func TestAuditServiceRecords(t *testing.T) {
	svc, history := newAuditFixture(t)
	prev := models.EnrollmentStatusPending
	actor := "user-1"
	history.entries = []models.StatusHistoryEntry{
		{EnrollmentID: "enr-1", NewStatus: models.EnrollmentStatusPending, Reason: "enrollment created", Channel: models.ChannelAPI, CreatedAt: time.Now().UTC().Add(-time.Hour)},
		{EnrollmentID: "enr-1", PreviousStatus: &prev, NewStatus: models.EnrollmentStatusWaitingPayment, Reason: "payment link generated", ActorID: &actor, Channel: models.ChannelAPI, CreatedAt: time.Now().UTC()},
	}

	records, err := svc.Records(context.Background(), "enr-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Nil(t, records[0].PreviousStatus)
	assert.Equal(t, models.EnrollmentStatusWaitingPayment, records[1].NewStatus)
	assert.Equal(t, "user-1", *records[1].ActorID)
}

func TestAuditServiceRenderCSV(t *testing.T) {
	svc, history := newAuditFixture(t)
	prev := models.EnrollmentStatusPending
	history.entries = []models.StatusHistoryEntry{
		{EnrollmentID: "enr-1", PreviousStatus: &prev, NewStatus: models.EnrollmentStatusWaitingPayment, Reason: "payment link generated", Channel: models.ChannelAPI, CreatedAt: time.Now().UTC()},
	}

	data, err := svc.RenderCSV(context.Background(), "enr-1")
	require.NoError(t, err)

	out := string(data)
	assert.True(t, strings.HasPrefix(out, "timestamp_utc,previous_status,new_status,reason,actor_id,channel"))
	assert.Contains(t, out, "waiting_payment")
	assert.Contains(t, out, "payment link generated")
}

func TestAuditServiceRenderPDF(t *testing.T) {
	svc, history := newAuditFixture(t)
	history.entries = []models.StatusHistoryEntry{
		{EnrollmentID: "enr-1", NewStatus: models.EnrollmentStatusPending, Reason: "enrollment created", Channel: models.ChannelAPI, CreatedAt: time.Now().UTC()},
	}

	data, err := svc.RenderPDF(context.Background(), "enr-1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "%PDF"))
}

func TestAuditServiceUnknownEnrollment(t *testing.T) {
	svc, _ := newAuditFixture(t)

	_, err := svc.Records(context.Background(), "missing")
	require.Error(t, err)
}
