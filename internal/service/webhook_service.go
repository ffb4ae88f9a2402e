package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/matricula-api/internal/models"
	appErrors "github.com/noah-isme/matricula-api/pkg/errors"
	"github.com/noah-isme/matricula-api/pkg/jobs"
)

// WebhookPayload is the provider's asynchronous event envelope.
type WebhookPayload struct {
	EventType string        `json:"eventType"`
	Charge    WebhookCharge `json:"charge"`
}

// WebhookCharge identifies the charge an event refers to.
type WebhookCharge struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// IngestResult reports whether an event produced a transition.
type IngestResult struct {
	Applied bool `json:"applied"`
}

type dedupStore interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// WebhookService ingests provider events. Events flow through the same
// transition guard as the API and reconciliation paths, so out-of-order and
// duplicate deliveries are absorbed instead of regressing state.
type WebhookService struct {
	enrollments *EnrollmentService
	dedup       dedupStore
	dedupTTL    time.Duration
	queue       *jobs.Queue
	logger      *zap.Logger
	metrics     *MetricsService
}

// NewWebhookService constructs WebhookService. dedup may be nil, in which
// case duplicate suppression relies on the transition guard alone.
func NewWebhookService(enrollments *EnrollmentService, dedup dedupStore, dedupTTL time.Duration, logger *zap.Logger, metrics *MetricsService) *WebhookService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dedupTTL <= 0 {
		dedupTTL = 24 * time.Hour
	}
	return &WebhookService{enrollments: enrollments, dedup: dedup, dedupTTL: dedupTTL, logger: logger, metrics: metrics}
}

// SetReplayQueue attaches the queue used to replay events whose charge is
// not yet durably recorded (the provider may deliver before the creating
// request commits).
func (s *WebhookService) SetReplayQueue(q *jobs.Queue) {
	s.queue = q
}

// Ingest validates and applies one provider event. Malformed payloads and
// unknown charges are reported via typed errors but never mutate state;
// callers answer the provider with success either way to avoid retry storms.
func (s *WebhookService) Ingest(ctx context.Context, payload WebhookPayload) (*IngestResult, error) {
	if payload.EventType == "" || payload.Charge.ID == "" {
		s.metrics.ObserveWebhook("malformed")
		s.logger.Warn("malformed webhook payload ignored", zap.String("event_type", payload.EventType), zap.String("charge_id", payload.Charge.ID))
		return &IngestResult{Applied: false}, appErrors.Clone(appErrors.ErrMalformedWebhook, "")
	}

	if s.isDuplicate(ctx, payload) {
		s.metrics.ObserveWebhook("duplicate")
		s.logger.Info("duplicate webhook delivery ignored", zap.String("event_type", payload.EventType), zap.String("charge_id", payload.Charge.ID))
		return &IngestResult{Applied: false}, nil
	}

	applied, err := s.apply(ctx, payload)
	if err != nil {
		if appErrors.Is(err, appErrors.ErrUnknownCharge) {
			s.metrics.ObserveWebhook("unknown_charge")
			s.scheduleReplay(payload)
			return &IngestResult{Applied: false}, err
		}
		return &IngestResult{Applied: false}, err
	}
	if applied {
		s.metrics.ObserveWebhook("applied")
	} else {
		s.metrics.ObserveWebhook("noop")
	}
	return &IngestResult{Applied: applied}, nil
}

// HandleReplayJob processes a deferred webhook event from the replay queue.
// An unknown charge keeps failing so the queue retries up to its limit.
func (s *WebhookService) HandleReplayJob(ctx context.Context, job jobs.Job) error {
	payload, ok := job.Payload.(WebhookPayload)
	if !ok {
		s.logger.Error("unexpected replay payload type", zap.String("job_id", job.ID))
		return nil
	}
	applied, err := s.apply(ctx, payload)
	if err != nil {
		if appErrors.Is(err, appErrors.ErrUnknownCharge) {
			return err
		}
		s.logger.Warn("webhook replay failed", zap.String("charge_id", payload.Charge.ID), zap.Error(err))
		return nil
	}
	if applied {
		s.metrics.ObserveWebhook("replayed")
	}
	return nil
}

func (s *WebhookService) apply(ctx context.Context, payload WebhookPayload) (bool, error) {
	enrollment, err := s.enrollments.FindByChargeID(ctx, payload.Charge.ID)
	if err != nil {
		return false, err
	}

	raw, _ := json.Marshal(payload)
	meta := models.HistoryMetadata{
		EventType: payload.EventType,
		ChargeID:  payload.Charge.ID,
		RawEvent:  raw,
	}

	applied, err := s.enrollments.ApplyGatewayTransition(ctx, enrollment.ID, eventStatus(payload), "webhook "+payload.EventType, models.ChannelWebhook, meta)
	if err != nil {
		if appErrors.Is(err, appErrors.ErrInvalidTransition) {
			// Stale delivery: source state no longer matches. Logged, not
			// applied; state never regresses.
			s.metrics.ObserveWebhook("stale")
			s.logger.Info("stale webhook delivery rejected by guard",
				zap.String("enrollment_id", enrollment.ID),
				zap.String("event_type", payload.EventType),
				zap.String("current_status", string(enrollment.Status)))
			return false, nil
		}
		return false, err
	}
	return applied, nil
}

func (s *WebhookService) isDuplicate(ctx context.Context, payload WebhookPayload) bool {
	if s.dedup == nil {
		return false
	}
	key := "webhook:seen:" + payload.EventType + ":" + payload.Charge.ID + ":" + payload.Charge.Status
	ok, err := s.dedup.SetNX(ctx, key, 1, s.dedupTTL).Result()
	if err != nil {
		// Dedup is best effort; the transition guard absorbs duplicates.
		s.logger.Warn("webhook dedup check failed", zap.Error(err))
		return false
	}
	return !ok
}

func (s *WebhookService) scheduleReplay(payload WebhookPayload) {
	if s.queue == nil {
		return
	}
	job := jobs.Job{
		ID:      payload.EventType + ":" + payload.Charge.ID,
		Type:    "webhook_replay",
		Payload: payload,
	}
	if err := s.queue.Enqueue(job); err != nil {
		s.logger.Error("failed to schedule webhook replay", zap.String("charge_id", payload.Charge.ID), zap.Error(err))
	}
}

// eventStatus resolves the provider vocabulary entry for an event: the
// charge's reported status when present, otherwise the event type with its
// PAYMENT_ prefix stripped (the provider names events after statuses).
func eventStatus(payload WebhookPayload) string {
	if payload.Charge.Status != "" {
		return payload.Charge.Status
	}
	return strings.TrimPrefix(payload.EventType, "PAYMENT_")
}
