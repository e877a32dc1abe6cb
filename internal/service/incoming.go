package service

import (
	"context"
	"encoding/json"
	"fmt"

	"lexrelay/internal/errors"
	"lexrelay/internal/metrics"
	"lexrelay/internal/models"
	"lexrelay/internal/privacy"
	"lexrelay/pkg/provider/types"

	"github.com/sirupsen/logrus"
)

// Enqueuer is the queue surface workers use to hand work downstream.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload interface{}) (*models.Job, error)
}

// TenantResolver maps a provider-scoped channel id to a tenant.
type TenantResolver interface {
	ResolveTenant(ctx context.Context, provider types.Kind, channelID string) (string, error)
}

// IncomingWorker consumes incoming-queue jobs: it resolves the tenant,
// asks the AI collaborator for a reply and enqueues the reply on the
// outgoing queue. The incoming job only completes once the reply is
// durably queued, so a crash between the two steps replays the whole
// unit.
type IncomingWorker struct {
	responder AIResponder
	outgoing  Enqueuer
	resolver  TenantResolver
	logger    *logrus.Logger
}

// NewIncomingWorker creates the incoming pipeline worker.
func NewIncomingWorker(responder AIResponder, outgoing Enqueuer, resolver TenantResolver, logger *logrus.Logger) *IncomingWorker {
	return &IncomingWorker{
		responder: responder,
		outgoing:  outgoing,
		resolver:  resolver,
		logger:    logger,
	}
}

// Handle processes one incoming job.
func (w *IncomingWorker) Handle(ctx context.Context, job *models.Job) error {
	var envelope models.MessageEnvelope
	if err := json.Unmarshal(job.Payload, &envelope); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "malformed incoming job payload")
	}

	// Edge filters should have dropped these already; a second guard
	// keeps replayed or hand-enqueued jobs from reaching the AI.
	if !envelope.Deliverable() {
		w.logger.WithFields(logrus.Fields{
			"job_id":   job.ID,
			"provider": envelope.Provider,
		}).Debug("Dropping non-deliverable incoming job")
		return nil
	}

	tenantID := envelope.TenantID
	if tenantID == "" {
		resolved, err := w.resolver.ResolveTenant(ctx, envelope.Provider, envelope.ChannelID)
		if err != nil {
			return errors.WrapRetryable(err, errors.ErrCodePersistence, "tenant resolution failed")
		}
		if resolved == "" {
			// No mapping means the channel was never provisioned by us;
			// retrying cannot make the mapping appear.
			return errors.New(errors.ErrCodeNotFound,
				fmt.Sprintf("no tenant mapped for %s channel %s", envelope.Provider, envelope.ChannelID))
		}
		tenantID = resolved
	}

	reply, err := w.responder.GetReply(ctx, envelope.Text, models.TenantContext{TenantID: tenantID})
	if err != nil {
		return err
	}
	if reply == "" {
		w.logger.WithField("tenant_id", tenantID).Debug("AI returned empty reply; nothing to send")
		return nil
	}

	outgoing := models.OutgoingMessage{
		TenantID:  tenantID,
		Provider:  envelope.Provider,
		Recipient: envelope.SenderID,
		Text:      reply,
	}
	if _, err := w.outgoing.Enqueue(ctx, models.OutgoingJobName(envelope.Provider), outgoing); err != nil {
		return errors.WrapRetryable(err, errors.ErrCodePersistence, "failed to enqueue outgoing reply")
	}

	metrics.IncrementCounter("pipeline_replies_total", map[string]string{"provider": string(envelope.Provider)}, "AI replies enqueued")
	w.logger.WithFields(logrus.Fields{
		"tenant_id": tenantID,
		"provider":  envelope.Provider,
		"sender":    privacy.MaskSenderID(envelope.SenderID),
	}).Info("Reply enqueued")
	return nil
}
