package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"lexrelay/internal/errors"
	"lexrelay/internal/metrics"
	"lexrelay/internal/models"
	"lexrelay/internal/privacy"
	"lexrelay/pkg/provider/types"

	"github.com/sirupsen/logrus"
)

// HandleSource yields live provider handles for tenants.
type HandleSource interface {
	HandleFor(ctx context.Context, tenantID string) (*Handle, error)
}

// OutgoingWorker consumes outgoing-queue jobs and dispatches them through
// the tenant's provider handle. Provider timeouts and 5xx responses come
// back retryable; a tenant without a connected session is terminal.
type OutgoingWorker struct {
	handles     HandleSource
	logger      *logrus.Logger
	sendTimeout time.Duration
}

// NewOutgoingWorker creates the outgoing dispatch worker.
func NewOutgoingWorker(handles HandleSource, logger *logrus.Logger, sendTimeout time.Duration) *OutgoingWorker {
	if sendTimeout <= 0 {
		sendTimeout = 15 * time.Second
	}
	return &OutgoingWorker{handles: handles, logger: logger, sendTimeout: sendTimeout}
}

// Handle processes one outgoing job.
func (w *OutgoingWorker) Handle(ctx context.Context, job *models.Job) error {
	var msg models.OutgoingMessage
	if err := json.Unmarshal(job.Payload, &msg); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "malformed outgoing job payload")
	}
	if msg.Text == "" || msg.Recipient == "" {
		return errors.New(errors.ErrCodeInvalidInput, "outgoing job missing recipient or text")
	}

	handle, err := w.handles.HandleFor(ctx, msg.TenantID)
	if err != nil {
		return err
	}
	if msg.Provider != "" && handle.Kind != msg.Provider {
		// The tenant re-paired on a different provider after this job was
		// queued. The payload's routing is stale and can never apply.
		return errors.New(errors.ErrCodeSessionNotConnected,
			fmt.Sprintf("job targets provider %s but tenant %s is connected via %s",
				msg.Provider, msg.TenantID, handle.Kind))
	}

	recipient := normalizeRecipient(handle.Kind, msg.Recipient)

	sendCtx, cancel := context.WithTimeout(ctx, w.sendTimeout)
	defer cancel()

	receipt, err := handle.SendText(sendCtx, recipient, msg.Text)
	if err != nil {
		return err
	}

	metrics.IncrementCounter("pipeline_sent_total", map[string]string{"provider": string(handle.Kind)}, "Messages dispatched")
	w.logger.WithFields(logrus.Fields{
		"tenant_id":  msg.TenantID,
		"provider":   handle.Kind,
		"recipient":  privacy.MaskSenderID(msg.Recipient),
		"message_id": receipt.MessageID,
	}).Info("Message dispatched")
	return nil
}

// normalizeRecipient shapes the stored sender id into what each provider
// family's send API expects. The gateway wants a full chat id with a
// domain suffix; the cloud and hub APIs want the bare number.
func normalizeRecipient(kind types.Kind, recipient string) string {
	switch kind {
	case types.KindGateway:
		if strings.Contains(recipient, "@") {
			return recipient
		}
		return recipient + "@c.us"
	default:
		if at := strings.Index(recipient, "@"); at >= 0 {
			return recipient[:at]
		}
		return recipient
	}
}
