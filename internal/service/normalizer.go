package service

import (
	"encoding/json"
	"strings"

	"lexrelay/internal/errors"
	"lexrelay/internal/models"
	"lexrelay/pkg/provider/types"
)

// NormalizeCloud translates a cloud webhook batch into message envelopes.
// One POST may carry several entries and changes; status-only changes
// produce nothing. TenantID is left empty: the phone number id is the
// channel key and tenant resolution happens in the worker.
func NormalizeCloud(body []byte) ([]models.MessageEnvelope, error) {
	var payload models.CloudWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to parse cloud webhook payload")
	}

	var envelopes []models.MessageEnvelope
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			channelID := change.Value.Metadata.PhoneNumberID
			for _, msg := range change.Value.Messages {
				if msg.Type != "text" {
					continue
				}
				envelopes = append(envelopes, models.MessageEnvelope{
					ChannelID:    channelID,
					SenderID:     msg.From,
					Text:         msg.Text.Body,
					Provider:     types.KindCloud,
					RawEventName: change.Field,
				})
			}
		}
	}
	return envelopes, nil
}

// NormalizeGateway translates a gateway webhook event into at most one
// envelope. The session name is the tenant id, so no channel mapping is
// needed for this family. Non-message events return nil.
func NormalizeGateway(body []byte) (*models.MessageEnvelope, error) {
	var payload models.GatewayWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to parse gateway webhook payload")
	}
	if payload.Event != models.GatewayEventMessage {
		return nil, nil
	}

	return &models.MessageEnvelope{
		TenantID:     payload.Session,
		ChannelID:    payload.Session,
		SenderID:     payload.Payload.From,
		Text:         payload.Payload.Body,
		IsGroup:      payload.Payload.IsGroup || strings.HasSuffix(payload.Payload.From, "@g.us"),
		FromMe:       payload.Payload.FromMe,
		Provider:     types.KindGateway,
		RawEventName: payload.Event,
	}, nil
}

// NormalizeHub translates a hub webhook event into at most one envelope.
// The hub never sends tenant identity; InstanceID rides along as the
// channel id and the worker resolves it through the mapping store.
func NormalizeHub(body []byte) (*models.MessageEnvelope, error) {
	var payload models.HubWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to parse hub webhook payload")
	}
	if payload.Event != models.HubEventMessages {
		return nil, nil
	}

	return &models.MessageEnvelope{
		ChannelID:    payload.InstanceID,
		SenderID:     payload.Sender,
		Text:         payload.Text,
		IsGroup:      payload.IsGroup || strings.HasSuffix(payload.Sender, "@g.us"),
		FromMe:       payload.FromMe,
		Provider:     types.KindHub,
		RawEventName: payload.Event,
	}, nil
}
