package models

// Gateway webhook event types
const (
	GatewayEventMessage = "message"
	GatewayEventSession = "session.status"
)

// Hub webhook event types
const (
	HubEventMessages   = "messages"
	HubEventConnection = "connection"
)

// CloudWebhookPayload is the event batch shape delivered by the cloud
// messaging API. One POST may carry several entries; each change holds
// zero or more user messages plus delivery statuses we ignore.
type CloudWebhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Metadata struct {
					DisplayPhoneNumber string `json:"display_phone_number"`
					PhoneNumberID      string `json:"phone_number_id"`
				} `json:"metadata"`
				Messages []struct {
					From      string `json:"from"`
					ID        string `json:"id"`
					Timestamp string `json:"timestamp"`
					Type      string `json:"type"`
					Text      struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
				Statuses []struct {
					ID     string `json:"id"`
					Status string `json:"status"`
				} `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// GatewayWebhookPayload is the self-hosted gateway's event shape. The
// session name encodes the tenant the event belongs to.
type GatewayWebhookPayload struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Event     string `json:"event"`
	Session   string `json:"session"`
	Payload   struct {
		ID      string `json:"id"`
		From    string `json:"from"`
		FromMe  bool   `json:"fromMe"`
		To      string `json:"to"`
		Body    string `json:"body"`
		IsGroup bool   `json:"isGroup"`
	} `json:"payload"`
}

// HubWebhookPayload is the aggregator hub's event shape. Tenant identity
// is absent; InstanceID joins through the channel-mapping store.
type HubWebhookPayload struct {
	Event      string `json:"event"`
	InstanceID string `json:"instanceId"`
	Sender     string `json:"sender"`
	Text       string `json:"text"`
	FromMe     bool   `json:"fromMe"`
	IsGroup    bool   `json:"isGroup"`
}
