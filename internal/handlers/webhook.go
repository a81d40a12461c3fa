package handlers

import (
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/malena-cloud/panelbot/internal/services"
)

// WebhookHandler handles inbound Evolution API events
type WebhookHandler struct {
	conversations *services.ConversationManager
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(conversations *services.ConversationManager) *WebhookHandler {
	return &WebhookHandler{conversations: conversations}
}

// EvolutionWebhookPayload is the Evolution API event envelope
type EvolutionWebhookPayload struct {
	Event    string     `json:"event"`
	Instance string     `json:"instance"`
	Data     *EventData `json:"data"`
}

// EventData carries the message key and content of one event
type EventData struct {
	Key     *EventKey     `json:"key"`
	Message *EventMessage `json:"message"`
}

// EventKey identifies the sender and direction of a message
type EventKey struct {
	RemoteJid string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
	ID        string `json:"id"`
}

// EventMessage holds the possible text-bearing fields of a message
type EventMessage struct {
	Conversation        string               `json:"conversation"`
	ExtendedTextMessage *ExtendedTextMessage `json:"extendedTextMessage"`
	ImageMessage        *ImageMessage        `json:"imageMessage"`
}

type ExtendedTextMessage struct {
	Text string `json:"text"`
}

type ImageMessage struct {
	Caption string `json:"caption"`
}

// textExtractors are tried in priority order; the first non-empty
// result wins.
var textExtractors = []func(*EventMessage) string{
	func(m *EventMessage) string { return m.Conversation },
	func(m *EventMessage) string {
		if m.ExtendedTextMessage == nil {
			return ""
		}
		return m.ExtendedTextMessage.Text
	},
	func(m *EventMessage) string {
		if m.ImageMessage == nil {
			return ""
		}
		return m.ImageMessage.Caption
	},
}

// extractText returns the message's text content, or "" when no
// text-bearing field is present.
func extractText(m *EventMessage) string {
	for _, extract := range textExtractors {
		if text := extract(m); text != "" {
			return text
		}
	}
	return ""
}

// normalize turns a webhook payload into a (phone, text) pair. ok is
// false for events the bot must ignore: missing payload pieces,
// self-originated messages, or messages without text.
func normalize(payload *EvolutionWebhookPayload) (phone, text string, ok bool) {
	data := payload.Data
	if data == nil || data.Key == nil || data.Message == nil {
		return "", "", false
	}
	if data.Key.FromMe {
		return "", "", false
	}

	text = extractText(data.Message)
	if text == "" {
		return "", "", false
	}

	// remoteJid looks like "5491122334455@s.whatsapp.net"
	phone = data.Key.RemoteJid
	if at := strings.IndexByte(phone, '@'); at >= 0 {
		phone = phone[:at]
	}
	if phone == "" {
		return "", "", false
	}

	return phone, text, true
}

// HandleWebhook acknowledges the event immediately and processes valid
// messages asynchronously, so the transport never times out a delivery
// on a slow panel call.
func (h *WebhookHandler) HandleWebhook(c *fiber.Ctx) error {
	var payload EvolutionWebhookPayload
	if err := c.BodyParser(&payload); err != nil {
		log.Printf("⚠️  Ignoring malformed webhook payload: %v", err)
		return c.SendStatus(fiber.StatusOK)
	}

	phone, text, ok := normalize(&payload)
	if !ok {
		return c.SendStatus(fiber.StatusOK)
	}

	go h.conversations.HandleMessage(phone, text)

	return c.SendStatus(fiber.StatusOK)
}

// TestMessagePayload is the body of the development test endpoint
type TestMessagePayload struct {
	From    string `json:"from"`
	Message string `json:"message"`
}

// HandleTestMessage processes a message synchronously (for development)
func (h *WebhookHandler) HandleTestMessage(c *fiber.Ctx) error {
	var payload TestMessagePayload
	if err := c.BodyParser(&payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid test payload",
		})
	}

	log.Printf("🧪 Test message from %s: %s", payload.From, payload.Message)
	h.conversations.HandleMessage(payload.From, payload.Message)

	return c.JSON(fiber.Map{
		"success": true,
	})
}
