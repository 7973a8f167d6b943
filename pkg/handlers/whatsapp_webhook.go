package handlers

import (
	"context"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/recete-ai/recete-engine/pkg/audit"
	"github.com/recete-ai/recete-engine/pkg/logging"
	"github.com/recete-ai/recete-engine/pkg/services"
	"github.com/recete-ai/recete-engine/pkg/whatsapp"
)

// inboundTimeout bounds the work done for one webhook delivery, which may
// include several LLM calls per message.
const inboundTimeout = 2 * time.Minute

// WhatsAppWebhookResponse reports how many messages of a delivery were handled.
type WhatsAppWebhookResponse struct {
	Received int `json:"received"`
	Replied  int `json:"replied"`
	Failed   int `json:"failed"`
}

// WhatsAppWebhookHandler receives WhatsApp Cloud API webhooks.
type WhatsAppWebhookHandler struct {
	conversations services.ConversationService
	appSecret     string
	verifyToken   string
	auditor       *audit.SecurityAuditor
	logger        *zap.Logger
}

// NewWhatsAppWebhookHandler creates a WhatsAppWebhookHandler.
func NewWhatsAppWebhookHandler(
	conversations services.ConversationService,
	appSecret, verifyToken string,
	auditor *audit.SecurityAuditor,
	logger *zap.Logger,
) *WhatsAppWebhookHandler {
	return &WhatsAppWebhookHandler{
		conversations: conversations,
		appSecret:     appSecret,
		verifyToken:   verifyToken,
		auditor:       auditor,
		logger:        logger.Named("whatsapp_webhook"),
	}
}

// RegisterRoutes registers the webhook routes on the given mux.
func (h *WhatsAppWebhookHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /webhooks/whatsapp", h.Verify)
	mux.HandleFunc("POST /webhooks/whatsapp", h.Receive)
}

// Verify handles the GET subscription handshake.
func (h *WhatsAppWebhookHandler) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge, ok := whatsapp.VerifyChallenge(q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"), h.verifyToken)
	if !ok {
		if err := ErrorResponse(w, http.StatusForbidden, "forbidden", "Verification token mismatch"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

// Receive handles POST /webhooks/whatsapp. Per-message failures are logged
// and still acknowledged with 200 so the platform does not redeliver a
// message the customer already got a reply for.
func (h *WhatsAppWebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeBadRequest(w, h.logger, "invalid_request", "Unreadable request body")
		return
	}

	if err := whatsapp.VerifySignature(h.appSecret, body, r.Header.Get(whatsapp.SignatureHeader)); err != nil {
		if h.auditor != nil {
			h.auditor.LogSignatureFailure(r.Context(), "whatsapp", "", r.RemoteAddr)
		}
		writeServiceError(w, h.logger, "Signature rejected", err)
		return
	}

	messages, err := whatsapp.ParseWebhook(body)
	if err != nil {
		writeServiceError(w, h.logger, "Unparseable webhook", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), inboundTimeout)
	defer cancel()

	resp := WhatsAppWebhookResponse{Received: len(messages)}
	for _, msg := range messages {
		result, err := h.conversations.HandleInbound(ctx, msg)
		if err != nil {
			resp.Failed++
			h.logger.Error("Inbound message failed",
				zap.String("message_id", msg.MessageID),
				zap.String("from", logging.RedactPhone(msg.From)),
				zap.String("error", logging.SanitizeError(err)))
			continue
		}
		if !result.Skipped {
			resp.Replied++
		}
	}

	if err := WriteJSON(w, http.StatusOK, resp); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
