package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/recete-ai/recete-engine/pkg/apperrors"
	"github.com/recete-ai/recete-engine/pkg/audit"
	"github.com/recete-ai/recete-engine/pkg/crypto"
	"github.com/recete-ai/recete-engine/pkg/models"
	"github.com/recete-ai/recete-engine/pkg/services"
)

const maxWebhookBody = 2 << 20

// Shopify webhook headers.
const (
	headerShopifyHMAC      = "X-Shopify-Hmac-Sha256"
	headerShopifyTopic     = "X-Shopify-Topic"
	headerShopifyWebhookID = "X-Shopify-Webhook-Id"
	headerShopifyDomain    = "X-Shopify-Shop-Domain"
)

// WebhookResponse acknowledges a webhook delivery.
type WebhookResponse struct {
	Status string    `json:"status"` // processed | duplicate | ignored | skipped
	UserID uuid.UUID `json:"user_id,omitzero"`
	Reason string    `json:"reason,omitempty"`
}

// ShopifyWebhookHandler receives Shopify order and refund webhooks.
type ShopifyWebhookHandler struct {
	merchants     services.MerchantService
	processor     services.OrderProcessor
	credentials   *crypto.CredentialEncryptor
	defaultSecret string
	auditor       *audit.SecurityAuditor
	getTenantCtx  services.TenantContextFunc
	getSystemCtx  services.SystemContextFunc
	logger        *zap.Logger
}

// NewShopifyWebhookHandler creates a ShopifyWebhookHandler. Each merchant's
// own webhook secret is used when stored, else defaultSecret.
func NewShopifyWebhookHandler(
	merchants services.MerchantService,
	processor services.OrderProcessor,
	credentials *crypto.CredentialEncryptor,
	defaultSecret string,
	auditor *audit.SecurityAuditor,
	getTenantCtx services.TenantContextFunc,
	getSystemCtx services.SystemContextFunc,
	logger *zap.Logger,
) *ShopifyWebhookHandler {
	return &ShopifyWebhookHandler{
		merchants:     merchants,
		processor:     processor,
		credentials:   credentials,
		defaultSecret: defaultSecret,
		auditor:       auditor,
		getTenantCtx:  getTenantCtx,
		getSystemCtx:  getSystemCtx,
		logger:        logger.Named("shopify_webhook"),
	}
}

// RegisterRoutes registers the webhook route on the given mux.
func (h *ShopifyWebhookHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/shopify/{merchantId}", h.Receive)
}

// Receive handles POST /webhooks/shopify/{merchantId}.
func (h *ShopifyWebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := ParseMerchantID(w, r, h.logger)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeBadRequest(w, h.logger, "invalid_request", "Unreadable request body")
		return
	}

	merchant, err := h.loadMerchant(r, merchantID)
	if err != nil {
		writeServiceError(w, h.logger, "Failed to load merchant", err)
		return
	}

	secret, err := h.secretFor(merchant)
	if err != nil {
		writeServiceError(w, h.logger, "Failed to resolve webhook secret", err)
		return
	}
	if err := verifyShopifyHMAC(secret, body, r.Header.Get(headerShopifyHMAC)); err != nil {
		if h.auditor != nil {
			h.auditor.LogSignatureFailure(r.Context(), "shopify", r.Header.Get(headerShopifyDomain), r.RemoteAddr)
		}
		writeServiceError(w, h.logger, "Signature rejected", err)
		return
	}

	topic := r.Header.Get(headerShopifyTopic)
	event := services.NormalizeShopify(topic, body, merchant.ID, r.Header.Get(headerShopifyWebhookID))
	if event == nil {
		h.logger.Debug("Ignoring Shopify webhook", zap.String("topic", topic), zap.String("merchant_id", merchant.ID.String()))
		h.ack(w, WebhookResponse{Status: "ignored"})
		return
	}

	ctx, cleanup, err := h.getTenantCtx(r.Context(), merchant.ID)
	if err != nil {
		writeServiceError(w, h.logger, "Failed to acquire tenant connection", err)
		return
	}
	defer cleanup()

	result, err := h.processor.Ingest(ctx, event)
	switch {
	case errors.Is(err, apperrors.ErrDuplicateEvent):
		h.ack(w, WebhookResponse{Status: "duplicate"})
	case errors.Is(err, apperrors.ErrMissingPhone):
		h.ack(w, WebhookResponse{Status: "skipped", Reason: "missing_phone"})
	case err != nil:
		writeServiceError(w, h.logger, "Failed to ingest Shopify event", err)
	default:
		h.ack(w, WebhookResponse{Status: "processed", UserID: result.UserID})
	}
}

func (h *ShopifyWebhookHandler) loadMerchant(r *http.Request, merchantID uuid.UUID) (*models.Merchant, error) {
	ctx, cleanup, err := h.getSystemCtx(r.Context())
	if err != nil {
		return nil, fmt.Errorf("acquire system connection: %w", err)
	}
	defer cleanup()
	return h.merchants.Get(ctx, merchantID)
}

func (h *ShopifyWebhookHandler) secretFor(merchant *models.Merchant) (string, error) {
	if merchant.ShopifySecretEnc == "" || h.credentials == nil {
		return h.defaultSecret, nil
	}
	secret, err := h.credentials.Decrypt(merchant.ShopifySecretEnc)
	if err != nil {
		return "", fmt.Errorf("decrypt shopify secret for merchant %s: %w", merchant.ID, err)
	}
	return secret, nil
}

func (h *ShopifyWebhookHandler) ack(w http.ResponseWriter, resp WebhookResponse) {
	if err := WriteJSON(w, http.StatusOK, resp); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// verifyShopifyHMAC checks the base64 HMAC-SHA256 of body against header.
func verifyShopifyHMAC(secret string, body []byte, header string) error {
	if secret == "" {
		return fmt.Errorf("%w: webhook secret not configured", apperrors.ErrInvalidSignature)
	}
	got, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header))
	if err != nil || len(got) == 0 {
		return fmt.Errorf("%w: signature is not base64", apperrors.ErrInvalidSignature)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return apperrors.ErrInvalidSignature
	}
	return nil
}
