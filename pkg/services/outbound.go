package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/recete-ai/recete-engine/pkg/crypto"
	"github.com/recete-ai/recete-engine/pkg/metrics"
	"github.com/recete-ai/recete-engine/pkg/models"
	"github.com/recete-ai/recete-engine/pkg/whatsapp"
)

// MessageSender delivers a text to a customer from a merchant's WhatsApp number.
// kind labels the message for metrics ("reply", "welcome", ...).
type MessageSender interface {
	SendText(ctx context.Context, merchant *models.Merchant, to, body, kind string) error
}

// TextTransport is the subset of whatsapp.Client used for sending.
type TextTransport interface {
	SendText(ctx context.Context, creds whatsapp.Credentials, to, body string) (string, error)
}

type whatsAppSender struct {
	transport    TextTransport
	credentials  *crypto.CredentialEncryptor
	defaultToken string
	metrics      *metrics.Metrics
	logger       *zap.Logger
}

// NewWhatsAppSender sends through transport using the merchant's own access
// token when one is stored, else defaultToken.
func NewWhatsAppSender(
	transport TextTransport,
	credentials *crypto.CredentialEncryptor,
	defaultToken string,
	m *metrics.Metrics,
	logger *zap.Logger,
) MessageSender {
	return &whatsAppSender{
		transport:    transport,
		credentials:  credentials,
		defaultToken: defaultToken,
		metrics:      m,
		logger:       logger.Named("outbound"),
	}
}

var _ MessageSender = (*whatsAppSender)(nil)

func (s *whatsAppSender) SendText(ctx context.Context, merchant *models.Merchant, to, body, kind string) error {
	token := s.defaultToken
	if merchant.WhatsAppTokenEnc != "" && s.credentials != nil {
		decrypted, err := s.credentials.Decrypt(merchant.WhatsAppTokenEnc)
		if err != nil {
			return fmt.Errorf("decrypt whatsapp token for merchant %s: %w", merchant.ID, err)
		}
		token = decrypted
	}

	_, err := s.transport.SendText(ctx, whatsapp.Credentials{
		PhoneNumberID: merchant.WhatsAppPhoneID,
		AccessToken:   token,
	}, to, body)

	outcome := "sent"
	if err != nil {
		outcome = "failed"
	}
	if s.metrics != nil {
		s.metrics.MessagesSent.WithLabelValues(kind, outcome).Inc()
	}
	if err != nil {
		return fmt.Errorf("send %s message: %w", kind, err)
	}
	return nil
}
