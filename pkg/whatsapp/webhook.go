package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/recete-ai/recete-engine/pkg/apperrors"
)

// SignatureHeader carries the app-secret HMAC of a webhook body.
const SignatureHeader = "X-Hub-Signature-256"

// InboundMessage is one customer text message from a webhook delivery.
type InboundMessage struct {
	PhoneNumberID string // business number that received the message
	From          string // sender, "+" prefixed
	ProfileName   string
	MessageID     string
	Text          string
	Timestamp     time.Time
}

// ParseWebhook extracts customer text messages from a Cloud API webhook body.
// Status callbacks and media messages are skipped. Button and list replies
// are returned with their visible title as text.
func ParseWebhook(body []byte) ([]InboundMessage, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: webhook body is not JSON", apperrors.ErrInvalidEvent)
	}
	root := gjson.ParseBytes(body)
	if obj := root.Get("object").String(); obj != "" && obj != "whatsapp_business_account" {
		return nil, fmt.Errorf("%w: unexpected webhook object %q", apperrors.ErrInvalidEvent, obj)
	}

	var out []InboundMessage
	for _, entry := range root.Get("entry").Array() {
		for _, change := range entry.Get("changes").Array() {
			if field := change.Get("field").String(); field != "" && field != "messages" {
				continue
			}
			value := change.Get("value")
			phoneNumberID := value.Get("metadata.phone_number_id").String()

			names := map[string]string{}
			for _, contact := range value.Get("contacts").Array() {
				names[contact.Get("wa_id").String()] = contact.Get("profile.name").String()
			}

			for _, msg := range value.Get("messages").Array() {
				text := messageText(msg)
				if strings.TrimSpace(text) == "" {
					continue
				}
				from := msg.Get("from").String()
				out = append(out, InboundMessage{
					PhoneNumberID: phoneNumberID,
					From:          "+" + strings.TrimPrefix(from, "+"),
					ProfileName:   names[from],
					MessageID:     msg.Get("id").String(),
					Text:          text,
					Timestamp:     unixTimestamp(msg.Get("timestamp").String()),
				})
			}
		}
	}
	return out, nil
}

func messageText(msg gjson.Result) string {
	switch msg.Get("type").String() {
	case "text":
		return msg.Get("text.body").String()
	case "button":
		return msg.Get("button.text").String()
	case "interactive":
		if title := msg.Get("interactive.button_reply.title"); title.Exists() {
			return title.String()
		}
		return msg.Get("interactive.list_reply.title").String()
	}
	return ""
}

func unixTimestamp(s string) time.Time {
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil || secs <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(secs, 0).UTC()
}

// VerifySignature checks the "sha256=<hex>" header against the HMAC-SHA256 of
// body keyed with the app secret.
func VerifySignature(appSecret string, body []byte, header string) error {
	if appSecret == "" {
		return fmt.Errorf("%w: app secret not configured", apperrors.ErrInvalidSignature)
	}
	sig, ok := strings.CutPrefix(strings.TrimSpace(header), "sha256=")
	if !ok {
		return fmt.Errorf("%w: missing sha256 prefix", apperrors.ErrInvalidSignature)
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("%w: signature is not hex", apperrors.ErrInvalidSignature)
	}

	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return apperrors.ErrInvalidSignature
	}
	return nil
}

// VerifyChallenge answers the subscription handshake. It returns the challenge
// to echo and true when mode is "subscribe" and the token matches.
func VerifyChallenge(mode, token, challenge, verifyToken string) (string, bool) {
	if mode != "subscribe" || verifyToken == "" {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(verifyToken)) != 1 {
		return "", false
	}
	return challenge, true
}
