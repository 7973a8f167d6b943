// Package audit writes security-relevant events as structured JSON log lines
// for SIEM consumption.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/recete-ai/recete-engine/pkg/auth"
	"github.com/recete-ai/recete-engine/pkg/logging"
)

// SecurityEventType categorizes security-relevant events for filtering and alerting.
type SecurityEventType string

const (
	// EventGuardrailViolation is logged when a message or reply trips a guardrail.
	EventGuardrailViolation SecurityEventType = "guardrail_violation"
	// EventInjectionAttempt is logged when libinjection flags a customer message.
	EventInjectionAttempt SecurityEventType = "injection_attempt"
	// EventSignatureFailure is logged when a webhook fails HMAC verification.
	EventSignatureFailure SecurityEventType = "webhook_signature_failure"
)

// SecurityEvent is one auditable event.
type SecurityEvent struct {
	Timestamp  time.Time         `json:"timestamp"`
	EventType  SecurityEventType `json:"event_type"`
	MerchantID uuid.UUID         `json:"merchant_id,omitempty"`
	Subject    string            `json:"subject,omitempty"`
	ClientIP   string            `json:"client_ip,omitempty"`
	Details    any               `json:"details"`
	Severity   string            `json:"severity"` // info, warning, critical
}

// GuardrailDetails describes a guardrail hit. Excerpt is sanitized and truncated.
type GuardrailDetails struct {
	RuleID  string `json:"rule_id"`
	Rule    string `json:"rule"`
	Source  string `json:"source"` // system or custom
	Target  string `json:"target"`
	Action  string `json:"action"`
	Excerpt string `json:"excerpt"`
}

// InjectionDetails describes a libinjection detection.
type InjectionDetails struct {
	Kind        string `json:"kind"` // sqli or xss
	Fingerprint string `json:"fingerprint,omitempty"`
	Excerpt     string `json:"excerpt"`
}

const excerptLen = 120

// SecurityAuditor logs security events under the "security_audit" logger name.
type SecurityAuditor struct {
	logger *zap.Logger
}

func NewSecurityAuditor(logger *zap.Logger) *SecurityAuditor {
	return &SecurityAuditor{logger: logger.Named("security_audit")}
}

// Excerpt prepares customer text for an audit line.
func Excerpt(text string) string {
	return logging.TruncateString(logging.SanitizeText(text), excerptLen)
}

// LogGuardrailViolation records a guardrail hit. Escalations are critical,
// blocks are warnings.
func (a *SecurityAuditor) LogGuardrailViolation(ctx context.Context, merchantID uuid.UUID, details GuardrailDetails) {
	severity := "warning"
	if details.Action == "escalate" {
		severity = "critical"
	}
	event := a.event(ctx, EventGuardrailViolation, merchantID, details, severity)

	eventJSON, _ := json.Marshal(event)
	a.logger.Warn("Guardrail violation",
		zap.String("event_json", string(eventJSON)),
		zap.String("merchant_id", merchantID.String()),
		zap.String("rule_id", details.RuleID),
		zap.String("source", details.Source),
		zap.String("target", details.Target),
		zap.String("action", details.Action),
		zap.String("severity", severity),
	)
}

// LogInjectionAttempt records a detected SQLi or XSS payload in a customer message.
// Logged at ERROR level for immediate alerting.
func (a *SecurityAuditor) LogInjectionAttempt(ctx context.Context, merchantID uuid.UUID, details InjectionDetails) {
	event := a.event(ctx, EventInjectionAttempt, merchantID, details, "critical")

	eventJSON, _ := json.Marshal(event)
	a.logger.Error("Injection attempt detected",
		zap.String("event_json", string(eventJSON)),
		zap.String("merchant_id", merchantID.String()),
		zap.String("kind", details.Kind),
		zap.String("fingerprint", details.Fingerprint),
		zap.String("severity", "critical"),
	)
}

// LogSignatureFailure records a webhook whose signature did not verify.
//
// Example usage:
//
//	auditor.LogSignatureFailure(ctx, "shopify", r.Header.Get("X-Shopify-Shop-Domain"), r.RemoteAddr)
func (a *SecurityAuditor) LogSignatureFailure(ctx context.Context, source, sender, clientIP string) {
	event := a.event(ctx, EventSignatureFailure, uuid.Nil, map[string]string{
		"source": source,
		"sender": sender,
	}, "warning")
	event.ClientIP = clientIP

	eventJSON, _ := json.Marshal(event)
	a.logger.Warn("Webhook signature rejected",
		zap.String("event_json", string(eventJSON)),
		zap.String("source", source),
		zap.String("sender", sender),
		zap.String("client_ip", clientIP),
		zap.String("severity", "warning"),
	)
}

func (a *SecurityAuditor) event(ctx context.Context, eventType SecurityEventType, merchantID uuid.UUID, details any, severity string) SecurityEvent {
	return SecurityEvent{
		Timestamp:  time.Now().UTC(),
		EventType:  eventType,
		MerchantID: merchantID,
		Subject:    auth.GetSubjectFromContext(ctx),
		Details:    details,
		Severity:   severity,
	}
}
