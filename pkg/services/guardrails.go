package services

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	libinjection "github.com/corazawaf/libinjection-go"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"gopkg.in/yaml.v3"

	"github.com/recete-ai/recete-engine/pkg/audit"
	"github.com/recete-ai/recete-engine/pkg/metrics"
	"github.com/recete-ai/recete-engine/pkg/models"
)

// Guardrail reasons reported in GuardrailResult.Reason.
const (
	ReasonCustomGuardrail = "custom_guardrail"
	ReasonInjection       = "injection_detected"
)

// Canned replies used when a matching rule supplies none.
const (
	DefaultSafeResponse       = "Bu konuda yardımcı olamıyorum. Başka bir sorunuz varsa memnuniyetle yardımcı olurum."
	DefaultEscalationResponse = "Sizi bir müşteri temsilcimize aktarıyorum, en kısa sürede size dönüş yapılacak."
)

// GuardrailResult is the verdict for one checked text. Safe results carry no
// other fields.
type GuardrailResult struct {
	Safe              bool                   `json:"safe"`
	Reason            string                 `json:"reason,omitempty"`
	CustomReason      string                 `json:"custom_reason,omitempty"`
	SuggestedResponse string                 `json:"suggested_response,omitempty"`
	RequiresHuman     bool                   `json:"requires_human"`
	Action            models.GuardrailAction `json:"action,omitempty"`
}

// systemRule is one entry of rules/system_guardrails.yaml.
type systemRule struct {
	ID              string                 `yaml:"id"`
	Name            string                 `yaml:"name"`
	ApplyTo         models.GuardrailTarget `yaml:"apply_to"`
	Action          models.GuardrailAction `yaml:"action"`
	Response        string                 `yaml:"response"`
	Keywords        []string               `yaml:"keywords"`
	DetectInjection bool                   `yaml:"detect_injection"`
}

//go:embed rules/system_guardrails.yaml
var systemGuardrailsYAML []byte

var systemRules = mustLoadSystemRules(systemGuardrailsYAML)

func mustLoadSystemRules(src []byte) []systemRule {
	var doc struct {
		Rules []systemRule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(src, &doc); err != nil {
		panic(fmt.Sprintf("parse system guardrails: %v", err))
	}
	for i := range doc.Rules {
		r := &doc.Rules[i]
		if r.ID == "" || (r.Action != models.GuardrailActionBlock && r.Action != models.GuardrailActionEscalate) {
			panic(fmt.Sprintf("system guardrail %d: missing id or bad action %q", i, r.Action))
		}
		for j, kw := range r.Keywords {
			r.Keywords[j] = foldText(kw)
		}
	}
	return doc.Rules
}

// foldText case-folds s for substring matching. The combining dot left by
// folding a Turkish capital İ is dropped so "İntihar" matches "intihar".
func foldText(s string) string {
	return strings.ReplaceAll(cases.Fold().String(s), "\u0307", "")
}

// guardrailHit describes the rule that matched.
type guardrailHit struct {
	ruleID    string
	ruleName  string
	source    string // system or custom
	result    GuardrailResult
	injection *audit.InjectionDetails
}

// CheckMessage runs the system guardrails and then the merchant's enabled
// custom guardrails against text. The first matching rule decides.
func CheckMessage(text string, target models.GuardrailTarget, custom []models.CustomGuardrail) GuardrailResult {
	if hit := evaluateGuardrails(text, target, custom); hit != nil {
		return hit.result
	}
	return GuardrailResult{Safe: true}
}

func evaluateGuardrails(text string, target models.GuardrailTarget, custom []models.CustomGuardrail) *guardrailHit {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	folded := foldText(text)

	for _, rule := range systemRules {
		if !rule.ApplyTo.Applies(target) {
			continue
		}
		if containsAny(folded, rule.Keywords) {
			return &guardrailHit{
				ruleID:   rule.ID,
				ruleName: rule.Name,
				source:   "system",
				result:   violation(rule.ID, "", rule.Action, rule.Response),
			}
		}
		if rule.DetectInjection && target == models.GuardrailTargetUserMessage {
			if inj := detectInjection(text); inj != nil {
				return &guardrailHit{
					ruleID:    rule.ID,
					ruleName:  rule.Name,
					source:    "system",
					result:    violation(ReasonInjection, "", rule.Action, rule.Response),
					injection: inj,
				}
			}
		}
	}

	for _, rule := range custom {
		if !rule.Enabled || !rule.ApplyTo.Applies(target) || !customMatches(folded, rule) {
			continue
		}
		return &guardrailHit{
			ruleID:   rule.ID,
			ruleName: rule.Name,
			source:   "custom",
			result:   violation(ReasonCustomGuardrail, rule.Name, rule.Action, rule.SuggestedResponse),
		}
	}
	return nil
}

func violation(reason, customReason string, action models.GuardrailAction, response string) GuardrailResult {
	escalate := action == models.GuardrailActionEscalate
	if strings.TrimSpace(response) == "" {
		response = DefaultSafeResponse
		if escalate {
			response = DefaultEscalationResponse
		}
	}
	return GuardrailResult{
		Safe:              false,
		Reason:            reason,
		CustomReason:      customReason,
		SuggestedResponse: response,
		RequiresHuman:     escalate,
		Action:            action,
	}
}

func customMatches(folded string, rule models.CustomGuardrail) bool {
	switch rule.MatchType {
	case models.GuardrailMatchKeywords:
		for _, kw := range rule.Keywords {
			if kw = foldText(strings.TrimSpace(kw)); kw != "" && strings.Contains(folded, kw) {
				return true
			}
		}
	case models.GuardrailMatchPhrase:
		phrase := foldText(strings.TrimSpace(rule.Phrase))
		return phrase != "" && strings.Contains(folded, phrase)
	}
	return false
}

func containsAny(folded string, keywords []string) bool {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(folded, kw) {
			return true
		}
	}
	return false
}

// detectInjection runs libinjection over text. Plain prose without any SQL or
// markup metacharacters is skipped.
func detectInjection(text string) *audit.InjectionDetails {
	if !strings.ContainsAny(text, "'\";<>=") {
		return nil
	}
	if isSQLi, fingerprint := libinjection.IsSQLi(text); isSQLi {
		return &audit.InjectionDetails{Kind: "sqli", Fingerprint: string(fingerprint), Excerpt: audit.Excerpt(text)}
	}
	if libinjection.IsXSS(text) {
		return &audit.InjectionDetails{Kind: "xss", Excerpt: audit.Excerpt(text)}
	}
	return nil
}

// GuardrailService checks texts and records every violation.
type GuardrailService interface {
	Check(ctx context.Context, merchantID uuid.UUID, text string, target models.GuardrailTarget, custom []models.CustomGuardrail) GuardrailResult
}

type guardrailService struct {
	auditor *audit.SecurityAuditor
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewGuardrailService creates a GuardrailService. auditor and m may be nil.
func NewGuardrailService(auditor *audit.SecurityAuditor, m *metrics.Metrics, logger *zap.Logger) GuardrailService {
	return &guardrailService{
		auditor: auditor,
		metrics: m,
		logger:  logger.Named("guardrails"),
	}
}

var _ GuardrailService = (*guardrailService)(nil)

func (s *guardrailService) Check(ctx context.Context, merchantID uuid.UUID, text string, target models.GuardrailTarget, custom []models.CustomGuardrail) GuardrailResult {
	hit := evaluateGuardrails(text, target, custom)
	if hit == nil {
		return GuardrailResult{Safe: true}
	}

	if s.metrics != nil {
		s.metrics.GuardrailHits.WithLabelValues(hit.source, string(target), string(hit.result.Action)).Inc()
	}
	if s.auditor != nil {
		if hit.injection != nil {
			s.auditor.LogInjectionAttempt(ctx, merchantID, *hit.injection)
		}
		s.auditor.LogGuardrailViolation(ctx, merchantID, audit.GuardrailDetails{
			RuleID:  hit.ruleID,
			Rule:    hit.ruleName,
			Source:  hit.source,
			Target:  string(target),
			Action:  string(hit.result.Action),
			Excerpt: audit.Excerpt(text),
		})
	}
	s.logger.Debug("Guardrail matched",
		zap.String("merchant_id", merchantID.String()),
		zap.String("rule_id", hit.ruleID),
		zap.String("target", string(target)))
	return hit.result
}
