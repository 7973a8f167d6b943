package models

import (
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// InstructionScope controls which products' usage instructions are injected
// into the agent prompt.
type InstructionScope string

const (
	// InstructionScopeOrderOnly limits instructions to the order's own products.
	InstructionScopeOrderOnly InstructionScope = "order_only"
	// InstructionScopeRAGProductsToo widens instructions to products surfaced by RAG.
	InstructionScopeRAGProductsToo InstructionScope = "rag_products_too"
)

// IsValid returns true if the scope is a known value.
func (s InstructionScope) IsValid() bool {
	return s == InstructionScopeOrderOnly || s == InstructionScopeRAGProductsToo
}

// Addon names a paid feature a merchant can activate.
type Addon string

const (
	AddonReturnPrevention Addon = "return_prevention"
)

// Persona describes how the bot presents itself to customers.
type Persona struct {
	BotName        string `json:"bot_name"`
	Tone           string `json:"tone"`            // e.g. "friendly", "professional"
	EmojiUsage     string `json:"emoji_usage"`     // "none", "minimal", "frequent"
	ResponseLength string `json:"response_length"` // "short", "medium", "long"
}

// BotInfo holds merchant-authored prompt blocks. Blank fields are omitted from prompts.
type BotInfo struct {
	BrandGuidelines    string `json:"brand_guidelines"`
	Boundaries         string `json:"boundaries"`
	RecipeOverview     string `json:"recipe_overview"`
	CustomInstructions string `json:"custom_instructions"`
}

// Merchant is a tenant. All other entities are scoped to one merchant.
type Merchant struct {
	ID                uuid.UUID         `json:"id"`
	Name              string            `json:"name"`
	Persona           Persona           `json:"persona"`
	BotInfo           BotInfo           `json:"bot_info"`
	InstructionScope  InstructionScope  `json:"instruction_scope"`
	Addons            []Addon           `json:"addons"`
	Guardrails        []CustomGuardrail `json:"guardrails"`
	WhatsAppPhoneID   string            `json:"whatsapp_phone_number_id"`
	WhatsAppTokenEnc  string            `json:"-"`
	ShopifyShopDomain string            `json:"shopify_shop_domain,omitempty"`
	ShopifySecretEnc  string            `json:"-"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// HasAddon reports whether the merchant has activated addon.
func (m *Merchant) HasAddon(addon Addon) bool {
	return slices.Contains(m.Addons, addon)
}

// EffectiveInstructionScope returns the configured scope, defaulting to order_only.
func (m *Merchant) EffectiveInstructionScope() InstructionScope {
	if m.InstructionScope.IsValid() {
		return m.InstructionScope
	}
	return InstructionScopeOrderOnly
}

// GuardrailMatchType selects how a custom guardrail matches text.
type GuardrailMatchType string

const (
	GuardrailMatchKeywords GuardrailMatchType = "keywords" // any keyword, case-insensitive
	GuardrailMatchPhrase   GuardrailMatchType = "phrase"   // substring, case-insensitive
)

// GuardrailTarget names which side of the conversation a rule applies to.
type GuardrailTarget string

const (
	GuardrailTargetUserMessage GuardrailTarget = "user_message"
	GuardrailTargetAIResponse  GuardrailTarget = "ai_response"
	GuardrailTargetBoth        GuardrailTarget = "both"
)

// Applies reports whether a rule with target t applies to checked.
func (t GuardrailTarget) Applies(checked GuardrailTarget) bool {
	return t == GuardrailTargetBoth || t == checked
}

// GuardrailAction is what happens when a rule matches.
type GuardrailAction string

const (
	GuardrailActionBlock    GuardrailAction = "block"
	GuardrailActionEscalate GuardrailAction = "escalate"
)

// CustomGuardrail is a merchant-defined safety rule.
type CustomGuardrail struct {
	ID                string             `json:"id"`
	Name              string             `json:"name"`
	MatchType         GuardrailMatchType `json:"match_type"`
	Keywords          []string           `json:"keywords,omitempty"`
	Phrase            string             `json:"phrase,omitempty"`
	ApplyTo           GuardrailTarget    `json:"apply_to"`
	Action            GuardrailAction    `json:"action"`
	SuggestedResponse string             `json:"suggested_response,omitempty"`
	Enabled           bool               `json:"enabled"`
}

// Validate reports the first problem that would stop the rule from matching.
func (g CustomGuardrail) Validate() error {
	switch g.MatchType {
	case GuardrailMatchKeywords:
		if !slices.ContainsFunc(g.Keywords, func(k string) bool { return strings.TrimSpace(k) != "" }) {
			return errors.New("keywords rule needs at least one keyword")
		}
	case GuardrailMatchPhrase:
		if strings.TrimSpace(g.Phrase) == "" {
			return errors.New("phrase rule needs a phrase")
		}
	default:
		return errors.New("match_type must be keywords or phrase")
	}
	switch g.ApplyTo {
	case GuardrailTargetUserMessage, GuardrailTargetAIResponse, GuardrailTargetBoth:
	default:
		return errors.New("apply_to must be user_message, ai_response or both")
	}
	if g.Action != GuardrailActionBlock && g.Action != GuardrailActionEscalate {
		return errors.New("action must be block or escalate")
	}
	return nil
}
