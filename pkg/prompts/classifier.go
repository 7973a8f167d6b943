package prompts

import (
	"fmt"
	"strings"

	"github.com/recete-ai/recete-engine/pkg/models"
)

// IntentClassificationSystem instructs the classifier to answer with one label.
const IntentClassificationSystem = `Classify the customer's WhatsApp message for an e-commerce store into exactly one label:
question - asks how to use a product, what it contains, or anything about the products
complaint - reports a problem, bad result, damaged item or delivery issue
return_intent - wants to return the product or get a refund
opt_out - asks to stop receiving messages
chat - greetings, thanks, small talk or anything else

Answer with the label only, in lowercase, with no punctuation.`

// SatisfactionSystem instructs the satisfaction detector to return JSON.
const SatisfactionSystem = `You judge whether a customer is satisfied with products they bought, based on their latest messages.
Return a JSON object: {"satisfied": true|false, "confidence": number between 0 and 1, "reason": short string}.
Only report satisfied when the customer clearly expresses a positive experience with the products.`

// BuildSatisfactionPrompt renders the recent conversation for the satisfaction detector.
func BuildSatisfactionPrompt(history []models.ConversationMessage, latest string) string {
	var b strings.Builder
	b.WriteString("Conversation:\n")
	for _, msg := range history {
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, strings.TrimSpace(msg.Content))
	}
	fmt.Fprintf(&b, "%s: %s\n", models.RoleUser, strings.TrimSpace(latest))
	return b.String()
}
