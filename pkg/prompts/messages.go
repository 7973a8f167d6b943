package prompts

import (
	"fmt"
	"strings"

	"github.com/recete-ai/recete-engine/pkg/models"
)

// MessageContext fills the scheduled message templates.
type MessageContext struct {
	CustomerName string
	MerchantName string
	BotName      string
}

func (c MessageContext) greeting() string {
	if name := strings.TrimSpace(c.CustomerName); name != "" {
		return fmt.Sprintf("Merhaba %s!", name)
	}
	return "Merhaba!"
}

func (c MessageContext) signature() string {
	if bot := strings.TrimSpace(c.BotName); bot != "" {
		return "\n\n" + bot
	}
	return ""
}

// ScheduledMessage renders the outbound WhatsApp text for a scheduled task.
// Unknown task types render as "".
func ScheduledMessage(taskType models.TaskType, in MessageContext) string {
	merchant := strings.TrimSpace(in.MerchantName)

	var body string
	switch taskType {
	case models.TaskWelcome:
		order := "Siparişiniz"
		if merchant != "" {
			order = merchant + " siparişiniz"
		}
		body = fmt.Sprintf("%s %s teslim edildi. Ürünlerinizin kullanımıyla ilgili her sorunuzu bu numaradan sorabilirsiniz.",
			in.greeting(), order)
	case models.TaskCheckinT3:
		body = fmt.Sprintf("%s Ürünlerinizi kullanmaya başladınız mı? Kullanım sırası veya miktarı hakkında aklınıza takılan bir şey olursa yardımcı olmaktan memnuniyet duyarım.",
			in.greeting())
	case models.TaskCheckinT14:
		body = fmt.Sprintf("%s Ürünlerinizi iki haftadır kullanıyorsunuz. Sonuçlardan memnun musunuz? Deneyiminizi duymak isteriz.",
			in.greeting())
	case models.TaskUpsell:
		others := "diğer ürünlerimize"
		if merchant != "" {
			others = "diğer " + merchant + " ürünlerine"
		}
		body = fmt.Sprintf("%s Ürünlerinizden memnun kaldığınıza çok sevindik. Rutininizi tamamlayacak %s göz atmak ister misiniz?",
			in.greeting(), others)
	default:
		return ""
	}
	return body + in.signature()
}
