package services

import (
	"fmt"
	"strings"

	"github.com/klamai/proposal-dispatch/internal/model"
)

const (
	defaultClientName = "cliente"
	noSummary         = "Resumen no disponible"
	placeholderLink   = "(#)"
	payIntentSuffix   = "?intent=pay"
)

// caseResume prefers the structured proposal, then the free-text summary.
func caseResume(c *model.Case) string {
	if c.HasStructuredProposal() {
		return string(c.StructuredProposal)
	}
	if c.Summary != nil && strings.TrimSpace(*c.Summary) != "" {
		return strings.TrimSpace(*c.Summary)
	}
	return noSummary
}

func clientName(c *model.Case) string {
	if name := c.FullName(); name != "" {
		return name
	}
	return defaultClientName
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// assistantPrompt is the user message sent to the proposal assistant.
type assistantPrompt struct {
	Input        string
	Instructions string
}

type promptData struct {
	Case            *model.Case
	Phone           string
	ViewURL         string
	CheckoutURL     string
	IncludeCheckout bool
	LawyerName      string
}

func buildAssistantPrompt(d promptData) assistantPrompt {
	var in strings.Builder
	fmt.Fprintf(&in, "Prepara la propuesta para el caso de %s.\n\n", clientName(d.Case))
	fmt.Fprintf(&in, "Motivo de consulta: %s\n", orDash(strings.TrimSpace(d.Case.ConsultationReason)))
	fmt.Fprintf(&in, "Resumen del caso: %s\n", caseResume(d.Case))
	fmt.Fprintf(&in, "Teléfono: %s\n", orDash(d.Phone))
	fmt.Fprintf(&in, "Email: %s\n", orDash(d.Case.Email()))
	fmt.Fprintf(&in, "Ciudad: %s\n", orDash(d.Case.City()))
	if d.LawyerName != "" {
		fmt.Fprintf(&in, "Firma: %s\n", d.LawyerName)
	}

	var ins strings.Builder
	ins.WriteString("Instrucciones de formato:\n")
	ins.WriteString("- Escribe el mensaje para WhatsApp: párrafos cortos, listas con guiones y negrita con un solo asterisco (*así*), nunca con dos.\n")
	fmt.Fprintf(&ins, "- Incluye obligatoriamente el enlace a la propuesta completa: %s\n", d.ViewURL)
	if d.IncludeCheckout {
		target := d.CheckoutURL
		if target == "" {
			target = d.ViewURL + payIntentSuffix
		}
		fmt.Fprintf(&ins, "- Termina con una llamada a la acción para reservar y pagar la consulta usando este enlace: %s\n", target)
	} else {
		ins.WriteString("- No incluyas enlaces de pago.\n")
	}
	ins.WriteString("- El análisis del caso va en Markdown.\n")
	ins.WriteString(`- Responde solo con JSON válido, sin texto adicional: {"output":{"mensaje_whatsapp":"...","analisis_caso":"..."}}`)

	return assistantPrompt{Input: in.String(), Instructions: ins.String()}
}

// fallbackMessage is sent when the assistant gave no usable message.
func fallbackMessage(name, viewURL string) string {
	if strings.TrimSpace(name) == "" {
		name = defaultClientName
	}
	return fmt.Sprintf("Hola %s, hemos preparado la propuesta para tu caso. Puedes revisarla aquí: %s", name, viewURL)
}

func replacePlaceholder(s, viewURL string) string {
	return strings.ReplaceAll(s, placeholderLink, "("+viewURL+")")
}

// appendCTA adds a payment line unless target already appears in msg.
func appendCTA(msg, target string) string {
	if target == "" || strings.Contains(msg, target) {
		return msg
	}
	return strings.TrimRight(msg, "\n ") + "\n\n*Reserva tu consulta:* " + target
}

// voicePrompt asks for a short spoken script built only from the case data.
func voicePrompt(c *model.Case, lawyerName string) (system, user string) {
	signer := lawyerName
	if signer == "" {
		signer = "el equipo legal"
	}
	system = "Eres " + signer + ". Escribe un guion hablado en español para una nota de voz de WhatsApp de 30 segundos como máximo (unas 70 palabras). " +
		"Tono cercano y profesional, sin markdown, sin emojis y sin enlaces. " +
		"Usa únicamente los datos que aparecen a continuación; no inventes importes, plazos, leyes ni detalles que no estén presentes. " +
		"Termina invitando a revisar el mensaje escrito."

	var u strings.Builder
	if name := c.FirstName(); name != "" {
		fmt.Fprintf(&u, "Nombre: %s\n", name)
	}
	if reason := strings.TrimSpace(c.ConsultationReason); reason != "" {
		fmt.Fprintf(&u, "Motivo de consulta: %s\n", reason)
	}
	if c.Summary != nil && strings.TrimSpace(*c.Summary) != "" {
		fmt.Fprintf(&u, "Resumen: %s\n", strings.TrimSpace(*c.Summary))
	}
	if city := c.City(); city != "" {
		fmt.Fprintf(&u, "Ciudad: %s\n", city)
	}
	if u.Len() == 0 {
		u.WriteString("Sin datos adicionales del caso.\n")
	}
	return system, u.String()
}
