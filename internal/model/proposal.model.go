package model

import "time"

const SentViaWhatsApp = "whatsapp"

// ProposalContent is the propuestas.content payload.
type ProposalContent struct {
	Channel         string `json:"channel"`
	Phone           string `json:"phone"`
	WhatsAppMessage string `json:"whatsapp_message"`
	AnalysisMD      string `json:"analysis_md"`
	CheckoutURL     string `json:"checkout_url,omitempty"`
	ViewURL         string `json:"view_url"`
}

// AssistantMessage is stored JSON-encoded in propuestas.assistant_message.
type AssistantMessage struct {
	WhatsAppMessage string `json:"mensaje_whatsapp"`
	CaseAnalysis    string `json:"analisis_caso"`
}

// Proposal is one append-only, versioned artifact of a case. Version starts
// at 1 and is unique per case.
type Proposal struct {
	ID               string          `json:"id"`
	CaseID           string          `json:"caso_id"`
	Version          int             `json:"version"`
	Content          ProposalContent `json:"content"`
	AssistantMessage string          `json:"assistant_message"`
	SentAt           time.Time       `json:"sent_at"`
	SentVia          string          `json:"sent_via"`
	RecipientEmail   *string         `json:"recipient_email,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// ProposalView is what the public proposal page gets for a valid token.
type ProposalView struct {
	CaseID           string    `json:"caso_id"`
	Version          int       `json:"version"`
	AnalysisMD       string    `json:"analysis_md"`
	AssistantMessage string    `json:"assistant_message"`
	WhatsAppMessage  string    `json:"whatsapp_message"`
	CheckoutURL      string    `json:"checkout_url,omitempty"`
	SentAt           time.Time `json:"sent_at"`
	ExpiresAt        time.Time `json:"expires_at"`
}
