package model

import (
	"errors"
	"strings"
)

// DispatchRequest is the trigger body of a proposal dispatch.
type DispatchRequest struct {
	CaseID             string `json:"caso_id"`
	IncludeCheckoutURL bool   `json:"include_checkout_url,omitempty"`
	PhoneOverride      string `json:"phone_override,omitempty"`
}

func (r DispatchRequest) Validate() error {
	if strings.TrimSpace(r.CaseID) == "" {
		return errors.New("caso_id is required")
	}
	return nil
}

// DispatchResult is returned after the WhatsApp text went out.
type DispatchResult struct {
	OK              bool   `json:"ok"`
	Token           string `json:"token"`
	WhatsAppMessage string `json:"whatsappMessage"`
	AnalysisMD      string `json:"analysisMd"`
}

// DispatchJob is one queued asynchronous dispatch.
type DispatchJob struct {
	ID          string          `json:"id"`
	Request     DispatchRequest `json:"request"`
	BearerToken string          `json:"bearer_token,omitempty"`
	Caller      *Caller         `json:"caller,omitempty"`
}
