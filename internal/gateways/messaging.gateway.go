package gateway

import (
	"context"
	"encoding/json"
	"fmt"
)

type MessageType string

const (
	MessageText     MessageType = "texto"
	MessageAudio    MessageType = "audio"
	MessageLocation MessageType = "ubicacion"
)

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name"`
	Address   string  `json:"address"`
}

// WhatsAppMessage is the messaging function payload; which optional field is
// set depends on Type.
type WhatsAppMessage struct {
	Type        MessageType `json:"tipo"`
	Number      string      `json:"numero"`
	Text        string      `json:"texto,omitempty"`
	AudioBase64 string      `json:"audio_base64,omitempty"`
	Location    *Location   `json:"ubicacion,omitempty"`
	DelayMs     int         `json:"delay,omitempty"`
	LinkPreview *bool       `json:"linkPreview,omitempty"`
}

func TextMessage(number, text string) WhatsAppMessage {
	preview := true
	return WhatsAppMessage{Type: MessageText, Number: number, Text: text, LinkPreview: &preview}
}

func AudioMessage(number, audioBase64 string) WhatsAppMessage {
	return WhatsAppMessage{Type: MessageAudio, Number: number, AudioBase64: audioBase64}
}

func LocationMessage(number string, loc Location, delayMs int) WhatsAppMessage {
	return WhatsAppMessage{Type: MessageLocation, Number: number, Location: &loc, DelayMs: delayMs}
}

type functionStatus struct {
	Success *bool           `json:"success"`
	Error   json.RawMessage `json:"error"`
}

// SendWhatsApp waits for a messaging slot, then invokes the messaging
// function once. Each message type has its own breaker, so failing audio or
// location sends never open the circuit for texts.
func (c *FunctionsClient) SendWhatsApp(ctx context.Context, msg WhatsAppMessage) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("messaging rate limit: %w", err)
	}

	var status functionStatus
	breakerKey := c.config.Names.SendWhatsApp + ":" + string(msg.Type)
	if err := c.invoke(ctx, c.config.Names.SendWhatsApp, breakerKey, msg, &status); err != nil {
		return err
	}
	if status.Success != nil && !*status.Success {
		return &FunctionError{Function: c.config.Names.SendWhatsApp, Code: 200, Body: string(status.Error)}
	}
	return nil
}
