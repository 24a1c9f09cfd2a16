package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/klamai/proposal-dispatch/internal/gateways"
	"github.com/klamai/proposal-dispatch/internal/model"
	"github.com/klamai/proposal-dispatch/pkg/logger"
	"github.com/klamai/proposal-dispatch/pkg/prom"
)

const (
	enhancementVoice    = "voice"
	enhancementLocation = "location"
)

var errEmptyScript = errors.New("voice script is empty")

// sendVoiceNote runs script, speech and audio send. Errors are logged and
// counted, never returned.
func (d *Dispatcher) sendVoiceNote(ctx context.Context, c *model.Case, phone string) {
	ctx, cancel := context.WithTimeout(ctx, d.config.EnhancementTimeout)
	defer cancel()

	if err := d.voiceNote(ctx, c, phone); err != nil {
		prom.IncEnhancementFailure(enhancementVoice)
		logger.Warn("voice note not sent", "caso_id", c.ID, "error", err)
	}
}

func (d *Dispatcher) voiceNote(ctx context.Context, c *model.Case, phone string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("voice note panic: %v", r)
		}
	}()

	system, user := voicePrompt(c, d.config.LawyerName)
	script, err := d.assistant.ChatCompletion(ctx, system, user)
	if err != nil {
		return fmt.Errorf("script: %w", err)
	}
	if script == "" {
		return errEmptyScript
	}

	audio, err := d.functions.SynthesizeSpeech(ctx, gateway.SpeechRequest{
		Text:         script,
		VoiceID:      d.config.VoiceID,
		ModelID:      d.config.TTSModelID,
		OutputFormat: d.config.TTSOutputFormat,
	})
	if err != nil {
		return fmt.Errorf("tts: %w", err)
	}

	if err := d.functions.SendWhatsApp(ctx, gateway.AudioMessage(phone, audio)); err != nil {
		return fmt.Errorf("send audio: %w", err)
	}
	return nil
}

// sendLocation sends the office pin when one is configured. Errors are
// logged and counted, never returned.
func (d *Dispatcher) sendLocation(ctx context.Context, caseID, phone string) {
	if d.config.Office == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, d.config.EnhancementTimeout)
	defer cancel()

	if err := d.functions.SendWhatsApp(ctx, gateway.LocationMessage(phone, *d.config.Office, locationDelayMs)); err != nil {
		prom.IncEnhancementFailure(enhancementLocation)
		logger.Warn("office location not sent", "caso_id", caseID, "error", err)
	}
}
