package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

var ErrNoAudio = errors.New("tts returned no audio")

type SpeechRequest struct {
	Text         string `json:"text"`
	VoiceID      string `json:"voice_id"`
	ModelID      string `json:"model_id"`
	OutputFormat string `json:"output_format"`
}

type speechResponse struct {
	Success  bool   `json:"success"`
	AudioURL string `json:"audio_url"`
	Error    string `json:"error,omitempty"`
}

// SynthesizeSpeech returns base64 audio for the text. A data URI answer is
// decoded in place; an http(s) URL is downloaded and encoded.
func (c *FunctionsClient) SynthesizeSpeech(ctx context.Context, req SpeechRequest) (string, error) {
	var resp speechResponse
	if err := c.Invoke(ctx, c.config.Names.TTS, req, &resp); err != nil {
		return "", err
	}
	if !resp.Success || resp.AudioURL == "" {
		if resp.Error != "" {
			return "", fmt.Errorf("%w: %s", ErrNoAudio, resp.Error)
		}
		return "", ErrNoAudio
	}
	return c.audioBase64(ctx, resp.AudioURL)
}

func (c *FunctionsClient) audioBase64(ctx context.Context, audioURL string) (string, error) {
	if strings.HasPrefix(audioURL, "data:") {
		return base64FromDataURI(audioURL)
	}
	if !strings.HasPrefix(audioURL, "http://") && !strings.HasPrefix(audioURL, "https://") {
		return "", fmt.Errorf("%w: unsupported audio url", ErrNoAudio)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(audioURL)
	req.Header.SetMethod(fasthttp.MethodGet)

	deadline := time.Now().Add(c.config.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return "", fmt.Errorf("audio download failed: %w", err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return "", fmt.Errorf("audio download failed: status %d", resp.StatusCode())
	}
	if len(resp.Body()) == 0 {
		return "", ErrNoAudio
	}
	return base64.StdEncoding.EncodeToString(resp.Body()), nil
}

// base64FromDataURI extracts the payload of a data:...;base64, URI.
func base64FromDataURI(uri string) (string, error) {
	header, payload, ok := strings.Cut(uri, ",")
	if !ok || !strings.HasSuffix(header, ";base64") {
		return "", fmt.Errorf("%w: malformed data uri", ErrNoAudio)
	}
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return "", ErrNoAudio
	}
	if _, err := base64.StdEncoding.DecodeString(payload); err != nil {
		return "", fmt.Errorf("%w: invalid base64 audio: %v", ErrNoAudio, err)
	}
	return payload, nil
}
