package services

import (
	"encoding/json"
	"strings"
)

const maxOutputDepth = 4

// decodedReply is what could be read out of the assistant text. HasMessage
// is false when the text was JSON without a mensaje_whatsapp string.
type decodedReply struct {
	Message    string
	Analysis   string
	HasMessage bool
}

// decodeAssistantReply reads the assistant text, trying in order: fenced or
// bare JSON, the first element of a JSON array, a nested output field given
// as a JSON string or an object. Text that is not JSON is the message
// itself.
func decodeAssistantReply(raw string) decodedReply {
	text := strings.TrimSpace(raw)
	obj, ok := parseObject(stripFence(text))
	if !ok {
		return decodedReply{Message: text, HasMessage: text != ""}
	}

	for depth := 0; depth < maxOutputDepth; depth++ {
		next, ok := outputOf(obj)
		if !ok {
			break
		}
		obj = next
	}

	msg, hasMsg := stringField(obj, "mensaje_whatsapp")
	analysis, _ := stringField(obj, "analisis_caso")
	return decodedReply{
		Message:    strings.TrimSpace(msg),
		Analysis:   strings.TrimSpace(analysis),
		HasMessage: hasMsg && strings.TrimSpace(msg) != "",
	}
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// drop the language tag line
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// parseObject decodes s as a JSON object, or as an array whose first element
// is an object.
func parseObject(s string) (map[string]any, bool) {
	if s == "" || (s[0] != '{' && s[0] != '[') {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	return asObject(v)
}

func asObject(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case []any:
		if len(t) == 0 {
			return nil, false
		}
		obj, ok := t[0].(map[string]any)
		return obj, ok
	}
	return nil, false
}

func outputOf(obj map[string]any) (map[string]any, bool) {
	out, ok := obj["output"]
	if !ok {
		return nil, false
	}
	if s, isString := out.(string); isString {
		return parseObject(stripFence(strings.TrimSpace(s)))
	}
	return asObject(out)
}

func stringField(obj map[string]any, key string) (string, bool) {
	s, ok := obj[key].(string)
	return s, ok
}

// normalizedReply is the final text pair that gets persisted and sent.
type normalizedReply struct {
	Message  string
	Analysis string
}

// normalizeReply turns the assistant text into the message to send. An
// empty reply falls back to the template. A JSON reply without a
// mensaje_whatsapp string is sent as raw text with no analysis. The (#)
// placeholder becomes the view URL; ctaURL, when not empty, is appended
// unless already present.
func normalizeReply(raw, fallback, viewURL, ctaURL string) normalizedReply {
	var out normalizedReply
	if strings.TrimSpace(raw) == "" {
		out.Message = fallback
	} else {
		d := decodeAssistantReply(raw)
		out.Message = d.Message
		out.Analysis = d.Analysis
		if !d.HasMessage {
			out.Message = strings.TrimSpace(raw)
			out.Analysis = ""
		}
	}

	out.Message = replacePlaceholder(out.Message, viewURL)
	out.Analysis = replacePlaceholder(out.Analysis, viewURL)
	out.Message = strings.TrimSpace(appendCTA(out.Message, ctaURL))
	return out
}
