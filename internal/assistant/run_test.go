package assistant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOpenAI serves the thread/run endpoints. statuses is the sequence of run
// statuses returned by successive polls; the last one repeats.
type fakeOpenAI struct {
	t         *testing.T
	statuses  []RunStatus
	polls     atomic.Int32
	reply     string
	failPath  string
	gotPrompt atomic.Value
}

func (f *fakeOpenAI) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(f.t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(f.t, "assistants=v2", r.Header.Get("OpenAI-Beta"))

		if f.failPath != "" && strings.HasPrefix(r.Method+" "+r.URL.Path, f.failPath) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":{"message":"boom"}}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/threads":
			_, _ = w.Write([]byte(`{"id":"thread_1"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/v1/threads/thread_1/messages":
			var body chatMessage
			require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
			f.gotPrompt.Store(body.Content)
			_, _ = w.Write([]byte(`{"id":"msg_user"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/v1/threads/thread_1/runs":
			var body map[string]string
			require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(f.t, "asst_1", body["assistant_id"])
			_, _ = w.Write([]byte(`{"id":"run_1","status":"queued"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v1/threads/thread_1/runs/run_1":
			i := int(f.polls.Add(1)) - 1
			if i >= len(f.statuses) {
				i = len(f.statuses) - 1
			}
			_ = json.NewEncoder(w).Encode(Run{ID: "run_1", Status: f.statuses[i]})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/threads/thread_1/messages":
			assert.Equal(f.t, "desc", r.URL.Query().Get("order"))
			assert.Equal(f.t, "20", r.URL.Query().Get("limit"))
			list := messageList{Data: []Message{
				{Role: "assistant", Content: []MessageContent{{Type: "text", Text: &MessageText{Value: f.reply}}}},
				{Role: "user", Content: []MessageContent{{Type: "text", Text: &MessageText{Value: "prompt"}}}},
			}}
			_ = json.NewEncoder(w).Encode(list)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func newTestClient(url string, maxWait time.Duration) *Client {
	return NewClient(Config{
		APIKey:       "sk-test",
		BaseURL:      url,
		AssistantID:  "asst_1",
		PollInterval: 5 * time.Millisecond,
		MaxWait:      maxWait,
	})
}

func TestRun_Completed(t *testing.T) {
	fake := &fakeOpenAI{t: t, statuses: []RunStatus{RunInProgress, RunCompleted}, reply: "  {\"mensaje_whatsapp\":\"Hola\"}  "}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	text, err := newTestClient(srv.URL, time.Second).Run(context.Background(), "datos del caso", "instrucciones")
	require.NoError(t, err)
	assert.Equal(t, `{"mensaje_whatsapp":"Hola"}`, text)
	assert.Equal(t, "datos del caso\n\ninstrucciones", fake.gotPrompt.Load())
	assert.Equal(t, int32(2), fake.polls.Load())
}

func TestRun_TerminalStatusBecomesPhase(t *testing.T) {
	fake := &fakeOpenAI{t: t, statuses: []RunStatus{RunFailed}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	_, err := newTestClient(srv.URL, time.Second).Run(context.Background(), "x", "")
	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, "failed", runErr.Phase)
	assert.ErrorIs(t, err, ErrRunNotCompleted)
}

func TestRun_Timeout(t *testing.T) {
	fake := &fakeOpenAI{t: t, statuses: []RunStatus{RunInProgress}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	_, err := newTestClient(srv.URL, 50*time.Millisecond).Run(context.Background(), "x", "")
	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, PhaseRunTimeout, runErr.Phase)
	assert.ErrorIs(t, err, ErrRunTimeout)
}

func TestRun_CallerCancellationStopsPolling(t *testing.T) {
	fake := &fakeOpenAI{t: t, statuses: []RunStatus{RunQueued}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	_, err := newTestClient(srv.URL, time.Minute).Run(ctx, "x", "")
	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, PhaseRunTimeout, runErr.Phase)
}

func TestRun_PhaseOnVendorFailure(t *testing.T) {
	cases := map[string]string{
		"POST /v1/threads/thread_1/messages":  PhaseAddMessage,
		"POST /v1/threads/thread_1/runs":      PhaseRunCreate,
		"GET /v1/threads/thread_1/runs/run_1": PhaseRunPoll,
		"GET /v1/threads/thread_1/messages":   PhaseMessagesList,
		"POST /v1/threads":                    PhaseCreateThread,
	}
	for path, phase := range cases {
		t.Run(phase, func(t *testing.T) {
			fake := &fakeOpenAI{t: t, statuses: []RunStatus{RunCompleted}, reply: "ok", failPath: path}
			srv := httptest.NewServer(fake.handler())
			defer srv.Close()

			// the run starts queued, so polling always happens at least once
			_, err := newTestClient(srv.URL, time.Second).Run(context.Background(), "x", "")
			var runErr *RunError
			require.ErrorAs(t, err, &runErr)
			assert.Equal(t, phase, runErr.Phase)

			var statusErr *StatusError
			require.ErrorAs(t, err, &statusErr)
			assert.Equal(t, http.StatusInternalServerError, statusErr.Code)
		})
	}
}

func TestRun_NoTextMessage(t *testing.T) {
	fake := &fakeOpenAI{t: t, statuses: []RunStatus{RunCompleted}, reply: "   "}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	_, err := newTestClient(srv.URL, time.Second).Run(context.Background(), "x", "")
	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, PhaseNoText, runErr.Phase)
}

func TestFirstAssistantText(t *testing.T) {
	msgs := []Message{
		{Role: "user", Content: []MessageContent{{Type: "text", Text: &MessageText{Value: "pregunta"}}}},
		{Role: "assistant", Content: []MessageContent{
			{Type: "image_file"},
			{Type: "text", Text: &MessageText{Value: ""}},
			{Type: "text", Text: &MessageText{Value: " respuesta "}},
		}},
	}
	text, ok := FirstAssistantText(msgs)
	assert.True(t, ok)
	assert.Equal(t, "respuesta", text)

	_, ok = FirstAssistantText(msgs[:1])
	assert.False(t, ok)
}

func TestChatCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		var body chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o-mini", body.Model)
		require.Len(t, body.Messages, 2)
		assert.Equal(t, "system", body.Messages[0].Role)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":" Hola Ana. "}}]}`))
	}))
	defer srv.Close()

	text, err := newTestClient(srv.URL, time.Second).ChatCompletion(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, "Hola Ana.", text)
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	// "ñ" is two bytes; cutting at 2 would split it
	assert.Equal(t, "a", truncate("añb", 2))
	assert.Equal(t, "añ", truncate("añb", 3))
	assert.True(t, utf8.ValidString(truncate("€€€", 4)))
}
