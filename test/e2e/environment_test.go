package e2e

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/klamai/proposal-dispatch/internal/app"
	"github.com/klamai/proposal-dispatch/internal/config"
	"github.com/klamai/proposal-dispatch/internal/model"
	"github.com/klamai/proposal-dispatch/internal/repository"
	"github.com/klamai/proposal-dispatch/internal/services"
	"github.com/klamai/proposal-dispatch/pkg/pg"
	"github.com/klamai/proposal-dispatch/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const assistantReply = `{"mensaje_whatsapp":"Hola Ana, ya tienes tu propuesta: (#)","analisis_caso":"# Análisis\n\nDespido improcedente."}`

type sentMessage struct {
	Type     string         `json:"tipo"`
	Number   string         `json:"numero"`
	Text     string         `json:"texto"`
	Audio    string         `json:"audio_base64"`
	Location map[string]any `json:"ubicacion"`
	Auth     string         `json:"-"`
}

// upstream fakes the assistant API and the hosted functions on one server.
type upstream struct {
	t *testing.T

	mu       sync.Mutex
	sent     []sentMessage
	failSend bool
}

func (u *upstream) messages() []sentMessage {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]sentMessage(nil), u.sent...)
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	path := r.URL.Path
	switch {
	case r.Method == http.MethodPost && path == "/v1/threads":
		_, _ = w.Write([]byte(`{"id":"thread_e2e"}`))
	case r.Method == http.MethodPost && path == "/v1/threads/thread_e2e/messages":
		_, _ = w.Write([]byte(`{"id":"msg_user"}`))
	case r.Method == http.MethodPost && path == "/v1/threads/thread_e2e/runs":
		_, _ = w.Write([]byte(`{"id":"run_e2e","status":"queued"}`))
	case r.Method == http.MethodGet && path == "/v1/threads/thread_e2e/runs/run_e2e":
		_, _ = w.Write([]byte(`{"id":"run_e2e","status":"completed"}`))
	case r.Method == http.MethodGet && path == "/v1/threads/thread_e2e/messages":
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{
			map[string]any{"role": "assistant", "content": []any{
				map[string]any{"type": "text", "text": map[string]string{"value": assistantReply}},
			}},
		}})
	case r.Method == http.MethodPost && path == "/v1/chat/completions":
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Hola Ana, te resumimos tu propuesta."}}]}`))
	case r.Method == http.MethodPost && path == "/functions/v1/elevenlabs-tts":
		audio := base64.StdEncoding.EncodeToString([]byte("mp3"))
		_, _ = w.Write([]byte(`{"success":true,"audio_url":"data:audio/mpeg;base64,` + audio + `"}`))
	case r.Method == http.MethodPost && path == "/functions/v1/send-whatsapp-message":
		var msg sentMessage
		require.NoError(u.t, json.NewDecoder(r.Body).Decode(&msg))
		msg.Auth = r.Header.Get("Authorization")

		u.mu.Lock()
		fail := u.failSend && msg.Type == "texto"
		if !fail {
			u.sent = append(u.sent, msg)
		}
		u.mu.Unlock()

		if fail {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"success":false,"error":"gateway down"}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true}`))
	case r.Method == http.MethodPost && strings.HasPrefix(path, "/functions/v1/create-checkout"):
		_, _ = w.Write([]byte(`{"url":"https://pay.klamai.test/session/1"}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type environment struct {
	cfg        *config.Config
	db         *pg.DB
	redis      *miniredis.Miniredis
	adapter    redis.RedisAdapter
	upstream   *upstream
	dispatcher *services.Dispatcher
	cases      *repository.CaseRepository
	proposals  *repository.ProposalRepository
	tokens     *repository.ProposalTokenRepository
}

func setupEnvironment(t *testing.T) *environment {
	t.Helper()

	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, repository.AutoMigrate(gdb))
	db := pg.Wrap(gdb)

	mr := miniredis.RunT(t)
	adapter, err := redis.NewRedisAdapter(t.Name()+"-"+mr.Addr(), "", &goredis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)

	up := &upstream{t: t}
	srv := httptest.NewServer(up)
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		AppEnv:                  "test",
		OpenAIAPIKey:            "sk-test",
		OpenAIBaseURL:           srv.URL,
		OpenAIAssistantID:       "asst_proposal",
		OpenAIChatModel:         "gpt-4o-mini",
		OpenAIRequestTimeout:    2 * time.Second,
		AssistantPollInterval:   10 * time.Millisecond,
		AssistantMaxWait:        2 * time.Second,
		SupabaseURL:             srv.URL,
		SupabaseAnonKey:         "anon",
		SupabaseJWTSecret:       jwtSecret,
		AuthStaffRoles:          "service_role|admin",
		FunctionTimeout:         2 * time.Second,
		FunctionSendWhatsApp:    "send-whatsapp-message",
		FunctionTTS:             "elevenlabs-tts",
		FunctionCheckoutByToken: "create-checkout-by-proposal-token",
		FunctionCheckoutByCase:  "create-checkout-by-case",
		MessagingRPS:            1000,
		MessagingBurst:          10,
		SiteURL:                 "https://klamai.test",
		LawyerName:              "el equipo de Klamai",
		ElevenLabsVoiceID:       "voice-1",
		ElevenLabsModelID:       "eleven_multilingual_v2",
		ElevenLabsOutputFormat:  "mp3_44100_128",
		OfficeLatitude:          40.4168,
		OfficeLongitude:         -3.7038,
		OfficeName:              "Klamai",
		OfficeAddress:           "Calle Mayor 1, Madrid",
		EnhancementTimeout:      2 * time.Second,
		DispatchLockTTL:         time.Minute,
		QueueName:               "e2e:dispatch",
		QueueConsumerGroup:      "dispatchers",
		QueueConsumerName:       "e2e",
		QueuePollInterval:       10 * time.Millisecond,
		QueueBatchSize:          10,
		QueueVisibility:         time.Minute,
		QueueMaxDeliveries:      3,
		QueueEnableDLQ:          true,
		QueueProcessedTTL:       time.Hour,
		WorkerCount:             2,
		WorkerBufferSize:        4,
	}

	return &environment{
		cfg:        cfg,
		db:         db,
		redis:      mr,
		adapter:    adapter,
		upstream:   up,
		dispatcher: app.NewDispatcher(cfg, db, adapter),
		cases:      repository.NewCaseRepository(db),
		proposals:  repository.NewProposalRepository(db),
		tokens:     repository.NewProposalTokenRepository(db),
	}
}

func ptr(s string) *string { return &s }

// seedAna stores the case of Ana Gómez, ready for a proposal.
func (e *environment) seedAna(t *testing.T, id string) *model.Case {
	t.Helper()
	c, err := e.cases.Create(context.Background(), &model.Case{
		ID:                 id,
		ConsultationReason: "despido improcedente",
		DraftFirstName:     ptr("Ana"),
		DraftLastName:      ptr("Gómez"),
		DraftPhone:         ptr("+34600111222"),
		DraftEmail:         ptr("ana@example.com"),
		Status:             model.CaseStatusReadyForProposal,
	})
	require.NoError(t, err)
	return c
}
