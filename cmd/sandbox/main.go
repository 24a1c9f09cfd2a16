package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// silentMP3 is a short valid MPEG frame header, enough for the voice note path.
var silentMP3 = []byte{0xFF, 0xFB, 0x90, 0x64, 0x00, 0x00, 0x00, 0x00}

type threadMessage struct {
	ID      string           `json:"id"`
	Role    string           `json:"role"`
	Content []messageContent `json:"content"`
}

type messageContent struct {
	Type string       `json:"type"`
	Text *messageText `json:"text,omitempty"`
}

type messageText struct {
	Value string `json:"value"`
}

type run struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	startedAt time.Time
}

type thread struct {
	messages []threadMessage
	runs     map[string]*run
}

type sentMessage struct {
	Type     string    `json:"tipo"`
	Number   string    `json:"numero"`
	Text     string    `json:"texto,omitempty"`
	HasAudio bool      `json:"has_audio"`
	Location any       `json:"ubicacion,omitempty"`
	SentAt   time.Time `json:"sent_at"`
}

// Sandbox stands in for the assistant API and the hosted functions so the
// dispatch pipeline can run locally end to end.
type Sandbox struct {
	failureRate float64
	runDelay    time.Duration
	siteURL     string
	rng         *rand.Rand

	mu      sync.Mutex
	threads map[string]*thread
	outbox  []sentMessage
}

func NewSandbox(failureRate float64, runDelay time.Duration, siteURL string) *Sandbox {
	return &Sandbox{
		failureRate: failureRate,
		runDelay:    runDelay,
		siteURL:     strings.TrimRight(siteURL, "/"),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		threads:     make(map[string]*thread),
	}
}

func (s *Sandbox) shouldFail() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < s.failureRate
}

func (s *Sandbox) CreateThread(c *gin.Context) {
	id := "thread_" + uuid.NewString()[:12]
	s.mu.Lock()
	s.threads[id] = &thread{runs: make(map[string]*run)}
	s.mu.Unlock()

	log.Info().Str("thread_id", id).Msg("Thread created")
	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (s *Sandbox) AddMessage(c *gin.Context) {
	var req struct {
		Role    string `json:"role" binding:"required"`
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": err.Error()}})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[c.Param("thread_id")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"message": "No thread found"}})
		return
	}
	msg := threadMessage{
		ID:      "msg_" + uuid.NewString()[:12],
		Role:    req.Role,
		Content: []messageContent{{Type: "text", Text: &messageText{Value: req.Content}}},
	}
	t.messages = append(t.messages, msg)
	c.JSON(http.StatusOK, msg)
}

func (s *Sandbox) CreateRun(c *gin.Context) {
	var req struct {
		AssistantID string `json:"assistant_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": err.Error()}})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[c.Param("thread_id")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"message": "No thread found"}})
		return
	}
	r := &run{ID: "run_" + uuid.NewString()[:12], Status: "queued", startedAt: time.Now()}
	t.runs[r.ID] = r

	log.Info().Str("thread_id", c.Param("thread_id")).Str("run_id", r.ID).Str("assistant_id", req.AssistantID).Msg("Run created")
	c.JSON(http.StatusOK, r)
}

// GetRun moves the run to completed once runDelay has passed and appends
// the assistant reply to the thread.
func (s *Sandbox) GetRun(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[c.Param("thread_id")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"message": "No thread found"}})
		return
	}
	r, ok := t.runs[c.Param("run_id")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"message": "No run found"}})
		return
	}

	if r.Status == "queued" || r.Status == "in_progress" {
		if time.Since(r.startedAt) < s.runDelay {
			r.Status = "in_progress"
		} else if s.rng.Float64() < s.failureRate {
			r.Status = "failed"
		} else {
			r.Status = "completed"
			t.messages = append(t.messages, s.assistantReply(t))
		}
	}
	c.JSON(http.StatusOK, r)
}

func (s *Sandbox) assistantReply(t *thread) threadMessage {
	prompt := ""
	if len(t.messages) > 0 && len(t.messages[len(t.messages)-1].Content) > 0 {
		prompt = t.messages[len(t.messages)-1].Content[0].Text.Value
	}
	reply, _ := json.Marshal(map[string]string{
		"mensaje_whatsapp": "Hola, hemos revisado tu consulta y preparado una propuesta. Puedes verla aquí: (#)",
		"analisis_caso":    fmt.Sprintf("## Análisis\n\nConsulta recibida con %d caracteres de contexto.", len(prompt)),
	})
	return threadMessage{
		ID:      "msg_" + uuid.NewString()[:12],
		Role:    "assistant",
		Content: []messageContent{{Type: "text", Text: &messageText{Value: "```json\n" + string(reply) + "\n```"}}},
	}
}

func (s *Sandbox) ListMessages(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[c.Param("thread_id")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"message": "No thread found"}})
		return
	}
	// newest first, as requested with order=desc
	data := make([]threadMessage, 0, len(t.messages))
	for i := len(t.messages) - 1; i >= 0; i-- {
		data = append(data, t.messages[i])
	}
	c.JSON(http.StatusOK, gin.H{"data": data})
}

func (s *Sandbox) ChatCompletion(c *gin.Context) {
	var req struct {
		Model    string `json:"model" binding:"required"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": err.Error()}})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"choices": []gin.H{{
			"message": gin.H{"role": "assistant", "content": "Hola, te dejamos un resumen de tu propuesta en este audio."},
		}},
	})
}

// Function serves every /functions/v1/{name} route.
func (s *Sandbox) Function(c *gin.Context) {
	name := c.Param("name")
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	if s.shouldFail() {
		log.Warn().Str("function", name).Msg("Simulated function failure")
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": "simulated upstream failure"})
		return
	}

	switch {
	case strings.Contains(name, "whatsapp"):
		s.sendWhatsApp(c, body)
	case strings.Contains(name, "tts"):
		c.JSON(http.StatusOK, gin.H{
			"success":   true,
			"audio_url": "data:audio/mpeg;base64," + base64.StdEncoding.EncodeToString(silentMP3),
		})
	case strings.Contains(name, "checkout"):
		ref, _ := body["token"].(string)
		if ref == "" {
			ref, _ = body["caso_id"].(string)
		}
		c.JSON(http.StatusOK, gin.H{"url": s.siteURL + "/checkout/" + ref})
	default:
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "unknown function " + name})
	}
}

func (s *Sandbox) sendWhatsApp(c *gin.Context, body map[string]any) {
	msg := sentMessage{SentAt: time.Now()}
	msg.Type, _ = body["tipo"].(string)
	msg.Number, _ = body["numero"].(string)
	msg.Text, _ = body["texto"].(string)
	_, msg.HasAudio = body["audio_base64"]
	msg.Location = body["ubicacion"]

	if msg.Number == "" || msg.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "tipo and numero are required"})
		return
	}

	s.mu.Lock()
	s.outbox = append(s.outbox, msg)
	s.mu.Unlock()

	log.Info().
		Str("type", msg.Type).
		Str("number", msg.Number).
		Int("text_len", len(msg.Text)).
		Msg("WhatsApp message accepted")
	c.JSON(http.StatusOK, gin.H{"success": true, "id": uuid.NewString()})
}

// Outbox lists every WhatsApp message accepted so far.
func (s *Sandbox) Outbox(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"messages": s.outbox})
}

func (s *Sandbox) UpdateConfig(c *gin.Context) {
	var config struct {
		FailureRate *float64 `json:"failure_rate"`
		RunDelay    *string  `json:"run_delay"`
	}
	if err := c.ShouldBindJSON(&config); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if config.FailureRate != nil && *config.FailureRate >= 0 && *config.FailureRate <= 1 {
		s.failureRate = *config.FailureRate
		log.Info().Float64("rate", s.failureRate).Msg("Updated failure rate")
	}
	if config.RunDelay != nil {
		if d, err := time.ParseDuration(*config.RunDelay); err == nil {
			s.runDelay = d
			log.Info().Dur("run_delay", d).Msg("Updated run delay")
		}
	}
	c.JSON(http.StatusOK, gin.H{"failure_rate": s.failureRate, "run_delay": s.runDelay.String()})
}

func SetupRouter(s *Sandbox) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request processed")
	})

	v1 := router.Group("/v1")
	{
		v1.POST("/threads", s.CreateThread)
		v1.POST("/threads/:thread_id/messages", s.AddMessage)
		v1.GET("/threads/:thread_id/messages", s.ListMessages)
		v1.POST("/threads/:thread_id/runs", s.CreateRun)
		v1.GET("/threads/:thread_id/runs/:run_id", s.GetRun)
		v1.POST("/chat/completions", s.ChatCompletion)
	}

	router.POST("/functions/v1/:name", s.Function)
	router.GET("/sandbox/outbox", s.Outbox)
	router.PUT("/sandbox/config", s.UpdateConfig)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now()})
	})
	return router
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	gin.SetMode(gin.ReleaseMode)

	port := getEnv("PORT", "8081")
	failureRate := getEnvFloat("FAILURE_RATE", 0)
	runDelay := getEnvDuration("RUN_DELAY", 2*time.Second)
	siteURL := getEnv("SITE_URL", "http://localhost:"+port)

	log.Info().
		Str("port", port).
		Float64("failure_rate", failureRate).
		Dur("run_delay", runDelay).
		Msg("Starting dispatch sandbox")

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      SetupRouter(NewSandbox(failureRate, runDelay, siteURL)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var f float64
		if _, err := fmt.Sscanf(value, "%f", &f); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
