package config

import (
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/klamai/proposal-dispatch/pkg/logger"
	"github.com/pkg/errors"
)

var config *Config

// Config holds every value the binaries read from the environment. Nothing
// else in the module touches os.Getenv; main builds this once and hands the
// relevant parts to constructors.
type Config struct {
	AppEnv  string `env:"APP_ENV,default=dev"`
	AppName string `env:"APP_NAME,default=proposal_dispatch"`

	HttpListenAddr        string        `env:"HTTP_LISTEN_ADDR,default=:8080"`
	HttpRequestTimeout    time.Duration `env:"HTTP_REQUEST_TIMEOUT,default=150s"`
	HttpServerReadTimeout time.Duration `env:"HTTP_SERVER_READ_TIMEOUT,default=10s"`
	HttpCompressLevel     int           `env:"HTTP_COMPRESS_LEVEL,default=4"`

	PostgresReadHost     string `env:"POSTGRES_READ_HOST"`
	PostgresReadPort     string `env:"POSTGRES_READ_PORT"`
	PostgresReadUser     string `env:"POSTGRES_READ_USER"`
	PostgresReadPassword string `env:"POSTGRES_READ_PASSWORD"`
	PostgresReadDatabase string `env:"POSTGRES_READ_DBNAME"`

	PostgresWriteHost     string `env:"POSTGRES_WRITE_HOST"`
	PostgresWritePort     string `env:"POSTGRES_WRITE_PORT"`
	PostgresWriteUser     string `env:"POSTGRES_WRITE_USER"`
	PostgresWritePassword string `env:"POSTGRES_WRITE_PASSWORD"`
	PostgresWriteDatabase string `env:"POSTGRES_WRITE_DBNAME"`
	PostgresSSLMode       string `env:"POSTGRES_SSLMODE,default=disable"`

	RedisAddr               string `env:"REDIS_ADDR"`
	RedisUsername           string `env:"REDIS_USER"`
	RedisPassword           string `env:"REDIS_PASS"`
	RedisDatabase           int    `env:"REDIS_DATABASE"`
	RedisUniversalKeyPrefix string `env:"REDIS_UNIVERSAL_KEY_PREFIX,default=proposal:"`

	PromListenAddr string `env:"PROM_LISTEN_ADDR,default=:9100"`
	PromNamespace  string `env:"PROM_NAMESPACE,default=proposal_dispatch"`

	QueueName          string        `env:"QUEUE_NAME,default=proposal-dispatch"`
	QueueConsumerGroup string        `env:"QUEUE_CONSUMER_GROUP,default=dispatchers"`
	QueueConsumerName  string        `env:"QUEUE_CONSUMER_NAME,default=dispatcher"`
	QueuePollInterval  time.Duration `env:"QUEUE_POLL_INTERVAL,default=1s"`
	QueueBatchSize     int64         `env:"QUEUE_BATCH_SIZE,default=10"`
	QueueMaxLen        int64         `env:"QUEUE_MAX_LEN,default=100000"`
	QueueProcessedTTL  time.Duration `env:"QUEUE_PROCESSED_TTL,default=24h"`
	QueueVisibility    time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT,default=5m"`
	QueueMaxDeliveries int64         `env:"QUEUE_MAX_DELIVERIES,default=3"`
	QueueEnableDLQ     bool          `env:"QUEUE_ENABLE_DLQ,default=true"`
	WorkerCount        int           `env:"WORKER_COUNT,default=8"`
	WorkerBufferSize   int           `env:"WORKER_BUFFER_SIZE,default=64"`

	OpenAIAPIKey          string        `env:"OPENAI_API_KEY"`
	OpenAIBaseURL         string        `env:"OPENAI_BASE_URL,default=https://api.openai.com"`
	OpenAIAssistantID     string        `env:"OPENAI_ASSISTANT_ID_PROPOSAL_WHATSAPP"`
	OpenAIChatModel       string        `env:"OPENAI_CHAT_MODEL,default=gpt-4o-mini"`
	OpenAIRequestTimeout  time.Duration `env:"OPENAI_REQUEST_TIMEOUT,default=30s"`
	AssistantPollInterval time.Duration `env:"ASSISTANT_POLL_INTERVAL,default=1s"`
	AssistantMaxWait      time.Duration `env:"ASSISTANT_MAX_WAIT,default=90s"`

	SupabaseURL     string        `env:"SUPABASE_URL"`
	SupabaseAnonKey string        `env:"SUPABASE_ANON_KEY"`
	FunctionTimeout time.Duration `env:"FUNCTION_TIMEOUT,default=30s"`

	// Without a secret every authenticated route answers 401.
	SupabaseJWTSecret string `env:"SUPABASE_JWT_SECRET"`
	AuthStaffRoles    string `env:"AUTH_STAFF_ROLES,default=service_role|admin"`

	FunctionSendWhatsApp    string `env:"FUNCTION_SEND_WHATSAPP,default=send-whatsapp-message"`
	FunctionTTS             string `env:"FUNCTION_TTS,default=elevenlabs-tts"`
	FunctionCheckoutByToken string `env:"FUNCTION_CHECKOUT_BY_TOKEN,default=create-checkout-by-proposal-token"`
	FunctionCheckoutByCase  string `env:"FUNCTION_CHECKOUT_BY_CASE,default=create-checkout-by-case"`

	MessagingRPS   float64 `env:"MESSAGING_RPS,default=5"`
	MessagingBurst int     `env:"MESSAGING_BURST,default=5"`

	BreakerMaxRequests  uint32        `env:"BREAKER_MAX_REQUESTS,default=1"`
	BreakerInterval     time.Duration `env:"BREAKER_INTERVAL,default=60s"`
	BreakerOpenTimeout  time.Duration `env:"BREAKER_OPEN_TIMEOUT,default=30s"`
	BreakerFailureRatio float64       `env:"BREAKER_FAILURE_RATIO,default=0.6"`
	BreakerMinRequests  uint32        `env:"BREAKER_MIN_REQUESTS,default=5"`

	SiteURL    string `env:"SITE_URL,default=https://klamai.com"`
	LawyerName string `env:"LAWYER_NAME,default=el equipo de Klamai"`

	ElevenLabsVoiceID      string `env:"ELEVENLABS_DEFAULT_VOICE_ID"`
	ElevenLabsModelID      string `env:"ELEVENLABS_MODEL_ID,default=eleven_multilingual_v2"`
	ElevenLabsOutputFormat string `env:"ELEVENLABS_OUTPUT_FORMAT,default=mp3_44100_128"`

	OfficeLatitude  float64 `env:"KLAMAI_OFFICE_LATITUDE"`
	OfficeLongitude float64 `env:"KLAMAI_OFFICE_LONGITUDE"`
	OfficeName      string  `env:"KLAMAI_OFFICE_NAME"`
	OfficeAddress   string  `env:"KLAMAI_OFFICE_ADDRESS"`

	EnhancementTimeout time.Duration `env:"ENHANCEMENT_TIMEOUT,default=45s"`
	DispatchLockTTL    time.Duration `env:"DISPATCH_LOCK_TTL,default=3m"`
}

func Load(path string) error {
	logger.Info("loading configs..", "path", path)
	c, err := Parse(path)
	if err != nil {
		return err
	}
	config = c
	return nil
}

// Parse reads an optional dotenv file into the process environment and maps
// the environment onto a fresh Config.
func Parse(path string) (*Config, error) {
	if path != "" {
		logger.Info("trying to publish env from file", "path", path)
		if err := godotenv.Load(path); err != nil {
			return nil, errors.Wrapf(err, "failed to load configuration file %s", path)
		}
	}

	c := &Config{}
	if _, err := env.UnmarshalFromEnviron(c); err != nil {
		return nil, errors.Wrap(err, "failed to map env variables to Configuration object")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	if c.AssistantPollInterval <= 0 {
		return errors.New("ASSISTANT_POLL_INTERVAL must be positive")
	}
	if c.AssistantMaxWait < c.AssistantPollInterval {
		return errors.New("ASSISTANT_MAX_WAIT must not be shorter than ASSISTANT_POLL_INTERVAL")
	}
	if c.MessagingRPS <= 0 {
		return errors.New("MESSAGING_RPS must be positive")
	}
	return nil
}

// HasOfficeLocation reports whether an office location is configured.
func (c *Config) HasOfficeLocation() bool {
	return c.OfficeName != "" || c.OfficeAddress != "" || c.OfficeLatitude != 0 || c.OfficeLongitude != 0
}

func Get() *Config {
	if config == nil {
		logger.Panic("Config is not initialized")
	}
	return config
}
