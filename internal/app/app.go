// Package app turns a loaded config into the components the binaries run.
package app

import (
	"context"
	"os"
	"strings"

	"github.com/klamai/proposal-dispatch/internal/assistant"
	"github.com/klamai/proposal-dispatch/internal/config"
	"github.com/klamai/proposal-dispatch/internal/gateways"
	"github.com/klamai/proposal-dispatch/internal/lock"
	"github.com/klamai/proposal-dispatch/internal/queue"
	"github.com/klamai/proposal-dispatch/internal/repository"
	"github.com/klamai/proposal-dispatch/internal/services"
	"github.com/klamai/proposal-dispatch/pkg/logger"
	"github.com/klamai/proposal-dispatch/pkg/pg"
	"github.com/klamai/proposal-dispatch/pkg/prom"
	"github.com/klamai/proposal-dispatch/pkg/redis"
)

// ArgValue returns the value of a --name=value argument, or "".
func ArgValue(args []string, name string) string {
	prefix := "--" + name + "="
	for _, v := range args {
		if strings.HasPrefix(v, prefix) {
			return strings.TrimPrefix(v, prefix)
		}
	}
	return ""
}

// EnvPath returns the --env file when it exists.
func EnvPath(args []string) string {
	path := ArgValue(args, "env")
	if path == "" {
		return ""
	}
	if _, err := os.Stat(path); err != nil {
		logger.Error("failed to open the passed env file", "path", path, "error", err)
		return ""
	}
	return path
}

func PostgresRead(c *config.Config) pg.Config {
	return pg.Config{
		User:     c.PostgresReadUser,
		Host:     c.PostgresReadHost,
		Port:     c.PostgresReadPort,
		Password: c.PostgresReadPassword,
		Database: c.PostgresReadDatabase,
		SSLMode:  c.PostgresSSLMode,
	}
}

func PostgresWrite(c *config.Config) pg.Config {
	return pg.Config{
		User:     c.PostgresWriteUser,
		Host:     c.PostgresWriteHost,
		Port:     c.PostgresWritePort,
		Password: c.PostgresWritePassword,
		Database: c.PostgresWriteDatabase,
		SSLMode:  c.PostgresSSLMode,
	}
}

func OpenPostgres(c *config.Config) (*pg.DB, error) {
	return pg.CreateReadWrite(PostgresRead(c), PostgresWrite(c), c.AppEnv == "dev")
}

// OpenRedis connects the default adapter. It returns nil without error when
// REDIS_ADDR is unset; callers then run without lock and queue.
func OpenRedis(c *config.Config) (redis.RedisAdapter, error) {
	if c.RedisAddr == "" {
		return nil, nil
	}
	return redis.NewRedisAdapter("default", c.RedisUniversalKeyPrefix, &redis.Options{
		Addrs:      []string{c.RedisAddr},
		ClientName: c.AppName,
		DB:         c.RedisDatabase,
		Username:   c.RedisUsername,
		Password:   c.RedisPassword,
	})
}

func AssistantConfig(c *config.Config) assistant.Config {
	return assistant.Config{
		APIKey:         c.OpenAIAPIKey,
		BaseURL:        c.OpenAIBaseURL,
		AssistantID:    c.OpenAIAssistantID,
		ChatModel:      c.OpenAIChatModel,
		PollInterval:   c.AssistantPollInterval,
		MaxWait:        c.AssistantMaxWait,
		RequestTimeout: c.OpenAIRequestTimeout,
	}
}

func FunctionsConfig(c *config.Config) gateway.Config {
	return gateway.Config{
		BaseURL: c.SupabaseURL,
		AnonKey: c.SupabaseAnonKey,
		Timeout: c.FunctionTimeout,
		Names: gateway.FunctionNames{
			SendWhatsApp:    c.FunctionSendWhatsApp,
			TTS:             c.FunctionTTS,
			CheckoutByToken: c.FunctionCheckoutByToken,
			CheckoutByCase:  c.FunctionCheckoutByCase,
		},
		MessagingRPS:   c.MessagingRPS,
		MessagingBurst: c.MessagingBurst,
		Breaker: gateway.BreakerConfig{
			MaxRequests:  c.BreakerMaxRequests,
			Interval:     c.BreakerInterval,
			OpenTimeout:  c.BreakerOpenTimeout,
			FailureRatio: c.BreakerFailureRatio,
			MinRequests:  c.BreakerMinRequests,
		},
	}
}

func DispatchConfig(c *config.Config) services.DispatchConfig {
	dc := services.DispatchConfig{
		SiteURL:            c.SiteURL,
		LawyerName:         c.LawyerName,
		VoiceID:            c.ElevenLabsVoiceID,
		TTSModelID:         c.ElevenLabsModelID,
		TTSOutputFormat:    c.ElevenLabsOutputFormat,
		EnhancementTimeout: c.EnhancementTimeout,
	}
	if c.HasOfficeLocation() {
		dc.Office = &gateway.Location{
			Latitude:  c.OfficeLatitude,
			Longitude: c.OfficeLongitude,
			Name:      c.OfficeName,
			Address:   c.OfficeAddress,
		}
	}
	return dc
}

func QueueConfig(c *config.Config) queue.Config {
	return queue.Config{
		Name:              c.QueueName,
		ConsumerGroup:     c.QueueConsumerGroup,
		ConsumerName:      c.QueueConsumerName,
		MaxDeliveries:     c.QueueMaxDeliveries,
		VisibilityTimeout: c.QueueVisibility,
		PollInterval:      c.QueuePollInterval,
		BatchSize:         c.QueueBatchSize,
		MaxLen:            c.QueueMaxLen,
		EnableDLQ:         c.QueueEnableDLQ,
	}
}

// NewDispatcher builds the pipeline over db and, when rds is set, a Redis
// per-case lock.
func NewDispatcher(c *config.Config, db *pg.DB, rds redis.RedisAdapter) *services.Dispatcher {
	var locker lock.Locker = lock.Noop{}
	if rds != nil {
		locker = lock.NewRedisLocker(rds, c.DispatchLockTTL)
	}
	return services.NewDispatcher(
		repository.NewCaseRepository(db),
		repository.NewProposalRepository(db),
		repository.NewProposalTokenRepository(db),
		assistant.NewClient(AssistantConfig(c)),
		gateway.NewFunctionsClient(FunctionsConfig(c)),
		locker,
		DispatchConfig(c),
	)
}

// StaffRoles splits AUTH_STAFF_ROLES on "|".
func StaffRoles(c *config.Config) []string {
	var roles []string
	for _, r := range strings.Split(c.AuthStaffRoles, "|") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	return roles
}

// NewTokenService builds the token lookup and revoke service over db.
func NewTokenService(db *pg.DB) *services.TokenService {
	return services.NewTokenService(
		repository.NewProposalTokenRepository(db),
		repository.NewProposalRepository(db),
		repository.NewCaseRepository(db),
	)
}

// StartMetrics registers the collectors and serves /metrics in the
// background.
func StartMetrics(c *config.Config) error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if err := prom.Create(hostname, c.AppEnv, c.PromNamespace); err != nil {
		return err
	}
	go prom.ListenAndServer(c.PromListenAddr, "/metrics")
	return nil
}

type redisPinger struct {
	adapter redis.RedisAdapter
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.adapter.Client().Ping(ctx).Err()
}

// HealthService checks Postgres and, when configured, Redis.
func HealthService(db *pg.DB, rds redis.RedisAdapter) *services.HealthService {
	deps := map[string]services.Pinger{"postgres": db}
	if rds != nil {
		deps["redis"] = redisPinger{rds}
	}
	return services.NewHealthService(deps)
}
