package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/klamai/proposal-dispatch/pkg/logger"
	"github.com/klamai/proposal-dispatch/pkg/redis"
)

var ErrAlreadyProcessed = errors.New("job already processed")

type IdempotencyConfig struct {
	ProcessedTTL       time.Duration
	ProcessedKeyPrefix string
}

func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{
		ProcessedTTL:       24 * time.Hour,
		ProcessedKeyPrefix: "dispatch-processed:",
	}
}

// IdempotencyService marks job ids as taken so each async dispatch runs at
// most once while the marker lives.
type IdempotencyService struct {
	redis  redis.RedisAdapter
	config IdempotencyConfig
}

func NewIdempotencyService(adapter redis.RedisAdapter, config IdempotencyConfig) *IdempotencyService {
	if config.ProcessedTTL <= 0 {
		config.ProcessedTTL = DefaultIdempotencyConfig().ProcessedTTL
	}
	if config.ProcessedKeyPrefix == "" {
		config.ProcessedKeyPrefix = DefaultIdempotencyConfig().ProcessedKeyPrefix
	}
	return &IdempotencyService{redis: adapter, config: config}
}

// Claim sets the processed marker for jobID before the job runs. It returns
// ErrAlreadyProcessed when the marker already exists.
func (s *IdempotencyService) Claim(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value := []byte(time.Now().UTC().Format(time.RFC3339))
	ok, err := s.redis.SetNX(s.config.ProcessedKeyPrefix+jobID, value, s.config.ProcessedTTL)
	if err != nil {
		return fmt.Errorf("claim job %s: %w", jobID, err)
	}
	if !ok {
		logger.Info("job already processed, skipping", "job_id", jobID)
		return ErrAlreadyProcessed
	}
	return nil
}
