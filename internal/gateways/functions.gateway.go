package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/klamai/proposal-dispatch/pkg/logger"
	"github.com/klamai/proposal-dispatch/pkg/prom"
	"github.com/sony/gobreaker"
	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"
)

var (
	ErrFunctionFailed = errors.New("function call failed")
	ErrBreakerOpen    = errors.New("function circuit open")
)

type FunctionNames struct {
	SendWhatsApp    string
	TTS             string
	CheckoutByToken string
	CheckoutByCase  string
}

type BreakerConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	OpenTimeout  time.Duration
	FailureRatio float64
	MinRequests  uint32
}

type Config struct {
	BaseURL        string
	AnonKey        string
	Timeout        time.Duration
	Names          FunctionNames
	MessagingRPS   float64
	MessagingBurst int
	Breaker        BreakerConfig
}

// FunctionError is a non-2xx answer, or an explicit failure body, from a
// serverless function.
type FunctionError struct {
	Function string
	Code     int
	Body     string
}

func (e *FunctionError) Error() string {
	return fmt.Sprintf("function %s: status %d, body: %s", e.Function, e.Code, e.Body)
}

func (e *FunctionError) Unwrap() error {
	return ErrFunctionFailed
}

// FunctionsClient invokes the hosted serverless functions. Each function has
// its own circuit breaker; the messaging function is additionally paced by a
// token bucket. Calls are never retried.
type FunctionsClient struct {
	config   Config
	http     *fasthttp.Client
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	limiter  *rate.Limiter
}

func NewFunctionsClient(config Config) *FunctionsClient {
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MessagingRPS <= 0 {
		config.MessagingRPS = 5
	}
	if config.MessagingBurst <= 0 {
		config.MessagingBurst = 1
	}

	c := &FunctionsClient{
		config: config,
		http: &fasthttp.Client{
			Name:                "proposal-dispatch",
			ReadTimeout:         config.Timeout,
			WriteTimeout:        config.Timeout,
			MaxIdleConnDuration: 60 * time.Second,
			MaxConnsPerHost:     64,
			// TTS answers can carry a whole audio clip inline
			MaxResponseBodySize: 32 * 1024 * 1024,
		},
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		limiter:  rate.NewLimiter(rate.Limit(config.MessagingRPS), config.MessagingBurst),
	}
	keys := []string{config.Names.TTS, config.Names.CheckoutByToken, config.Names.CheckoutByCase}
	if config.Names.SendWhatsApp != "" {
		for _, t := range []MessageType{MessageText, MessageAudio, MessageLocation} {
			keys = append(keys, config.Names.SendWhatsApp+":"+string(t))
		}
	}
	for _, key := range keys {
		if key != "" {
			c.breakers[key] = newBreaker(key, config.Breaker)
		}
	}

	logger.Info("functions client initialized", "base_url", config.BaseURL, "breakers", len(c.breakers), "messaging_rps", config.MessagingRPS)
	return c
}

func newBreaker(name string, bc BreakerConfig) *gobreaker.CircuitBreaker {
	minRequests := bc.MinRequests
	if minRequests == 0 {
		minRequests = 5
	}
	ratio := bc.FailureRatio
	if ratio <= 0 {
		ratio = 0.6
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     bc.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= ratio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("function circuit state changed", "function", name, "from", from.String(), "to", to.String())
		},
	})
}

// Invoke posts payload to the named function and decodes a JSON answer into
// out when out is not nil.
func (c *FunctionsClient) Invoke(ctx context.Context, function string, payload, out any) error {
	return c.invoke(ctx, function, function, payload, out)
}

// invoke runs the call behind the breaker registered under breakerKey.
func (c *FunctionsClient) invoke(ctx context.Context, function, breakerKey string, payload, out any) error {
	breaker := c.breaker(breakerKey)

	start := time.Now()
	body, err := breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, function, payload)
	})

	outcome := "ok"
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		outcome = "breaker_open"
		err = fmt.Errorf("%w: %s: %v", ErrBreakerOpen, function, err)
	case err != nil:
		outcome = "error"
	}
	prom.ObserveCollaboratorCall(function, outcome, time.Since(start).Seconds())
	if err != nil {
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body.([]byte), out); err != nil {
		return fmt.Errorf("function %s: failed to unmarshal response: %w", function, err)
	}
	return nil
}

func (c *FunctionsClient) breaker(key string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[key]
	if !ok {
		b = newBreaker(key, c.config.Breaker)
		c.breakers[key] = b
	}
	return b
}

func (c *FunctionsClient) post(ctx context.Context, function string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	bearer := BearerFromContext(ctx)
	if bearer == "" {
		bearer = c.config.AnonKey
	}

	req.SetRequestURI(c.config.BaseURL + "/functions/v1/" + function)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("apikey", c.config.AnonKey)
	req.SetBody(data)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(c.config.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("function %s: request failed: %w", function, err)
	}

	status := resp.StatusCode()
	if status < 200 || status >= 300 {
		return nil, &FunctionError{Function: function, Code: status, Body: truncate(string(resp.Body()), 512)}
	}

	result := make([]byte, len(resp.Body()))
	copy(result, resp.Body())
	return result, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
