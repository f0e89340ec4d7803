package camunda

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/zbc"

	"segmentation-workers/internal/common/config"
	apperrors "segmentation-workers/internal/common/errors"
	"segmentation-workers/internal/common/logger"
)

// Client wraps the Zeebe gRPC client with a topology health check.
type Client struct {
	client  zbc.Client
	timeout time.Duration
}

// RetryConfig defines retry behavior for transient failures.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

var DefaultRetryConfig = RetryConfig{
	MaxRetries: 10,
	BaseDelay:  2 * time.Second,
	MaxDelay:   30 * time.Second,
}

// NewClient connects to the broker, retrying while the gateway is not yet
// reachable.
func NewClient(ctx context.Context, cfg config.CamundaConfig, retry RetryConfig, log logger.Logger) (*Client, error) {
	c := &Client{timeout: 10 * time.Second}

	err := Retry(ctx, retry, log, "Zeebe client initialization", func(ctx context.Context) error {
		zc, err := zbc.NewClient(&zbc.ClientConfig{
			GatewayAddress:         cfg.BrokerAddress,
			UsePlaintextConnection: true,
		})
		if err != nil {
			return err
		}
		c.client = zc
		if err := c.HealthCheck(ctx); err != nil {
			_ = zc.Close()
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Zeebe broker at %s: %w", cfg.BrokerAddress, err)
	}
	return c, nil
}

// GetClient returns the raw Zeebe client for job workers.
func (c *Client) GetClient() zbc.Client {
	return c.client
}

func (c *Client) Close() error {
	return c.client.Close()
}

// HealthCheck asks the gateway for its topology.
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if _, err := c.client.NewTopologyCommand().Send(ctx); err != nil {
		return fmt.Errorf("zeebe health check failed: %w", err)
	}
	return nil
}

// Retry runs op with exponential backoff until it succeeds, returns an error
// that is not transient, or runs out of attempts.
func Retry(ctx context.Context, cfg RetryConfig, log logger.Logger, name string, op func(context.Context) error) error {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	delay := cfg.BaseDelay

	var err error
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if !IsTransient(err) || attempt == cfg.MaxRetries {
			break
		}

		log.Warn(name+" failed, retrying", map[string]interface{}{
			"error":       err,
			"attempt":     attempt,
			"maxRetries":  cfg.MaxRetries,
			"nextRetryIn": delay.String(),
		})
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s cancelled after %d attempts: %w", name, attempt, ctx.Err())
		}

		delay *= 2
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return fmt.Errorf("%s failed: %w", name, err)
}

var transientPhrases = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"deadline exceeded",
	"unavailable",
	"unreachable",
	"broken pipe",
	"no such host",
	"i/o timeout",
	"eof",
	"the database system is starting up",
	"loading",
}

// IsTransient reports whether err looks like a dependency that is still
// coming up. Standard errors are judged by their code.
func IsTransient(err error) bool {
	if stdErr, ok := apperrors.AsStandardError(err); ok {
		return apperrors.IsRetryableErrorCode(stdErr.Code)
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range transientPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}
