// Package retry wraps broker mutations with transient-error retry and
// jittered backoff. Submissions carry an idempotency tag, so resubmitting
// after a network failure cannot duplicate an order at the gateway.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/akramer/wheelhouse/internal/broker"
	"github.com/akramer/wheelhouse/internal/models"
)

type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

type Client struct {
	broker broker.Broker
	logger *log.Logger
	config Config
}

func NewClient(broker broker.Broker, logger *log.Logger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if logger == nil {
		logger = log.Default()
	}

	return &Client{
		broker: broker,
		logger: logger,
		config: cfg,
	}
}

// SubmitOrderWithRetry submits an order, retrying transient failures. The
// request must carry a Tag so the gateway deduplicates resubmissions.
func (c *Client) SubmitOrderWithRetry(ctx context.Context, req broker.OrderRequest) (*models.LiveOrder, error) {
	opCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if err := opCtx.Err(); err != nil {
			return nil, fmt.Errorf("submit operation timed out after %v: %w", c.config.Timeout, err)
		}

		order, err := c.broker.SubmitOrder(opCtx, req)
		if err == nil {
			if attempt > 0 {
				c.logger.Printf("Order for %s placed on attempt %d: %d", req.Key, attempt+1, order.ID)
			}
			return order, nil
		}

		lastErr = err
		c.logger.Printf("Submit attempt %d/%d for %s failed: %v", attempt+1, c.config.MaxRetries+1, req.Key, err)

		if !c.isTransientError(err) || attempt == c.config.MaxRetries {
			break
		}
		select {
		case <-time.After(backoff):
			backoff = c.calculateNextBackoff(backoff)
		case <-opCtx.Done():
			return nil, fmt.Errorf("submit operation timed out during backoff: %w", opCtx.Err())
		}
	}

	return nil, fmt.Errorf("failed to submit order for %s after %d attempts: %w", req.Key, c.config.MaxRetries+1, lastErr)
}

// CancelOrderWithRetry requests cancellation, retrying transient failures.
// Cancels are idempotent at the gateway: repeating one is harmless.
func (c *Client) CancelOrderWithRetry(ctx context.Context, orderID int) error {
	opCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if err := opCtx.Err(); err != nil {
			return fmt.Errorf("cancel operation timed out after %v: %w", c.config.Timeout, err)
		}

		err := c.broker.CancelOrder(opCtx, orderID)
		if err == nil {
			return nil
		}

		lastErr = err
		c.logger.Printf("Cancel attempt %d/%d for order %d failed: %v", attempt+1, c.config.MaxRetries+1, orderID, err)

		if !c.isTransientError(err) || attempt == c.config.MaxRetries {
			break
		}
		select {
		case <-time.After(backoff):
			backoff = c.calculateNextBackoff(backoff)
		case <-opCtx.Done():
			return fmt.Errorf("cancel operation timed out during backoff: %w", opCtx.Err())
		}
	}

	return fmt.Errorf("failed to cancel order %d after %d attempts: %w", orderID, c.config.MaxRetries+1, lastErr)
}

func (c *Client) calculateNextBackoff(currentBackoff time.Duration) time.Duration {
	backoff := time.Duration(float64(currentBackoff) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			log.Printf("Failed to generate jitter: %v", err)
		} else {
			jitter := time.Duration(jitterVal.Int64())
			backoff += jitter
		}
	}

	return backoff
}

func (c *Client) isTransientError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"429", // HTTP 429 Too Many Requests
		"502", // HTTP 502 Bad Gateway
		"503", // HTTP 503 Service Unavailable
		"504", // HTTP 504 Gateway Timeout
		"network",
		"dns",
		"tcp",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
