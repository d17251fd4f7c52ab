package airtable

import (
	"context"

	backoff "github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"github.com/dedet2/crmsync/internal/retry"
)

// NewClientWithRetry creates a client and validates the API key with retry
// logic, so transient startup failures do not kill the process.
func NewClientWithRetry(ctx context.Context, apiKey, baseID string, opts ...Option) (*Client, error) {
	config := retry.AirtableDefaults()

	var client *Client
	err := retry.WithOperation(ctx, config, func() error {
		client = NewClient(apiKey, baseID, opts...)
		return client.ValidateAPIKey(ctx)
	}, "airtable connect")

	if err != nil {
		logrus.WithError(err).Error("Failed to validate Airtable API key after all retries")
		return nil, err
	}

	return client, nil
}

// RetryOperation retries an Airtable operation with exponential backoff.
// Non-retryable API errors fail immediately so the caller can record them as
// per-record failures instead of burning retries. Rate-limit waits live in
// the request layer, so a surfaced 429 is not retried here either.
func RetryOperation(ctx context.Context, operation func() error, operationName string) error {
	config := retry.AirtableDefaults()
	return backoff.Do(ctx, config.CreateBackoff(), func(context.Context) error {
		err := operation()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) || IsRateLimited(err) {
			return err
		}
		logrus.WithError(err).
			WithField("operation", operationName).
			Warn("Operation failed, retrying...")
		return backoff.RetryableError(err)
	})
}
