package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/config"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/models"
)

// TrainSample is one feature/target pair handed to a backend.
type TrainSample struct {
	Features map[string]float64 `json:"features"`
	Target   json.RawMessage    `json:"target"`
}

// TrainRequest describes one training run.
type TrainRequest struct {
	ModelType models.ModelType `json:"model_type"`
	Samples   []TrainSample    `json:"samples"`
	Seed      int64            `json:"seed"`
}

// TrainResult is the artifact and metrics produced by a backend.
type TrainResult struct {
	Algorithm          string          `json:"algorithm"`
	Artifact           json.RawMessage `json:"artifact"`
	FeaturesUsed       []string        `json:"features_used"`
	TrainingAccuracy   float64         `json:"training_accuracy"`
	ValidationAccuracy float64         `json:"validation_accuracy"`
}

// TrainingBackend fits a model from prepared samples. Implementations must
// be deterministic for a fixed request, seed included.
type TrainingBackend interface {
	Train(ctx context.Context, req TrainRequest) (*TrainResult, error)
}

// RetryPolicy bounds retries of an external call with exponential backoff.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	Multiplier     float64
}

// RetryPolicyFromConfig builds a policy from the config tree.
func RetryPolicyFromConfig(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		Multiplier:     cfg.Multiplier,
	}
}

// Do runs fn up to MaxAttempts times, backing off between attempts. The
// context cancels the wait, not just the call.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.InitialBackoff
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * p.Multiplier)
	}
	return fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

// HTTPBackend delegates training to an external model service
type HTTPBackend struct {
	url     string
	client  *http.Client
	retry   RetryPolicy
}

// NewHTTPBackend creates a backend client with bounded timeout and retries
func NewHTTPBackend(url string, timeout time.Duration, retry RetryPolicy) *HTTPBackend {
	return &HTTPBackend{
		url:    url,
		client: &http.Client{Timeout: timeout},
		retry:  retry,
	}
}

func (b *HTTPBackend) Train(ctx context.Context, req TrainRequest) (*TrainResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal training request: %w", err)
	}

	var result TrainResult
	err = b.retry.Do(ctx, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url+"/train", bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := b.client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("training backend unreachable: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("training backend returned %d: %s", resp.StatusCode, string(data))
		}
		return json.NewDecoder(resp.Body).Decode(&result)
	})
	if err != nil {
		return nil, err
	}
	if len(result.Artifact) == 0 {
		return nil, errors.New("training backend returned empty artifact")
	}
	return &result, nil
}
