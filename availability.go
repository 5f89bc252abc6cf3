package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// AvailabilityClient queries the product API for online availability.
type AvailabilityClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger

	maxFailures    int
	backoffInitial time.Duration
	backoffMax     time.Duration
	backoffFactor  float64
}

type productsResponse struct {
	Products []struct {
		SKU                int64  `json:"sku"`
		Name               string `json:"name"`
		OnlineAvailability bool   `json:"onlineAvailability"`
	} `json:"products"`
}

// statusError is a non-200 answer from the API.
type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

func NewAvailabilityClient(cfg AvailabilityConfig, apiKey string, logger *zap.Logger) *AvailabilityClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	return &AvailabilityClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.RequestTimeout) * time.Second,
		},
		// One request per interval, no bursts.
		limiter:        rate.NewLimiter(rate.Every(interval), 1),
		logger:         logger.Named("availability"),
		maxFailures:    cfg.MaxFailures,
		backoffInitial: time.Duration(cfg.BackoffInitialMs) * time.Millisecond,
		backoffMax:     time.Duration(cfg.BackoffMaxMs) * time.Millisecond,
		backoffFactor:  cfg.BackoffFactor,
	}
}

func (c *AvailabilityClient) productURL(sku string) string {
	q := url.Values{}
	q.Set("apiKey", c.apiKey)
	q.Set("facet", "onlineAvailability,1")
	q.Set("format", "json")
	return fmt.Sprintf("%s/products(sku=%s)?%s", c.baseURL, url.PathEscape(sku), q.Encode())
}

// Check performs a single availability query.
func (c *AvailabilityClient) Check(ctx context.Context, sku string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.productURL(sku), nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, &statusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var decoded productsResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return false, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(decoded.Products) == 0 {
		return false, &PermanentFailure{Op: "availability", Attempts: 1, Reason: "no product with sku " + sku}
	}

	return decoded.Products[0].OnlineAvailability, nil
}

// WaitUntilAvailable polls until the product is available online. Failed
// queries back off exponentially; after max_failures consecutive failures it
// gives up with a PermanentFailure. A zero max_failures never gives up.
// It returns the number of queries performed.
func (c *AvailabilityClient) WaitUntilAvailable(ctx context.Context, sku string) (int, error) {
	queries := 0
	failures := 0
	backoff := c.backoffInitial

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return queries, cancelled(ctx, "availability")
		}

		queries++
		available, err := c.Check(ctx, sku)
		if err == nil {
			failures = 0
			backoff = c.backoffInitial
			c.logger.Info(T("availability_status"), zap.Bool("available", available), zap.Int("query", queries))
			if available {
				return queries, nil
			}
			continue
		}

		if ctx.Err() != nil {
			return queries, cancelled(ctx, "availability")
		}

		var permanent *PermanentFailure
		if errors.As(err, &permanent) {
			return queries, err
		}

		var status *statusError
		if !errors.As(err, &status) && !isNetworkError(err) {
			return queries, fmt.Errorf("availability query failed: %w", err)
		}

		failures++
		c.logger.Warn(T("availability_query_failed"), zap.Int("query", queries), zap.Int("consecutive_failures", failures), zap.Error(err))

		if c.maxFailures > 0 && failures >= c.maxFailures {
			return queries, &PermanentFailure{
				Op:       "availability",
				Attempts: queries,
				Reason:   fmt.Sprintf("%d consecutive failed queries", failures),
				Err:      err,
			}
		}

		if err := sleepCtx(ctx, backoff); err != nil {
			return queries, cancelled(ctx, "availability")
		}
		backoff = c.nextBackoff(backoff)
	}
}

func (c *AvailabilityClient) nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * c.backoffFactor)
	if c.backoffMax > 0 && next > c.backoffMax {
		next = c.backoffMax
	}
	return next
}
