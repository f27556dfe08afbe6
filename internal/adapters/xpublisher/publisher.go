// Package xpublisher implements the publisher port against the X API v2.
package xpublisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/plumefeed/plume/internal/core"
	"github.com/plumefeed/plume/internal/observability/statsd"
)

const (
	defaultBaseURL = "https://api.x.com"
	defaultTimeout = 30 * time.Second

	// maxErrorBodyBytes bounds how much of an error response we keep for
	// the job's error column.
	maxErrorBodyBytes = 4 * 1024
)

// Publisher posts content to X. A dry-run publisher returns synthetic
// receipts without any network I/O.
type Publisher struct {
	http    *http.Client
	baseURL string
	dryRun  bool
	logger  *slog.Logger
	metrics statsd.Sink
}

// Options configures a Publisher.
type Options struct {
	// BearerToken authenticates against the API. Required unless DryRun.
	BearerToken string
	// BaseURL overrides the API endpoint, mainly for tests.
	BaseURL string
	// DryRun skips the network call and fabricates a receipt.
	DryRun bool

	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *slog.Logger
	Metrics    statsd.Sink
}

// New creates a Publisher with the given options.
func New(opts Options) (*Publisher, error) {
	if opts.BearerToken == "" && !opts.DryRun {
		return nil, fmt.Errorf("bearer token is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	base := opts.HTTPClient
	if base == nil {
		base = &http.Client{}
	}
	hc := &http.Client{
		Timeout: timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.BearerToken}),
			Base:   base.Transport,
		},
	}

	return &Publisher{
		http:    hc,
		baseURL: baseURL,
		dryRun:  opts.DryRun,
		logger:  logger.With("component", "x_publisher"),
		metrics: opts.Metrics,
	}, nil
}

type createPostBody struct {
	Text  string          `json:"text"`
	Media *createPostMeta `json:"media,omitempty"`
}

type createPostMeta struct {
	MediaIDs []string `json:"media_ids"`
}

type createPostResponse struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
}

// Publish submits the content and returns the external receipt. Failures
// are classified: rate limits and server errors retry, the rest of the
// 4xx range dead-letters.
func (p *Publisher) Publish(ctx context.Context, req core.PublishRequest) (*core.PublishReceipt, error) {
	if p.dryRun {
		id := "dryrun-" + uuid.NewString()
		p.logger.InfoContext(ctx, "dry run publish", "external_id", id, "text_len", len(req.Text))
		return &core.PublishReceipt{
			ExternalID:  id,
			PublishedAt: time.Now().UTC(),
		}, nil
	}

	body := createPostBody{Text: req.Text}
	if len(req.MediaRefs) > 0 {
		body.Media = &createPostMeta{MediaIDs: req.MediaRefs}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode post body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/2/tweets", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build post request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	start := time.Now()
	resp, err := p.http.Do(httpReq)
	if err != nil {
		// Transport errors carry no status and stay retryable.
		return nil, fmt.Errorf("post to x: %w", err)
	}
	defer resp.Body.Close()

	p.emitTiming(time.Since(start), resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, p.classify(resp)
	}

	var parsed createPostResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode post response: %w", err)
	}
	if parsed.Data.ID == "" {
		return nil, fmt.Errorf("post response missing id")
	}

	return &core.PublishReceipt{
		ExternalID:  parsed.Data.ID,
		URL:         "https://x.com/i/web/status/" + parsed.Data.ID,
		PublishedAt: time.Now().UTC(),
	}, nil
}

type lookupResponse struct {
	Data []struct {
		ID            string `json:"id"`
		PublicMetrics struct {
			LikeCount       int `json:"like_count"`
			RetweetCount    int `json:"retweet_count"`
			ReplyCount      int `json:"reply_count"`
			ImpressionCount int `json:"impression_count"`
		} `json:"public_metrics"`
	} `json:"data"`
}

// GetMetrics fetches public engagement counts for previously published
// posts. Dry-run receipts have no external counterpart and yield zeroed
// snapshots.
func (p *Publisher) GetMetrics(ctx context.Context, externalIDs []string) ([]core.EngagementMetrics, error) {
	if len(externalIDs) == 0 {
		return nil, nil
	}
	now := time.Now().UTC()

	if p.dryRun {
		out := make([]core.EngagementMetrics, 0, len(externalIDs))
		for _, id := range externalIDs {
			out = append(out, core.EngagementMetrics{ExternalID: id, FetchedAt: now})
		}
		return out, nil
	}

	endpoint := p.baseURL + "/2/tweets?tweet.fields=public_metrics&ids=" + url.QueryEscape(strings.Join(externalIDs, ","))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build metrics request: %w", err)
	}

	start := time.Now()
	resp, err := p.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch metrics: %w", err)
	}
	defer resp.Body.Close()

	p.emitTiming(time.Since(start), resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, p.classify(resp)
	}

	var parsed lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode metrics response: %w", err)
	}

	out := make([]core.EngagementMetrics, 0, len(parsed.Data))
	for _, d := range parsed.Data {
		out = append(out, core.EngagementMetrics{
			ExternalID:  d.ID,
			Likes:       d.PublicMetrics.LikeCount,
			Reposts:     d.PublicMetrics.RetweetCount,
			Replies:     d.PublicMetrics.ReplyCount,
			Impressions: d.PublicMetrics.ImpressionCount,
			FetchedAt:   now,
		})
	}
	return out, nil
}

// classify maps an error response to a retry decision. 429 and 5xx are
// service conditions that clear on their own; everything else in the 4xx
// range means the request itself is bad and will never succeed.
func (p *Publisher) classify(resp *http.Response) *core.PublishError {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	permanent := resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusTooManyRequests &&
		resp.StatusCode != http.StatusRequestTimeout

	return &core.PublishError{
		StatusCode: resp.StatusCode,
		Message:    string(snippet),
		Permanent:  permanent,
	}
}

func (p *Publisher) emitTiming(elapsed time.Duration, status int) {
	if p.metrics == nil {
		return
	}
	p.metrics.Timing("publisher.request_duration", elapsed, map[string]string{
		"status": fmt.Sprintf("%d", status),
	})
}
