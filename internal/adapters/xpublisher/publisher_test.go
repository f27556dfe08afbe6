package xpublisher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plumefeed/plume/internal/core"
)

func newTestPublisher(t *testing.T, handler http.HandlerFunc) *Publisher {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := New(Options{
		BearerToken: "test-token",
		BaseURL:     srv.URL,
	})
	require.NoError(t, err)
	return p
}

func TestPublisher_Publish_Success(t *testing.T) {
	var gotAuth, gotIdem string
	var gotBody createPostBody

	p := newTestPublisher(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/2/tweets", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotIdem = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"id":"1846000000000000001","text":"hello"}}`))
	})

	receipt, err := p.Publish(context.Background(), core.PublishRequest{
		Text:           "hello",
		MediaRefs:      []string{"m-1", "m-2"},
		IdempotencyKey: "sched-1:2030-06-01T14:30:00Z",
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, "sched-1:2030-06-01T14:30:00Z", gotIdem)
	assert.Equal(t, "hello", gotBody.Text)
	require.NotNil(t, gotBody.Media)
	assert.Equal(t, []string{"m-1", "m-2"}, gotBody.Media.MediaIDs)

	assert.Equal(t, "1846000000000000001", receipt.ExternalID)
	assert.Equal(t, "https://x.com/i/web/status/1846000000000000001", receipt.URL)
	assert.False(t, receipt.PublishedAt.IsZero())
}

func TestPublisher_Publish_RateLimitedIsTransient(t *testing.T) {
	p := newTestPublisher(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"title":"Too Many Requests"}`))
	})

	_, err := p.Publish(context.Background(), core.PublishRequest{Text: "hello"})
	require.Error(t, err)
	assert.False(t, core.IsPermanentPublishError(err))

	var perr *core.PublishError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, http.StatusTooManyRequests, perr.StatusCode)
	assert.Contains(t, perr.Message, "Too Many Requests")
}

func TestPublisher_Publish_UnauthorizedIsPermanent(t *testing.T) {
	p := newTestPublisher(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := p.Publish(context.Background(), core.PublishRequest{Text: "hello"})
	require.Error(t, err)
	assert.True(t, core.IsPermanentPublishError(err))
}

func TestPublisher_Publish_ServerErrorIsTransient(t *testing.T) {
	p := newTestPublisher(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := p.Publish(context.Background(), core.PublishRequest{Text: "hello"})
	require.Error(t, err)
	assert.False(t, core.IsPermanentPublishError(err))
}

func TestPublisher_Publish_MissingIDRejected(t *testing.T) {
	p := newTestPublisher(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{}}`))
	})

	_, err := p.Publish(context.Background(), core.PublishRequest{Text: "hello"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing id")
}

func TestPublisher_DryRun(t *testing.T) {
	p, err := New(Options{DryRun: true})
	require.NoError(t, err)

	receipt, err := p.Publish(context.Background(), core.PublishRequest{Text: "hello"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(receipt.ExternalID, "dryrun-"))
	assert.Empty(t, receipt.URL)
}

func TestNew_RequiresToken(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestPublisher_GetMetrics(t *testing.T) {
	p := newTestPublisher(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/2/tweets", r.URL.Path)
		assert.Equal(t, "111,222", r.URL.Query().Get("ids"))
		assert.Equal(t, "public_metrics", r.URL.Query().Get("tweet.fields"))
		_, _ = w.Write([]byte(`{"data":[
			{"id":"111","public_metrics":{"like_count":12,"retweet_count":3,"reply_count":1,"impression_count":840}},
			{"id":"222","public_metrics":{"like_count":0,"retweet_count":0,"reply_count":0,"impression_count":55}}
		]}`))
	})

	got, err := p.GetMetrics(context.Background(), []string{"111", "222"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "111", got[0].ExternalID)
	assert.Equal(t, 12, got[0].Likes)
	assert.Equal(t, 3, got[0].Reposts)
	assert.Equal(t, 1, got[0].Replies)
	assert.Equal(t, 840, got[0].Impressions)
	assert.False(t, got[0].FetchedAt.IsZero())
	assert.Equal(t, 55, got[1].Impressions)
}

func TestPublisher_GetMetrics_Empty(t *testing.T) {
	p, err := New(Options{DryRun: true})
	require.NoError(t, err)

	got, err := p.GetMetrics(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

var (
	_ core.Publisher      = (*Publisher)(nil)
	_ core.MetricsFetcher = (*Publisher)(nil)
)
