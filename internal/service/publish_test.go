package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/plumefeed/plume/internal/core"
	"github.com/plumefeed/plume/internal/data"
	"github.com/plumefeed/plume/internal/domain/model"
	"github.com/plumefeed/plume/internal/mocks"
	"github.com/plumefeed/plume/internal/testutil"
)

type publishMocks struct {
	jobs      *mockJobRepo
	schedules *mockScheduleRepo
	posts     *mockPostRepo
	templates *mockTemplateRepo
	published *mockPublishedRepo
	locks     *mockLockRepo
	publisher *mockPublisher
}

func newPublishService(t *testing.T) (*PublishService, publishMocks) {
	t.Helper()
	cfg := core.DefaultWorkerConfig()
	cfg.BackoffJitter = 0
	return newPublishServiceWithConfig(t, cfg)
}

func newPublishServiceWithConfig(t *testing.T, cfg core.WorkerConfig) (*PublishService, publishMocks) {
	t.Helper()
	m := publishMocks{
		jobs:      &mockJobRepo{},
		schedules: &mockScheduleRepo{},
		posts:     &mockPostRepo{},
		templates: &mockTemplateRepo{},
		published: &mockPublishedRepo{},
		locks:     &mockLockRepo{},
		publisher: &mockPublisher{},
	}
	svc := NewPublishService(PublishServiceOptions{
		Jobs:         m.jobs,
		Schedules:    m.schedules,
		Posts:        m.posts,
		Templates:    m.templates,
		Published:    m.published,
		Locks:        m.locks,
		Publisher:    m.publisher,
		Config:       &cfg,
		TimeProvider: data.NewFixedTimeProvider(testutil.TestTime()),
	})
	return svc, m
}

func reservedJob(mutate func(*model.PublishJob)) *model.PublishJob {
	job := &model.PublishJob{
		ID:         "job-1",
		ScheduleID: "sched-1",
		PlannedAt:  testutil.TestTime(),
		Status:     model.JobStatusRunning,
		Attempt:    1,
		MaxAttempt: 5,
		DedupeKey:  model.DedupeKeyFor("sched-1", testutil.TestTime()),
	}
	if mutate != nil {
		mutate(job)
	}
	return job
}

func TestPublishService_ProcessOne_NoJobsReady(t *testing.T) {
	svc, m := newPublishService(t)

	m.jobs.On("ReserveNext", mock.Anything, 120).Return(nil, model.ErrNoJobsAvailable)

	worked, err := svc.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.False(t, worked)
}

func TestPublishService_ProcessOne_PublishesPost(t *testing.T) {
	svc, m := newPublishService(t)
	job := reservedJob(nil)
	postID := "post-1"

	m.jobs.On("ReserveNext", mock.Anything, 120).Return(job, nil)
	m.schedules.On("GetByID", mock.Anything, "sched-1").
		Return(*testutil.NewSchedule().WithID("sched-1").WithPost(postID).Build(), nil)
	m.posts.On("GetByID", mock.Anything, postID).
		Return(model.Post{ID: postID, Text: "hello world", MediaRefs: []string{"m/1.png"}}, nil)
	m.published.On("RecentTexts", mock.Anything, 20).Return([]string{}, nil)
	m.publisher.On("Publish", mock.Anything, mock.MatchedBy(func(req core.PublishRequest) bool {
		return req.Text == "hello world" &&
			len(req.MediaRefs) == 1 &&
			req.IdempotencyKey == job.DedupeKey
	})).Return(&core.PublishReceipt{
		ExternalID:  "ext-123",
		URL:         "https://x.com/i/web/status/ext-123",
		PublishedAt: testutil.TestTime(),
	}, nil)
	m.published.On("Record", mock.Anything, mock.MatchedBy(func(p *model.PublishedPost) bool {
		return p.ExternalID == "ext-123" && p.Text == "hello world" && p.PostID != nil && *p.PostID == postID
	})).Return(model.PublishedPost{ID: "pub-1", ExternalID: "ext-123"}, nil)
	m.jobs.On("Complete", mock.Anything, "job-1").Return(true, nil)
	m.locks.On("Release", mock.Anything, FireLockKey("sched-1", job.PlannedAt)).Return(true, nil)

	worked, err := svc.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)
	m.publisher.AssertExpectations(t)
	m.published.AssertExpectations(t)
	m.jobs.AssertExpectations(t)
	m.locks.AssertExpectations(t)
}

func TestPublishService_ProcessOne_PublishesVariantSnapshot(t *testing.T) {
	svc, m := newPublishService(t)
	variantID := "v-1"
	job := reservedJob(func(j *model.PublishJob) { j.VariantID = &variantID })

	m.jobs.On("ReserveNext", mock.Anything, 120).Return(job, nil)
	m.templates.On("GetVariant", mock.Anything, variantID).
		Return(testutil.NewVariant(variantID, "tpl-1").WithText("variant text").Build(), nil)
	m.published.On("RecentTexts", mock.Anything, 20).Return([]string{}, nil)
	m.publisher.On("Publish", mock.Anything, mock.MatchedBy(func(req core.PublishRequest) bool {
		return req.Text == "variant text"
	})).Return(&core.PublishReceipt{ExternalID: "ext-9", PublishedAt: testutil.TestTime()}, nil)
	m.published.On("Record", mock.Anything, mock.MatchedBy(func(p *model.PublishedPost) bool {
		return p.VariantID != nil && *p.VariantID == variantID && p.PostID == nil
	})).Return(model.PublishedPost{ID: "pub-2"}, nil)
	m.jobs.On("Complete", mock.Anything, "job-1").Return(true, nil)
	m.locks.On("Release", mock.Anything, mock.Anything).Return(true, nil)

	worked, err := svc.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)
	// The schedule's post is never consulted for a snapshotted variant.
	m.schedules.AssertNotCalled(t, "GetByID", mock.Anything, mock.Anything)
	m.publisher.AssertExpectations(t)
}

func TestPublishService_ProcessOne_TransientFailureRetries(t *testing.T) {
	svc, m := newPublishService(t)
	job := reservedJob(nil)
	postID := "post-1"

	m.jobs.On("ReserveNext", mock.Anything, 120).Return(job, nil)
	m.schedules.On("GetByID", mock.Anything, "sched-1").
		Return(*testutil.NewSchedule().WithID("sched-1").WithPost(postID).Build(), nil)
	m.posts.On("GetByID", mock.Anything, postID).Return(model.Post{ID: postID, Text: "hello"}, nil)
	m.published.On("RecentTexts", mock.Anything, 20).Return([]string{}, nil)
	m.publisher.On("Publish", mock.Anything, mock.Anything).
		Return(nil, &core.PublishError{StatusCode: 503, Message: "upstream unavailable"})

	// attempt=1 -> backoff base of one minute, no jitter.
	expectedNext := testutil.TestTime().UTC().Add(time.Minute)
	m.jobs.On("Fail", mock.Anything, mock.MatchedBy(func(p data.FailParams) bool {
		return p.ID == "job-1" && !p.Permanent && p.NextAttemptAt.Equal(expectedNext)
	})).Return(model.JobStatusFailed, nil)
	m.locks.On("Release", mock.Anything, mock.Anything).Return(true, nil)

	worked, err := svc.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)
	m.jobs.AssertExpectations(t)
	m.jobs.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}

func TestPublishService_ProcessOne_PermanentFailureDeadLetters(t *testing.T) {
	svc, m := newPublishService(t)
	job := reservedJob(nil)
	postID := "post-1"

	m.jobs.On("ReserveNext", mock.Anything, 120).Return(job, nil)
	m.schedules.On("GetByID", mock.Anything, "sched-1").
		Return(*testutil.NewSchedule().WithID("sched-1").WithPost(postID).Build(), nil)
	m.posts.On("GetByID", mock.Anything, postID).Return(model.Post{ID: postID, Text: "hello"}, nil)
	m.published.On("RecentTexts", mock.Anything, 20).Return([]string{}, nil)
	m.publisher.On("Publish", mock.Anything, mock.Anything).
		Return(nil, &core.PublishError{StatusCode: 401, Message: "bad token", Permanent: true})
	m.jobs.On("Fail", mock.Anything, mock.MatchedBy(func(p data.FailParams) bool {
		return p.Permanent
	})).Return(model.JobStatusDeadLetter, nil)
	m.locks.On("Release", mock.Anything, mock.Anything).Return(true, nil)

	worked, err := svc.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)
	m.jobs.AssertExpectations(t)
}

func TestPublishService_ProcessOne_DeletedPostIsPermanent(t *testing.T) {
	svc, m := newPublishService(t)
	job := reservedJob(nil)
	postID := "post-gone"

	m.jobs.On("ReserveNext", mock.Anything, 120).Return(job, nil)
	m.schedules.On("GetByID", mock.Anything, "sched-1").
		Return(*testutil.NewSchedule().WithID("sched-1").WithPost(postID).Build(), nil)
	m.posts.On("GetByID", mock.Anything, postID).
		Return(model.Post{ID: postID, Text: "hello", Deleted: true}, nil)
	m.jobs.On("Fail", mock.Anything, mock.MatchedBy(func(p data.FailParams) bool {
		return p.Permanent
	})).Return(model.JobStatusDeadLetter, nil)
	m.locks.On("Release", mock.Anything, mock.Anything).Return(true, nil)

	worked, err := svc.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)
	m.publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
	m.jobs.AssertExpectations(t)
}

func TestPublishService_ProcessOne_ContentSafetyRejection(t *testing.T) {
	svc, m := newPublishService(t)
	job := reservedJob(nil)
	postID := "post-1"

	m.jobs.On("ReserveNext", mock.Anything, 120).Return(job, nil)
	m.schedules.On("GetByID", mock.Anything, "sched-1").
		Return(*testutil.NewSchedule().WithID("sched-1").WithPost(postID).Build(), nil)
	m.posts.On("GetByID", mock.Anything, postID).Return(model.Post{ID: postID, Text: "hello world"}, nil)
	// Exact duplicate of a recent publish.
	m.published.On("RecentTexts", mock.Anything, 20).Return([]string{"hello world"}, nil)
	m.jobs.On("Fail", mock.Anything, mock.MatchedBy(func(p data.FailParams) bool {
		return p.Permanent
	})).Return(model.JobStatusDeadLetter, nil)
	m.locks.On("Release", mock.Anything, mock.Anything).Return(true, nil)

	worked, err := svc.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)
	m.publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

// A publish attempt that outlives one lease must keep the lease alive, or
// the sweeper would requeue the job and a second worker could publish the
// same fire again.
func TestPublishService_ProcessOne_ExtendsLeaseDuringSlowPublish(t *testing.T) {
	cfg := core.DefaultWorkerConfig()
	cfg.BackoffJitter = 0
	cfg.LeaseSeconds = 1 // heartbeat every 500ms
	svc, m := newPublishServiceWithConfig(t, cfg)

	job := reservedJob(nil)
	postID := "post-1"
	heartbeats := make(chan struct{}, 16)

	m.jobs.On("ReserveNext", mock.Anything, 1).Return(job, nil)
	m.schedules.On("GetByID", mock.Anything, "sched-1").
		Return(*testutil.NewSchedule().WithID("sched-1").WithPost(postID).Build(), nil)
	m.posts.On("GetByID", mock.Anything, postID).Return(model.Post{ID: postID, Text: "hello"}, nil)
	m.published.On("RecentTexts", mock.Anything, 20).Return([]string{}, nil)
	m.jobs.On("Heartbeat", mock.Anything, "job-1", 1).Return(true, nil).Run(func(mock.Arguments) {
		select {
		case heartbeats <- struct{}{}:
		default:
		}
	})
	// The publisher stalls until at least one lease extension has landed.
	m.publisher.On("Publish", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		select {
		case <-heartbeats:
		case <-time.After(5 * time.Second):
			t.Error("no lease extension during a slow publish")
		}
	}).Return(&core.PublishReceipt{ExternalID: "ext-hb", PublishedAt: testutil.TestTime()}, nil)
	m.published.On("Record", mock.Anything, mock.Anything).
		Return(model.PublishedPost{ID: "pub-hb", ExternalID: "ext-hb"}, nil)
	m.jobs.On("Complete", mock.Anything, "job-1").Return(true, nil)
	m.locks.On("Release", mock.Anything, mock.Anything).Return(true, nil)

	worked, err := svc.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)
	m.jobs.AssertCalled(t, "Heartbeat", mock.Anything, "job-1", 1)
}

func TestBackoffDelay_Schedule(t *testing.T) {
	cfg := core.WorkerConfig{
		BackoffBase:   time.Minute,
		BackoffMax:    time.Hour,
		BackoffJitter: 0,
	}

	assert.Equal(t, time.Minute, BackoffDelay(cfg, 1))
	assert.Equal(t, 2*time.Minute, BackoffDelay(cfg, 2))
	assert.Equal(t, 4*time.Minute, BackoffDelay(cfg, 3))
	assert.Equal(t, 32*time.Minute, BackoffDelay(cfg, 6))
	// Capped at max from the seventh attempt on.
	assert.Equal(t, time.Hour, BackoffDelay(cfg, 7))
	assert.Equal(t, time.Hour, BackoffDelay(cfg, 50))
	// Attempt floor.
	assert.Equal(t, time.Minute, BackoffDelay(cfg, 0))
}

func TestBackoffDelay_JitterBounds(t *testing.T) {
	cfg := core.WorkerConfig{
		BackoffBase:   time.Minute,
		BackoffMax:    time.Hour,
		BackoffJitter: 0.2,
	}

	for range 100 {
		d := BackoffDelay(cfg, 2)
		assert.GreaterOrEqual(t, d, 96*time.Second)
		assert.LessOrEqual(t, d, 144*time.Second)
	}
}

// Same success path as above but with the generated publisher mock, which
// enforces call counts strictly.
func TestPublishService_ProcessOne_PublisherCalledExactlyOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := publishMocks{
		jobs:      &mockJobRepo{},
		schedules: &mockScheduleRepo{},
		posts:     &mockPostRepo{},
		templates: &mockTemplateRepo{},
		published: &mockPublishedRepo{},
		locks:     &mockLockRepo{},
	}
	publisher := mocks.NewMockPublisher(ctrl)
	cfg := core.DefaultWorkerConfig()
	svc := NewPublishService(PublishServiceOptions{
		Jobs:         m.jobs,
		Schedules:    m.schedules,
		Posts:        m.posts,
		Templates:    m.templates,
		Published:    m.published,
		Locks:        m.locks,
		Publisher:    publisher,
		Config:       &cfg,
		TimeProvider: data.NewFixedTimeProvider(testutil.TestTime()),
	})

	job := reservedJob(nil)
	m.jobs.On("ReserveNext", mock.Anything, 120).Return(job, nil)
	m.schedules.On("GetByID", mock.Anything, "sched-1").
		Return(*testutil.NewSchedule().WithID("sched-1").WithPost("post-1").Build(), nil)
	m.posts.On("GetByID", mock.Anything, "post-1").
		Return(model.Post{ID: "post-1", Text: "hello world"}, nil)
	m.published.On("RecentTexts", mock.Anything, 20).Return([]string{}, nil)
	m.published.On("Record", mock.Anything, mock.Anything).
		Return(model.PublishedPost{ID: "pub-1"}, nil)
	m.jobs.On("Complete", mock.Anything, "job-1").Return(true, nil)
	m.locks.On("Release", mock.Anything, mock.Anything).Return(true, nil)

	publisher.EXPECT().
		Publish(gomock.Any(), gomock.Any()).
		Return(&core.PublishReceipt{ExternalID: "ext-1", PublishedAt: testutil.TestTime()}, nil).
		Times(1)

	worked, err := svc.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)
}

var _ core.PublishWorker = (*PublishService)(nil)
