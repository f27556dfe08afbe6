package service

import (
	"context"
	"database/sql"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/plumefeed/plume/internal/core"
	"github.com/plumefeed/plume/internal/data"
	"github.com/plumefeed/plume/internal/domain/model"
)

// Mock implementations for testing.

type mockScheduleRepo struct {
	mock.Mock
}

func (m *mockScheduleRepo) Create(ctx context.Context, s *model.Schedule) (model.Schedule, error) {
	args := m.Called(ctx, s)
	return args.Get(0).(model.Schedule), args.Error(1)
}

func (m *mockScheduleRepo) GetByID(ctx context.Context, id string) (model.Schedule, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(model.Schedule), args.Error(1)
}

func (m *mockScheduleRepo) List(ctx context.Context, limit, offset int) ([]model.Schedule, error) {
	args := m.Called(ctx, limit, offset)
	return args.Get(0).([]model.Schedule), args.Error(1)
}

func (m *mockScheduleRepo) FindDueTx(ctx context.Context, tx *sql.Tx, p data.FindDueParams) ([]model.Schedule, error) {
	args := m.Called(ctx, tx, p)
	return args.Get(0).([]model.Schedule), args.Error(1)
}

func (m *mockScheduleRepo) UpdateAfterFireTx(ctx context.Context, tx *sql.Tx, p data.AfterFireParams) error {
	args := m.Called(ctx, tx, p)
	return args.Error(0)
}

func (m *mockScheduleRepo) SetNextRun(ctx context.Context, id string, next *time.Time) error {
	args := m.Called(ctx, id, next)
	return args.Error(0)
}

func (m *mockScheduleRepo) SetEnabled(ctx context.Context, id string, enabled bool) error {
	args := m.Called(ctx, id, enabled)
	return args.Error(0)
}

func (m *mockScheduleRepo) ListMissingNextRun(ctx context.Context, limit int) ([]model.Schedule, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]model.Schedule), args.Error(1)
}

func (m *mockScheduleRepo) DisableByPostTx(ctx context.Context, tx *sql.Tx, postID string) ([]string, error) {
	args := m.Called(ctx, tx, postID)
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockScheduleRepo) TryWithTickLock(
	ctx context.Context,
	name string,
	fn func(context.Context, *sql.Tx) error,
) (bool, error) {
	args := m.Called(ctx, name, fn)
	if args.Bool(0) {
		// Simulate lock acquisition by running the body with a nil tx.
		return true, fn(ctx, nil)
	}
	return false, args.Error(1)
}

func (m *mockScheduleRepo) CountOverdue(ctx context.Context, grace time.Duration) (int, error) {
	args := m.Called(ctx, grace)
	return args.Int(0), args.Error(1)
}

type mockJobRepo struct {
	mock.Mock
}

func (m *mockJobRepo) CreateInTx(
	ctx context.Context,
	tx *sql.Tx,
	req *model.CreatePublishJobRequest,
) (*model.PublishJob, error) {
	args := m.Called(ctx, tx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PublishJob), args.Error(1)
}

func (m *mockJobRepo) MarkEnqueuedTx(ctx context.Context, tx *sql.Tx, id string) error {
	args := m.Called(ctx, tx, id)
	return args.Error(0)
}

func (m *mockJobRepo) ReserveNext(ctx context.Context, leaseSeconds int) (*model.PublishJob, error) {
	args := m.Called(ctx, leaseSeconds)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PublishJob), args.Error(1)
}

func (m *mockJobRepo) Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (bool, error) {
	args := m.Called(ctx, jobID, leaseSeconds)
	return args.Bool(0), args.Error(1)
}

func (m *mockJobRepo) Complete(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *mockJobRepo) Fail(ctx context.Context, p data.FailParams) (model.JobStatus, error) {
	args := m.Called(ctx, p)
	return args.Get(0).(model.JobStatus), args.Error(1)
}

func (m *mockJobRepo) Cancel(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockJobRepo) CancelByScheduleTx(ctx context.Context, tx *sql.Tx, scheduleIDs []string) (int64, error) {
	args := m.Called(ctx, tx, scheduleIDs)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockJobRepo) GetByID(ctx context.Context, id string) (*model.PublishJob, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PublishJob), args.Error(1)
}

func (m *mockJobRepo) GetByDedupeKey(ctx context.Context, key string) (*model.PublishJob, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PublishJob), args.Error(1)
}

func (m *mockJobRepo) ListBySchedule(ctx context.Context, scheduleID string, limit int) ([]model.PublishJob, error) {
	args := m.Called(ctx, scheduleID, limit)
	return args.Get(0).([]model.PublishJob), args.Error(1)
}

func (m *mockJobRepo) ListPlannedBetween(ctx context.Context, from, to time.Time) ([]model.PublishJob, error) {
	args := m.Called(ctx, from, to)
	return args.Get(0).([]model.PublishJob), args.Error(1)
}

func (m *mockJobRepo) RequeueExpired(ctx context.Context, batchSize int) (int64, error) {
	args := m.Called(ctx, batchSize)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockJobRepo) PromoteStalePlanned(ctx context.Context, grace time.Duration, batchSize int) (int64, error) {
	args := m.Called(ctx, grace, batchSize)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockJobRepo) DeleteOldTerminal(ctx context.Context, params data.DeleteOldTerminalParams) (int64, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockJobRepo) Stats(ctx context.Context) (*model.JobStats, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.JobStats), args.Error(1)
}

func (m *mockJobRepo) CountStuckRunning(ctx context.Context, olderThan time.Duration) (int, error) {
	args := m.Called(ctx, olderThan)
	return args.Int(0), args.Error(1)
}

func (m *mockJobRepo) WaitForNotification(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type mockPostRepo struct {
	mock.Mock
}

func (m *mockPostRepo) Create(ctx context.Context, p *model.Post) (model.Post, error) {
	args := m.Called(ctx, p)
	return args.Get(0).(model.Post), args.Error(1)
}

func (m *mockPostRepo) GetByID(ctx context.Context, id string) (model.Post, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(model.Post), args.Error(1)
}

func (m *mockPostRepo) List(ctx context.Context, includeDeleted bool, limit, offset int) ([]model.Post, error) {
	args := m.Called(ctx, includeDeleted, limit, offset)
	return args.Get(0).([]model.Post), args.Error(1)
}

func (m *mockPostRepo) UpdateText(ctx context.Context, id, text string) error {
	args := m.Called(ctx, id, text)
	return args.Error(0)
}

func (m *mockPostRepo) SoftDeleteTx(ctx context.Context, tx *sql.Tx, id string) error {
	args := m.Called(ctx, tx, id)
	return args.Error(0)
}

type mockTemplateRepo struct {
	mock.Mock
}

func (m *mockTemplateRepo) CreateTemplate(ctx context.Context, t *model.PostTemplate) (model.PostTemplate, error) {
	args := m.Called(ctx, t)
	return args.Get(0).(model.PostTemplate), args.Error(1)
}

func (m *mockTemplateRepo) GetTemplate(ctx context.Context, id string) (model.PostTemplate, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(model.PostTemplate), args.Error(1)
}

func (m *mockTemplateRepo) ListTemplates(ctx context.Context, limit, offset int) ([]model.PostTemplate, error) {
	args := m.Called(ctx, limit, offset)
	return args.Get(0).([]model.PostTemplate), args.Error(1)
}

func (m *mockTemplateRepo) SetTemplateActive(ctx context.Context, id string, active bool) error {
	args := m.Called(ctx, id, active)
	return args.Error(0)
}

func (m *mockTemplateRepo) CreateVariant(ctx context.Context, v *model.PostVariant) (model.PostVariant, error) {
	args := m.Called(ctx, v)
	return args.Get(0).(model.PostVariant), args.Error(1)
}

func (m *mockTemplateRepo) GetVariant(ctx context.Context, id string) (model.PostVariant, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(model.PostVariant), args.Error(1)
}

func (m *mockTemplateRepo) ListVariants(
	ctx context.Context,
	templateID string,
	includeInactive bool,
) ([]model.PostVariant, error) {
	args := m.Called(ctx, templateID, includeInactive)
	return args.Get(0).([]model.PostVariant), args.Error(1)
}

func (m *mockTemplateRepo) ListActiveVariants(ctx context.Context, templateID string) ([]model.PostVariant, error) {
	args := m.Called(ctx, templateID)
	return args.Get(0).([]model.PostVariant), args.Error(1)
}

func (m *mockTemplateRepo) SetVariantActive(ctx context.Context, id string, active bool) error {
	args := m.Called(ctx, id, active)
	return args.Error(0)
}

type mockHistoryRepo struct {
	mock.Mock
}

func (m *mockHistoryRepo) InsertTx(ctx context.Context, tx *sql.Tx, h *model.VariantSelectionHistory) error {
	args := m.Called(ctx, tx, h)
	return args.Error(0)
}

func (m *mockHistoryRepo) RecentVariantIDsTx(
	ctx context.Context,
	tx *sql.Tx,
	p data.RecentVariantParams,
) ([]string, error) {
	args := m.Called(ctx, tx, p)
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockHistoryRepo) RecentVariantIDs(ctx context.Context, p data.RecentVariantParams) ([]string, error) {
	args := m.Called(ctx, p)
	return args.Get(0).([]string), args.Error(1)
}

type mockPublishedRepo struct {
	mock.Mock
}

func (m *mockPublishedRepo) Record(ctx context.Context, p *model.PublishedPost) (model.PublishedPost, error) {
	args := m.Called(ctx, p)
	return args.Get(0).(model.PublishedPost), args.Error(1)
}

func (m *mockPublishedRepo) GetByExternalID(ctx context.Context, externalID string) (model.PublishedPost, error) {
	args := m.Called(ctx, externalID)
	return args.Get(0).(model.PublishedPost), args.Error(1)
}

func (m *mockPublishedRepo) RecentTexts(ctx context.Context, limit int) ([]string, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockPublishedRepo) ListRecent(ctx context.Context, limit int) ([]model.PublishedPost, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]model.PublishedPost), args.Error(1)
}

type mockLockRepo struct {
	mock.Mock
}

func (m *mockLockRepo) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, key, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *mockLockRepo) Release(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

func (m *mockLockRepo) Exists(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

func (m *mockLockRepo) Health(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, req core.PublishRequest) (*core.PublishReceipt, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*core.PublishReceipt), args.Error(1)
}

type mockResolver struct {
	mock.Mock
}

func (m *mockResolver) Next(sched *model.Schedule, now time.Time) (time.Time, bool, error) {
	args := m.Called(sched, now)
	return args.Get(0).(time.Time), args.Bool(1), args.Error(2)
}

func (m *mockResolver) ValidateSpec(sched *model.Schedule) error {
	args := m.Called(sched)
	return args.Error(0)
}

// fakeTxRunner runs the body with a nil tx; unit tests assert repo calls,
// not transaction mechanics.
type fakeTxRunner struct {
	// err short-circuits the body when set.
	err error
}

func (f fakeTxRunner) WithTx(_ context.Context, fn func(*sql.Tx) error) error {
	if f.err != nil {
		return f.err
	}
	return fn(nil)
}
