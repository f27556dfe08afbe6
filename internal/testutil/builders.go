// Package testutil provides testing utilities and helpers for the plume publishing pipeline.
package testutil

import (
	"time"

	"github.com/plumefeed/plume/internal/domain/model"
)

// ScheduleBuilder provides a fluent interface for building Schedule objects for testing.
type ScheduleBuilder struct {
	s *model.Schedule
}

// NewSchedule creates a new ScheduleBuilder with sensible defaults: a
// post-bound one-shot firing at the test time.
func NewSchedule() *ScheduleBuilder {
	postID := "00000000-0000-0000-0000-000000000001"
	next := TestTime().Add(time.Hour)
	return &ScheduleBuilder{
		s: &model.Schedule{
			PostID:          &postID,
			Kind:            model.ScheduleKindOneShot,
			Spec:            next.Format(time.RFC3339),
			Timezone:        "UTC",
			NextRunAt:       &next,
			Enabled:         true,
			SelectionPolicy: model.PolicyRandomUniform,
			NoRepeatScope:   model.ScopeTemplate,
		},
	}
}

// WithID sets the schedule id.
func (b *ScheduleBuilder) WithID(id string) *ScheduleBuilder {
	b.s.ID = id
	return b
}

// WithPost binds the schedule to a fixed post.
func (b *ScheduleBuilder) WithPost(postID string) *ScheduleBuilder {
	b.s.PostID = &postID
	b.s.TemplateID = nil
	return b
}

// WithTemplate binds the schedule to a template pool.
func (b *ScheduleBuilder) WithTemplate(templateID string) *ScheduleBuilder {
	b.s.TemplateID = &templateID
	b.s.PostID = nil
	return b
}

// WithKind sets the schedule kind and spec together.
func (b *ScheduleBuilder) WithKind(kind model.ScheduleKind, spec string) *ScheduleBuilder {
	b.s.Kind = kind
	b.s.Spec = spec
	return b
}

// WithTimezone sets the schedule zone.
func (b *ScheduleBuilder) WithTimezone(tz string) *ScheduleBuilder {
	b.s.Timezone = tz
	return b
}

// WithNextRunAt sets the resolved next fire instant.
func (b *ScheduleBuilder) WithNextRunAt(t time.Time) *ScheduleBuilder {
	b.s.NextRunAt = &t
	return b
}

// WithLastRunAt sets the previous fire instant.
func (b *ScheduleBuilder) WithLastRunAt(t time.Time) *ScheduleBuilder {
	b.s.LastRunAt = &t
	return b
}

// WithEnabled sets the enabled flag.
func (b *ScheduleBuilder) WithEnabled(enabled bool) *ScheduleBuilder {
	b.s.Enabled = enabled
	return b
}

// WithPolicy sets the selection policy.
func (b *ScheduleBuilder) WithPolicy(policy model.SelectionPolicy) *ScheduleBuilder {
	b.s.SelectionPolicy = policy
	return b
}

// WithNoRepeat sets the no-repeat window and scope.
func (b *ScheduleBuilder) WithNoRepeat(window int, scope model.NoRepeatScope) *ScheduleBuilder {
	b.s.NoRepeatWindow = window
	b.s.NoRepeatScope = scope
	return b
}

// WithLastVariantPos sets the round-robin cursor.
func (b *ScheduleBuilder) WithLastVariantPos(pos int) *ScheduleBuilder {
	b.s.LastVariantPos = &pos
	return b
}

// Build returns the constructed Schedule.
func (b *ScheduleBuilder) Build() *model.Schedule {
	s := *b.s
	return &s
}

// VariantBuilder provides a fluent interface for building PostVariant objects for testing.
type VariantBuilder struct {
	v *model.PostVariant
}

// NewVariant creates a new VariantBuilder with sensible defaults.
func NewVariant(id, templateID string) *VariantBuilder {
	return &VariantBuilder{
		v: &model.PostVariant{
			ID:         id,
			TemplateID: templateID,
			Text:       "variant " + id,
			Weight:     1,
			Active:     true,
		},
	}
}

// WithText sets the variant text.
func (b *VariantBuilder) WithText(text string) *VariantBuilder {
	b.v.Text = text
	return b
}

// WithWeight sets the variant weight.
func (b *VariantBuilder) WithWeight(weight int) *VariantBuilder {
	b.v.Weight = weight
	return b
}

// WithActive sets the active flag.
func (b *VariantBuilder) WithActive(active bool) *VariantBuilder {
	b.v.Active = active
	return b
}

// Build returns the constructed PostVariant.
func (b *VariantBuilder) Build() model.PostVariant {
	v := *b.v
	return v
}

// JobRequestBuilder provides a fluent interface for building CreatePublishJobRequest objects for testing.
type JobRequestBuilder struct {
	req *model.CreatePublishJobRequest
}

// NewJobRequest creates a new JobRequestBuilder with sensible defaults.
func NewJobRequest(scheduleID string) *JobRequestBuilder {
	return &JobRequestBuilder{
		req: &model.CreatePublishJobRequest{
			ScheduleID: scheduleID,
			PlannedAt:  TestTime(),
			MaxAttempt: 5,
		},
	}
}

// WithPlannedAt sets the fire instant.
func (b *JobRequestBuilder) WithPlannedAt(t time.Time) *JobRequestBuilder {
	b.req.PlannedAt = t
	return b
}

// WithMaxAttempt sets the attempt budget.
func (b *JobRequestBuilder) WithMaxAttempt(n int) *JobRequestBuilder {
	b.req.MaxAttempt = n
	return b
}

// WithVariant records a variant selection snapshot on the request.
func (b *JobRequestBuilder) WithVariant(variantID string, policy model.SelectionPolicy, seed int64, selectedAt time.Time) *JobRequestBuilder {
	p := string(policy)
	b.req.VariantID = &variantID
	b.req.SelectionPolicy = &p
	b.req.SelectionSeed = &seed
	b.req.SelectedAt = &selectedAt
	return b
}

// Build returns the constructed CreatePublishJobRequest.
func (b *JobRequestBuilder) Build() *model.CreatePublishJobRequest {
	req := *b.req
	return &req
}
