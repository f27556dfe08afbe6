package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ScheduleKind selects how schedule_spec is interpreted.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type ScheduleKind string

const (
	// ScheduleKindOneShot fires once at an RFC 3339 instant.
	ScheduleKindOneShot ScheduleKind = "one_shot"
	// ScheduleKindCron fires per a 5-field crontab evaluated in the schedule zone.
	ScheduleKindCron ScheduleKind = "cron"
	// ScheduleKindRRule fires per an RFC 5545 recurrence rule.
	ScheduleKindRRule ScheduleKind = "rrule"
)

// Valid returns true if the ScheduleKind is known.
func (k ScheduleKind) Valid() bool {
	return k == ScheduleKindOneShot || k == ScheduleKindCron || k == ScheduleKindRRule
}

// UnmarshalText implements encoding.TextUnmarshaler for env/flag parsing.
func (k *ScheduleKind) UnmarshalText(text []byte) error {
	v := ScheduleKind(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid ScheduleKind: %q", string(text))
	}
	*k = v
	return nil
}

// SelectionPolicy selects how a variant is drawn from a template pool.
type SelectionPolicy string

const (
	// PolicyRandomUniform draws uniformly from the pool.
	PolicyRandomUniform SelectionPolicy = "RANDOM_UNIFORM"
	// PolicyRandomWeighted draws proportionally to variant weight.
	PolicyRandomWeighted SelectionPolicy = "RANDOM_WEIGHTED"
	// PolicyRoundRobin walks the pool in id order via a persisted cursor.
	PolicyRoundRobin SelectionPolicy = "ROUND_ROBIN"
	// PolicyNoRepeatWindow draws uniformly after excluding recent selections.
	PolicyNoRepeatWindow SelectionPolicy = "NO_REPEAT_WINDOW"
)

// Valid returns true if the SelectionPolicy is known.
func (p SelectionPolicy) Valid() bool {
	switch p {
	case PolicyRandomUniform, PolicyRandomWeighted, PolicyRoundRobin, PolicyNoRepeatWindow:
		return true
	}
	return false
}

// NoRepeatScope bounds the history consulted by the no-repeat filter.
type NoRepeatScope string

const (
	// ScopeTemplate consults selections across every schedule of the template.
	ScopeTemplate NoRepeatScope = "template"
	// ScopeSchedule consults selections of this schedule only.
	ScopeSchedule NoRepeatScope = "schedule"
)

// Valid returns true if the NoRepeatScope is known.
func (s NoRepeatScope) Valid() bool {
	return s == ScopeTemplate || s == ScopeSchedule
}

// Schedule describes when and what to publish. Exactly one of PostID and
// TemplateID is set.
type Schedule struct {
	ID         string       `json:"id"                    db:"id"`
	PostID     *string      `json:"post_id,omitempty"     db:"post_id"`
	TemplateID *string      `json:"template_id,omitempty" db:"template_id"`
	Kind       ScheduleKind `json:"kind"                  db:"kind"`
	Spec       string       `json:"schedule_spec"         db:"schedule_spec"`
	Timezone   string       `json:"timezone"              db:"timezone"`

	// NextRunAt is the next fire instant (UTC); nil when disabled or exhausted.
	NextRunAt *time.Time `json:"next_run_at,omitempty" db:"next_run_at"`
	// LastRunAt is the planned_at of the most recent fire.
	LastRunAt *time.Time `json:"last_run_at,omitempty" db:"last_run_at"`
	Enabled   bool       `json:"enabled"               db:"enabled"`

	SelectionPolicy SelectionPolicy `json:"selection_policy"           db:"selection_policy"`
	NoRepeatWindow  int             `json:"no_repeat_window"           db:"no_repeat_window"`
	NoRepeatScope   NoRepeatScope   `json:"no_repeat_scope"            db:"no_repeat_scope"`
	LastVariantPos  *int            `json:"last_variant_pos,omitempty" db:"last_variant_pos"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// TemplateBound reports whether the schedule draws content from a template
// pool rather than a fixed post.
func (s *Schedule) TemplateBound() bool {
	return s.TemplateID != nil && *s.TemplateID != ""
}

// Validate checks the schedule invariants that do not require parsing the
// spec (spec well-formedness is the resolver's concern).
func (s *Schedule) Validate() error {
	hasPost := s.PostID != nil && *s.PostID != ""
	hasTemplate := s.TemplateID != nil && *s.TemplateID != ""
	if hasPost == hasTemplate {
		return errors.New("exactly one of post_id and template_id must be set")
	}
	if !s.Kind.Valid() {
		return fmt.Errorf("invalid schedule kind: %q", s.Kind)
	}
	if strings.TrimSpace(s.Spec) == "" {
		return errors.New("schedule_spec is required")
	}
	if s.Timezone == "" {
		return errors.New("timezone is required")
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return fmt.Errorf("unknown timezone %q: %w", s.Timezone, err)
	}
	if hasTemplate && !s.SelectionPolicy.Valid() {
		return fmt.Errorf("invalid selection policy: %q", s.SelectionPolicy)
	}
	if s.NoRepeatWindow < 0 {
		return errors.New("no_repeat_window must be >= 0")
	}
	if s.NoRepeatWindow > 0 && !s.NoRepeatScope.Valid() {
		return fmt.Errorf("invalid no_repeat_scope: %q", s.NoRepeatScope)
	}
	if s.LastRunAt != nil && s.NextRunAt != nil && s.NextRunAt.Before(*s.LastRunAt) {
		return errors.New("next_run_at must not precede last_run_at")
	}
	return nil
}

// Due reports whether the schedule is eligible to fire at now.
func (s *Schedule) Due(now time.Time) bool {
	return s.Enabled && s.NextRunAt != nil && !s.NextRunAt.After(now)
}
