package schedule

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/plumefeed/plume/internal/domain/model"
)

// ResolverOptions groups constructor options for Resolver.
type ResolverOptions struct {
	Logger *slog.Logger
	// DefaultTimezone is used when a schedule omits its zone.
	DefaultTimezone string
	// RuleCacheCapacity bounds the compiled-RRULE cache (default 1000).
	RuleCacheCapacity int
}

// Resolver computes the next fire instant for any schedule kind.
// It is safe for concurrent use.
type Resolver struct {
	logger     *slog.Logger
	defaultTZ  string
	cronParser cron.Parser
	rules      *ruleCache
}

// NewResolver creates a Resolver with the given options.
func NewResolver(opts ResolverOptions) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	defaultTZ := opts.DefaultTimezone
	if defaultTZ == "" {
		defaultTZ = "UTC"
	}
	return &Resolver{
		logger:     logger.With("component", "schedule_resolver"),
		defaultTZ:  defaultTZ,
		cronParser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		rules:      newRuleCache(opts.RuleCacheCapacity),
	}
}

// Next computes the next fire instant for sched, strictly after its
// reference point (last_run_at when set, otherwise now). ok=false with a
// nil error means the schedule is exhausted; a non-nil error means the spec
// could not be interpreted. In both cases the caller disables the schedule.
func (r *Resolver) Next(sched *model.Schedule, now time.Time) (next time.Time, ok bool, err error) {
	switch sched.Kind {
	case model.ScheduleKindOneShot:
		return r.nextOneShot(sched, now)
	case model.ScheduleKindCron:
		return r.nextCron(sched, now)
	case model.ScheduleKindRRule:
		return r.nextRRule(sched, now)
	default:
		return time.Time{}, false, fmt.Errorf("unknown schedule kind %q", sched.Kind)
	}
}

// ValidateSpec checks that the schedule's spec parses under its kind without
// computing an occurrence. Used at schedule-creation time.
func (r *Resolver) ValidateSpec(sched *model.Schedule) error {
	loc, err := r.location(sched)
	if err != nil {
		return err
	}
	switch sched.Kind {
	case model.ScheduleKindOneShot:
		if _, err := time.Parse(time.RFC3339, sched.Spec); err != nil {
			return fmt.Errorf("one_shot spec: %w", err)
		}
		return nil
	case model.ScheduleKindCron:
		if _, err := r.cronParser.Parse(sched.Spec); err != nil {
			return fmt.Errorf("cron spec: %w", err)
		}
		return nil
	case model.ScheduleKindRRule:
		p, err := parseRRuleSpec(sched.Spec, loc)
		if err != nil {
			return err
		}
		created := sched.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		_, err = p.compile(p.deriveDtstart(created, loc), loc)
		return err
	default:
		return fmt.Errorf("unknown schedule kind %q", sched.Kind)
	}
}

func (r *Resolver) nextOneShot(sched *model.Schedule, now time.Time) (time.Time, bool, error) {
	at, err := time.Parse(time.RFC3339, sched.Spec)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("one_shot spec %q: %w", sched.Spec, err)
	}
	// Strictly future; an instant equal to now is already in the past by the
	// time anything could fire it.
	if !at.After(now) {
		return time.Time{}, false, nil
	}
	return at.UTC(), true, nil
}

func (r *Resolver) nextCron(sched *model.Schedule, now time.Time) (time.Time, bool, error) {
	loc, err := r.location(sched)
	if err != nil {
		return time.Time{}, false, err
	}
	cs, err := r.cronParser.Parse(sched.Spec)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("cron spec %q: %w", sched.Spec, err)
	}

	ref := now
	hasLast := sched.LastRunAt != nil
	if hasLast {
		ref = *sched.LastRunAt
	}

	next := cs.Next(ref.In(loc))
	if next.IsZero() {
		return time.Time{}, false, nil
	}
	nextUTC := next.UTC()

	// When the reference is the current clock and an offset change sits
	// between it and the computed fire, re-evaluate from just before the
	// post-transition boundary. This keeps a fire scheduled at the first
	// valid wall time after a spring-forward gap (e.g. 03:00 on the
	// transition day) from being stepped over.
	if !hasLast {
		if tr := NextTransition(loc, ref, nextUTC); !tr.IsZero() {
			if alt := cs.Next(tr.In(loc).Add(-time.Second)); !alt.IsZero() {
				altUTC := alt.UTC()
				if altUTC.After(ref) && altUTC.Before(nextUTC) {
					nextUTC = altUTC
				}
			}
		}
	}

	if !nextUTC.After(ref) {
		return time.Time{}, false, fmt.Errorf("cron produced non-advancing fire %s", nextUTC)
	}
	return nextUTC, true, nil
}

func (r *Resolver) nextRRule(sched *model.Schedule, now time.Time) (time.Time, bool, error) {
	loc, err := r.location(sched)
	if err != nil {
		return time.Time{}, false, err
	}
	p, err := parseRRuleSpec(sched.Spec, loc)
	if err != nil {
		return time.Time{}, false, err
	}

	created := sched.CreatedAt
	if created.IsZero() {
		created = now
	}
	dtstart := p.deriveDtstart(created, loc)

	key := ruleCacheKey(sched.ID, sched.Spec, dtstart.UTC().Format(time.RFC3339))
	rule, cached := r.rules.Get(key)
	if !cached {
		rule, err = p.compile(dtstart, loc)
		if err != nil {
			return time.Time{}, false, err
		}
		r.rules.Set(key, rule)
	}

	ref := now
	if sched.LastRunAt != nil {
		ref = *sched.LastRunAt
	}
	next := rule.After(ref, false)
	if next.IsZero() {
		return time.Time{}, false, nil
	}
	return next.UTC(), true, nil
}

// RuleCacheStats exposes compiled-rule cache counters.
func (r *Resolver) RuleCacheStats() RuleCacheStats {
	return r.rules.Stats()
}

func (r *Resolver) location(sched *model.Schedule) (*time.Location, error) {
	tz := sched.Timezone
	if tz == "" {
		tz = r.defaultTZ
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", tz, err)
	}
	return loc, nil
}
