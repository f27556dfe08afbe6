package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// maxRRuleSpecBytes bounds the accepted spec size; anything larger is
// rejected before parsing.
const maxRRuleSpecBytes = 4096

// allowedRuleParts is the whitelist of RFC 5545 recurrence components a
// schedule spec may use.
var allowedRuleParts = map[string]struct{}{
	"FREQ":       {},
	"INTERVAL":   {},
	"COUNT":      {},
	"UNTIL":      {},
	"BYDAY":      {},
	"BYMONTHDAY": {},
	"BYMONTH":    {},
	"BYYEARDAY":  {},
	"BYWEEKNO":   {},
	"BYSETPOS":   {},
	"BYHOUR":     {},
	"BYMINUTE":   {},
	"BYSECOND":   {},
}

// parsedRule is the normalized form of a schedule's rrule spec.
type parsedRule struct {
	// ruleText is the FREQ=... content line without the RRULE: prefix.
	ruleText string
	// dtstart is set when the spec carries an explicit DTSTART (UTC).
	dtstart    time.Time
	hasDtstart bool
	// First BYHOUR/BYMINUTE/BYSECOND values, used to snap a derived DTSTART.
	hasTime                    bool
	byHour, byMinute, bySecond int
}

// parseRRuleSpec validates and splits a spec into its DTSTART and rule
// parts. Specs are either a bare content line ("FREQ=DAILY;BYHOUR=9") or
// RFC 5545 lines ("DTSTART:20300101T090000Z\nRRULE:FREQ=DAILY").
func parseRRuleSpec(spec string, loc *time.Location) (*parsedRule, error) {
	if len(spec) > maxRRuleSpecBytes {
		return nil, fmt.Errorf("rrule spec exceeds %d bytes", maxRRuleSpecBytes)
	}

	p := &parsedRule{}
	for _, raw := range strings.Split(spec, "\n") {
		line := strings.TrimSpace(strings.TrimSuffix(raw, "\r"))
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "DTSTART"):
			dt, err := parseDtstartLine(line, loc)
			if err != nil {
				return nil, err
			}
			p.dtstart = dt
			p.hasDtstart = true
		case strings.HasPrefix(line, "RRULE:"):
			p.ruleText = strings.TrimPrefix(line, "RRULE:")
		default:
			p.ruleText = line
		}
	}
	if p.ruleText == "" {
		return nil, fmt.Errorf("rrule spec has no recurrence rule")
	}

	if err := p.scanRuleParts(); err != nil {
		return nil, err
	}
	if !strings.Contains(p.ruleText, "FREQ=") {
		return nil, fmt.Errorf("rrule spec is missing FREQ")
	}
	return p, nil
}

func (p *parsedRule) scanRuleParts() error {
	for _, part := range strings.Split(p.ruleText, ";") {
		name, value, found := strings.Cut(part, "=")
		if !found || value == "" {
			return fmt.Errorf("malformed rrule component %q", part)
		}
		name = strings.ToUpper(strings.TrimSpace(name))
		if _, ok := allowedRuleParts[name]; !ok {
			return fmt.Errorf("rrule component %q is not allowed", name)
		}
		switch name {
		case "BYHOUR":
			v, err := firstIntValue(value, 0, 23)
			if err != nil {
				return fmt.Errorf("BYHOUR: %w", err)
			}
			p.byHour = v
			p.hasTime = true
		case "BYMINUTE":
			v, err := firstIntValue(value, 0, 59)
			if err != nil {
				return fmt.Errorf("BYMINUTE: %w", err)
			}
			p.byMinute = v
			p.hasTime = true
		case "BYSECOND":
			v, err := firstIntValue(value, 0, 59)
			if err != nil {
				return fmt.Errorf("BYSECOND: %w", err)
			}
			p.bySecond = v
			p.hasTime = true
		}
	}
	return nil
}

func firstIntValue(value string, lo, hi int) (int, error) {
	first, _, _ := strings.Cut(value, ",")
	v, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", first)
	}
	if v < lo || v > hi {
		return 0, fmt.Errorf("value %d out of range [%d,%d]", v, lo, hi)
	}
	return v, nil
}

// parseDtstartLine handles "DTSTART:20300101T090000Z" and
// "DTSTART;TZID=Zone:20300101T090000". A TZID overrides the schedule zone.
func parseDtstartLine(line string, loc *time.Location) (time.Time, error) {
	header, value, found := strings.Cut(line, ":")
	if !found {
		return time.Time{}, fmt.Errorf("malformed DTSTART line %q", line)
	}
	value = strings.TrimSpace(value)

	if tzid, ok := strings.CutPrefix(header, "DTSTART;TZID="); ok {
		zone, err := time.LoadLocation(tzid)
		if err != nil {
			return time.Time{}, fmt.Errorf("DTSTART TZID %q: %w", tzid, err)
		}
		loc = zone
	} else if header != "DTSTART" {
		return time.Time{}, fmt.Errorf("malformed DTSTART header %q", header)
	}

	if strings.HasSuffix(value, "Z") {
		t, err := time.Parse("20060102T150405Z", value)
		if err != nil {
			return time.Time{}, fmt.Errorf("DTSTART %q: %w", value, err)
		}
		return t, nil
	}
	t, err := time.ParseInLocation("20060102T150405", value, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("DTSTART %q: %w", value, err)
	}
	return t.UTC(), nil
}

// deriveDtstart returns the rule's DTSTART per the snapping policy: an
// explicit DTSTART wins; a spec with BYHOUR/BYMINUTE/BYSECOND snaps to that
// wall time on the schedule's creation date in the schedule zone; otherwise
// the creation instant is used as-is.
func (p *parsedRule) deriveDtstart(createdAt time.Time, loc *time.Location) time.Time {
	if p.hasDtstart {
		return p.dtstart
	}
	if !p.hasTime {
		return createdAt.UTC().Truncate(time.Second)
	}

	local := createdAt.In(loc)
	dt := ResolveLocal(local.Year(), local.Month(), local.Day(), p.byHour, p.byMinute, p.bySecond, loc)
	if dt.Before(createdAt) {
		// The snap landed in the past. When an offset change sits between the
		// snap and the creation instant, re-anchor on the post-transition
		// offset so the first generated occurrence is not shifted by the
		// stale offset.
		if tr := NextTransition(loc, dt, createdAt); !tr.IsZero() {
			_, off := tr.In(loc).Zone()
			wall := time.Date(local.Year(), local.Month(), local.Day(), p.byHour, p.byMinute, p.bySecond, 0, time.UTC)
			dt = wall.Add(-time.Duration(off) * time.Second)
		}
	}
	return dt
}

// compile builds the recurrence rule with its DTSTART anchored in loc.
func (p *parsedRule) compile(dtstart time.Time, loc *time.Location) (*rrule.RRule, error) {
	opt, err := rrule.StrToROptionInLocation(p.ruleText, loc)
	if err != nil {
		return nil, fmt.Errorf("parse rrule %q: %w", p.ruleText, err)
	}
	opt.Dtstart = dtstart.In(loc)
	rule, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("build rrule %q: %w", p.ruleText, err)
	}
	return rule, nil
}
