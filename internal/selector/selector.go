// Package selector draws one variant from a template pool under a
// schedule's selection policy. Selection is deterministic: the PRNG is
// seeded from (schedule id, fire instant), so retries and previews
// reproduce the same choice on any host.
package selector

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/plumefeed/plume/internal/domain/model"
)

// Seed derives the selection seed for a fire: the first 8 bytes of
// SHA-256("{schedule_id}:{planned_at}") as a big-endian int64, with
// planned_at normalized to UTC at second precision.
func Seed(scheduleID string, plannedAt time.Time) int64 {
	canonical := scheduleID + ":" + plannedAt.UTC().Truncate(time.Second).Format(time.RFC3339)
	sum := sha256.Sum256([]byte(canonical))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// Input groups everything one selection needs. Pool is the template's
// active variants; Recent holds the variant ids of the most recent history
// entries inside the no-repeat window, newest first.
type Input struct {
	Schedule *model.Schedule
	Pool     []model.PostVariant
	Recent   []string
}

// Result is the outcome of one selection. Variant is nil when the active
// pool is empty, in which case the caller skips the fire. Position is the
// chosen index in the id-ordered pool for ROUND_ROBIN and -1 otherwise.
type Result struct {
	Variant  *model.PostVariant
	Seed     int64
	Position int
	// WindowFellBack is true when the no-repeat filter emptied the pool and
	// selection fell back to the full active pool.
	WindowFellBack bool
}

// Select picks a variant for the fire at plannedAt.
func Select(in Input, plannedAt time.Time) (Result, error) {
	res := Result{Position: -1}
	if len(in.Pool) == 0 {
		return res, nil
	}
	res.Seed = Seed(in.Schedule.ID, plannedAt)

	pool := make([]model.PostVariant, len(in.Pool))
	copy(pool, in.Pool)
	sort.Slice(pool, func(i, j int) bool { return pool[i].ID < pool[j].ID })

	if in.Schedule.NoRepeatWindow > 0 {
		filtered := excludeRecent(pool, in.Recent)
		if len(filtered) == 0 {
			res.WindowFellBack = true
		} else {
			pool = filtered
		}
	}

	rng := rand.New(rand.NewSource(res.Seed))

	policy := in.Schedule.SelectionPolicy
	switch policy {
	case model.PolicyRandomUniform, model.PolicyNoRepeatWindow, "":
		res.Variant = &pool[rng.Intn(len(pool))]
	case model.PolicyRandomWeighted:
		res.Variant = pickWeighted(pool, rng)
	case model.PolicyRoundRobin:
		pos := 0
		if in.Schedule.LastVariantPos != nil {
			pos = (*in.Schedule.LastVariantPos + 1) % len(pool)
		}
		res.Variant = &pool[pos]
		res.Position = pos
	default:
		return Result{Position: -1}, fmt.Errorf("unknown selection policy %q", policy)
	}
	return res, nil
}

func excludeRecent(pool []model.PostVariant, recent []string) []model.PostVariant {
	if len(recent) == 0 {
		return pool
	}
	seen := make(map[string]struct{}, len(recent))
	for _, id := range recent {
		seen[id] = struct{}{}
	}
	out := pool[:0:0]
	for _, v := range pool {
		if _, skip := seen[v.ID]; !skip {
			out = append(out, v)
		}
	}
	return out
}

func pickWeighted(pool []model.PostVariant, rng *rand.Rand) *model.PostVariant {
	total := 0
	for _, v := range pool {
		if v.Weight > 0 {
			total += v.Weight
		}
	}
	if total <= 0 {
		return &pool[rng.Intn(len(pool))]
	}
	n := rng.Intn(total)
	for i := range pool {
		if pool[i].Weight <= 0 {
			continue
		}
		n -= pool[i].Weight
		if n < 0 {
			return &pool[i]
		}
	}
	return &pool[len(pool)-1]
}
