// Package devseed populates a development database with sample posts,
// a variant template, and schedules covering every schedule kind. Seeding
// is idempotent: existing rows are matched by name or text and left alone.
package devseed

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/plumefeed/plume/internal/data"
	"github.com/plumefeed/plume/internal/domain/model"
	"github.com/plumefeed/plume/internal/schedule"
	"github.com/plumefeed/plume/internal/service"
)

const seedListLimit = 500

// Services bundles the dependencies needed for development seeding.
type Services struct {
	DB        *sql.DB
	posts     *service.PostService
	templates *data.TemplateRepo
	schedules *service.ScheduleService
}

// NewServices constructs all required services for seeding using the provided DB.
func NewServices(db *sql.DB) Services {
	postRepo := data.NewPostRepo(db)
	scheduleRepo := data.NewScheduleRepo(db)
	jobRepo := data.NewPublishJobRepo(db)
	templateRepo := data.NewTemplateRepo(db)

	postService := service.NewPostService(service.PostServiceOptions{
		Posts:     postRepo,
		Schedules: scheduleRepo,
		Jobs:      jobRepo,
		Tx:        service.DBTxRunner{DB: db},
	})

	scheduleService := service.NewScheduleService(service.ScheduleServiceOptions{
		Schedules: scheduleRepo,
		Jobs:      jobRepo,
		Templates: templateRepo,
		History:   data.NewSelectionHistoryRepo(db),
		Resolver:  schedule.NewResolver(schedule.ResolverOptions{}),
		Tx:        service.DBTxRunner{DB: db},
	})

	return Services{
		DB:        db,
		posts:     postService,
		templates: templateRepo,
		schedules: scheduleService,
	}
}

// Run executes the full development seeding workflow against the provided DB.
func Run(ctx context.Context, svcs Services, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	failures := 0

	postIDs, postFailures := seedPosts(ctx, svcs.posts, logger)
	failures += postFailures

	templateID, err := seedTemplate(ctx, svcs.templates, logger)
	if err != nil {
		logger.ErrorContext(ctx, "failed to seed template", "error", err)
		failures++
	} else {
		failures += seedVariants(ctx, svcs.templates, templateID, logger)
	}

	failures += seedSchedules(ctx, seedScheduleDeps{
		Schedules:  svcs.schedules,
		PostIDs:    postIDs,
		TemplateID: templateID,
		Logger:     logger,
	})

	if failures > 0 {
		return fmt.Errorf("%d seed errors; check logs", failures)
	}
	return nil
}

func defaultPosts() []model.Post {
	return []model.Post{
		{Text: "We just shipped a new release. Full changelog on the blog."},
		{Text: "Reminder: office hours every Thursday at 16:00 UTC. Bring your questions."},
		{Text: "Thanks for 10k followers! Here's to the next milestone."},
	}
}

// seedPosts creates the fixed sample posts and returns their ids keyed by
// text, so schedule seeding can bind to them.
func seedPosts(ctx context.Context, svc *service.PostService, logger *slog.Logger) (map[string]string, int) {
	existing, err := svc.List(ctx, seedListLimit, 0)
	if err != nil {
		logger.ErrorContext(ctx, "failed to list posts", "error", err)
		return nil, 1
	}

	byText := make(map[string]string, len(existing))
	for _, p := range existing {
		byText[p.Text] = p.ID
	}

	failures := 0
	for _, seed := range defaultPosts() {
		if id, ok := byText[seed.Text]; ok {
			logger.InfoContext(ctx, "post already exists", "post_id", id)
			continue
		}
		created, createErr := svc.Create(ctx, &seed)
		if createErr != nil {
			logger.ErrorContext(ctx, "failed to create post", "error", createErr)
			failures++
			continue
		}
		byText[created.Text] = created.ID
		logger.InfoContext(ctx, "created post", "post_id", created.ID)
	}
	return byText, failures
}

const seedTemplateName = "daily-tips"

func seedTemplate(ctx context.Context, repo *data.TemplateRepo, logger *slog.Logger) (string, error) {
	existing, err := repo.ListTemplates(ctx, seedListLimit, 0)
	if err != nil {
		return "", fmt.Errorf("list templates: %w", err)
	}
	for _, t := range existing {
		if t.Name == seedTemplateName {
			logger.InfoContext(ctx, "template already exists", "template_id", t.ID)
			return t.ID, nil
		}
	}

	created, err := repo.CreateTemplate(ctx, &model.PostTemplate{
		Name:        seedTemplateName,
		Description: "Rotating product tips for the weekday morning slot",
		Active:      true,
	})
	if err != nil {
		return "", fmt.Errorf("create template: %w", err)
	}
	logger.InfoContext(ctx, "created template", "template_id", created.ID)
	return created.ID, nil
}

func defaultVariants(templateID string) []model.PostVariant {
	return []model.PostVariant{
		{
			TemplateID: templateID,
			Text:       "Tip: pin your most-used dashboards for one-click access.",
			Weight:     3,
			Active:     true,
			Tags:       []string{"tips", "dashboards"},
		},
		{
			TemplateID: templateID,
			Text:       "Tip: keyboard shortcuts are under '?' on every page.",
			Weight:     2,
			Active:     true,
			Tags:       []string{"tips", "shortcuts"},
		},
		{
			TemplateID: templateID,
			Text:       "Tip: export any report as CSV from the share menu.",
			Weight:     2,
			Active:     true,
			Tags:       []string{"tips", "reports"},
		},
		{
			TemplateID: templateID,
			Text:       "Tipp: Tastaturkuerzel findest du unter '?' auf jeder Seite.",
			Weight:     1,
			Active:     true,
			Locale:     stringPtr("de"),
			Tags:       []string{"tips", "shortcuts"},
		},
	}
}

func seedVariants(ctx context.Context, repo *data.TemplateRepo, templateID string, logger *slog.Logger) int {
	existing, err := repo.ListVariants(ctx, templateID, true)
	if err != nil {
		logger.ErrorContext(ctx, "failed to list variants", "template_id", templateID, "error", err)
		return 1
	}

	seen := make(map[string]bool, len(existing))
	for _, v := range existing {
		seen[v.Text] = true
	}

	failures := 0
	for _, seed := range defaultVariants(templateID) {
		if seen[seed.Text] {
			logger.InfoContext(ctx, "variant already exists", "template_id", templateID)
			continue
		}
		created, createErr := repo.CreateVariant(ctx, &seed)
		if createErr != nil {
			logger.ErrorContext(ctx, "failed to create variant", "template_id", templateID, "error", createErr)
			failures++
			continue
		}
		logger.InfoContext(ctx, "created variant", "variant_id", created.ID, "weight", created.Weight)
	}
	return failures
}

type seedScheduleDeps struct {
	Schedules  *service.ScheduleService
	PostIDs    map[string]string
	TemplateID string
	Logger     *slog.Logger
}

func defaultScheduleSeeds(d seedScheduleDeps) []model.Schedule {
	seeds := []model.Schedule{}

	if d.TemplateID != "" {
		seeds = append(seeds,
			model.Schedule{
				TemplateID:      stringPtr(d.TemplateID),
				Kind:            model.ScheduleKindCron,
				Spec:            "30 9 * * 1-5",
				Timezone:        "America/New_York",
				SelectionPolicy: model.PolicyNoRepeatWindow,
				NoRepeatWindow:  2,
				NoRepeatScope:   model.ScopeTemplate,
			},
			model.Schedule{
				TemplateID:      stringPtr(d.TemplateID),
				Kind:            model.ScheduleKindRRule,
				Spec:            "FREQ=WEEKLY;BYDAY=SA;BYHOUR=10;BYMINUTE=0;BYSECOND=0",
				Timezone:        "Europe/Berlin",
				SelectionPolicy: model.PolicyRoundRobin,
			},
		)
	}

	// One fixed-post one-shot a week out, rounded so reruns within the same
	// hour do not mint a new instant.
	if postID, ok := d.PostIDs["We just shipped a new release. Full changelog on the blog."]; ok {
		fireAt := time.Now().UTC().Add(7 * 24 * time.Hour).Truncate(time.Hour)
		seeds = append(seeds, model.Schedule{
			PostID:   stringPtr(postID),
			Kind:     model.ScheduleKindOneShot,
			Spec:     fireAt.Format(time.RFC3339),
			Timezone: "UTC",
		})
	}

	return seeds
}

func seedSchedules(ctx context.Context, d seedScheduleDeps) int {
	existing, err := d.Schedules.List(ctx, seedListLimit, 0)
	if err != nil {
		d.Logger.ErrorContext(ctx, "failed to list schedules", "error", err)
		return 1
	}

	failures := 0
	for _, seed := range defaultScheduleSeeds(d) {
		if id, ok := findExistingSchedule(existing, &seed); ok {
			d.Logger.InfoContext(ctx, "schedule already exists", "schedule_id", id, "kind", seed.Kind)
			continue
		}
		created, createErr := d.Schedules.Create(ctx, &seed)
		if createErr != nil {
			d.Logger.ErrorContext(ctx, "failed to create schedule", "kind", seed.Kind, "error", createErr)
			failures++
			continue
		}
		d.Logger.InfoContext(ctx, "created schedule",
			"schedule_id", created.ID, "kind", created.Kind, "next_run_at", created.NextRunAt)
	}
	return failures
}

// findExistingSchedule matches recurring seeds by (kind, spec) and one-shot
// seeds by bound post, since a one-shot's instant moves between runs.
func findExistingSchedule(existing []model.Schedule, seed *model.Schedule) (string, bool) {
	for _, s := range existing {
		if s.Kind != seed.Kind {
			continue
		}
		if seed.Kind == model.ScheduleKindOneShot {
			if s.PostID != nil && seed.PostID != nil && *s.PostID == *seed.PostID {
				return s.ID, true
			}
			continue
		}
		if s.Spec == seed.Spec {
			return s.ID, true
		}
	}
	return "", false
}

func stringPtr(s string) *string { return &s }
