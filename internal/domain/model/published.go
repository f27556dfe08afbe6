package model

import "time"

// PublishedPost records one successful publish against the external service.
// ExternalID is unique; retries that observe an existing row reuse it.
type PublishedPost struct {
	ID          string    `json:"id"                   db:"id"`
	PostID      *string   `json:"post_id,omitempty"    db:"post_id"`
	VariantID   *string   `json:"variant_id,omitempty" db:"variant_id"`
	ExternalID  string    `json:"external_id"          db:"external_id"`
	URL         string    `json:"url"                  db:"url"`
	Text        string    `json:"text"                 db:"text"`
	PublishedAt time.Time `json:"published_at"         db:"published_at"`
}

// VariantSelectionHistory is an append-only record of one variant pick.
// Rows are written inside the tick transaction after the job row exists and
// back the no-repeat window.
type VariantSelectionHistory struct {
	ID         string    `json:"id"          db:"id"`
	TemplateID string    `json:"template_id" db:"template_id"`
	VariantID  string    `json:"variant_id"  db:"variant_id"`
	ScheduleID string    `json:"schedule_id" db:"schedule_id"`
	JobID      string    `json:"job_id"      db:"job_id"`
	PlannedAt  time.Time `json:"planned_at"  db:"planned_at"`
	SelectedAt time.Time `json:"selected_at" db:"selected_at"`
}
