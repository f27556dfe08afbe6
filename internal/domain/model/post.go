package model

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxPostLength is the maximum text length the external service accepts.
const MaxPostLength = 280

// Post is a fixed piece of content owned by the operator. Legacy schedules
// reference a Post directly instead of a template.
type Post struct {
	ID        string    `json:"id"                   db:"id"`
	Text      string    `json:"text"                 db:"text"`
	MediaRefs []string  `json:"media_refs,omitempty" db:"media_refs"`
	Deleted   bool      `json:"deleted"              db:"deleted"`
	CreatedAt time.Time `json:"created_at"           db:"created_at"`
	UpdatedAt time.Time `json:"updated_at"           db:"updated_at"`
}

// Validate checks the post text constraints.
func (p *Post) Validate() error {
	return validateText(p.Text)
}

// PostTemplate owns a pool of variants. Deleting a template cascades to its
// variants.
type PostTemplate struct {
	ID          string    `json:"id"          db:"id"`
	Name        string    `json:"name"        db:"name"`
	Description string    `json:"description" db:"description"`
	Active      bool      `json:"active"      db:"active"`
	CreatedAt   time.Time `json:"created_at"  db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"  db:"updated_at"`
}

// Validate checks template constraints.
func (t *PostTemplate) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("template name is required")
	}
	return nil
}

// PostVariant is one candidate text under a template.
type PostVariant struct {
	ID         string    `json:"id"                   db:"id"`
	TemplateID string    `json:"template_id"          db:"template_id"`
	Text       string    `json:"text"                 db:"text"`
	Weight     int       `json:"weight"               db:"weight"`
	Active     bool      `json:"active"               db:"active"`
	MediaRefs  []string  `json:"media_refs,omitempty" db:"media_refs"`
	Locale     *string   `json:"locale,omitempty"     db:"locale"`
	Tags       []string  `json:"tags,omitempty"       db:"tags"`
	CreatedAt  time.Time `json:"created_at"           db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"           db:"updated_at"`
}

// Validate checks variant constraints.
func (v *PostVariant) Validate() error {
	if v.TemplateID == "" {
		return errors.New("template id is required")
	}
	if v.Weight < 1 {
		return errors.New("weight must be >= 1")
	}
	return validateText(v.Text)
}

func validateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("text is required")
	}
	if utf8.RuneCountInString(text) > MaxPostLength {
		return errors.New("text exceeds 280 characters")
	}
	return nil
}
