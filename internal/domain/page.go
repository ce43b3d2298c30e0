package domain

import (
	"errors"

	"github.com/google/uuid"
)

// Common validation errors for Page
var (
	ErrEmptyPageContent   = errors.New("page content cannot be empty")
	ErrEmptyPagePageID    = errors.New("page ID cannot be empty")
	ErrInvalidPageOrdinal = errors.New("page number must be positive")
)

// Page is the narrative unit supplied by the story creation flow. The
// pipeline never persists pages; it only reads their content to derive
// illustration prompts and reports illustration status keyed by PageID.
type Page struct {
	PageID     uuid.UUID `json:"page_id"`
	PageNumber int       `json:"page_number"`
	Content    string    `json:"content"`
}

// Validate checks if the Page has valid data.
func (p Page) Validate() error {
	if p.PageID == uuid.Nil {
		return ErrEmptyPagePageID
	}
	if p.PageNumber < 1 {
		return ErrInvalidPageOrdinal
	}
	if p.Content == "" {
		return ErrEmptyPageContent
	}
	return nil
}
