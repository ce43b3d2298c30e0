package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/storywright/illustration-api/internal/domain"
)

// PageRequest is one page of a story submission.
type PageRequest struct {
	PageID     uuid.UUID `json:"page_id"     validate:"required"`
	PageNumber int       `json:"page_number" validate:"required,gt=0"`
	Content    string    `json:"content"     validate:"required"`
}

// VisualContextRequest carries the story's visual definitions.
type VisualContextRequest struct {
	StyleGuide           string            `json:"style_guide"`
	CharacterDefinitions map[string]string `json:"character_definitions"`
	SettingDefinitions   map[string]string `json:"setting_definitions"`
}

// CollectionContextRequest carries optional shared constraints for stories
// belonging to a themed collection.
type CollectionContextRequest struct {
	CollectionID                 uuid.UUID `json:"collection_id"`
	SharedCharacters             []string  `json:"shared_characters"`
	UnifiedArtStyle              string    `json:"unified_art_style"`
	AgeGroup                     string    `json:"age_group"`
	RequiresCharacterConsistency bool      `json:"requires_character_consistency"`
	AllowsStyleVariation         bool      `json:"allows_style_variation"`
	SharedProps                  []string  `json:"shared_props"`
}

// EnqueueStoryRequest is the request body for submitting a story for
// illustration.
type EnqueueStoryRequest struct {
	Title             string                    `json:"title"                        validate:"required,max=200"`
	Pages             []PageRequest             `json:"pages"                        validate:"required,min=1,dive"`
	VisualContext     VisualContextRequest      `json:"visual_context"`
	CollectionContext *CollectionContextRequest `json:"collection_context,omitempty"`
}

// TaskResponse is the serialized form of an illustration task.
type TaskResponse struct {
	ID               uuid.UUID  `json:"id"`
	StoryID          uuid.UUID  `json:"story_id"`
	PageID           *uuid.UUID `json:"page_id,omitempty"`
	TaskType         string     `json:"task_type"`
	PageNumber       int        `json:"page_number"`
	Status           string     `json:"status"`
	AttemptCount     int        `json:"attempt_count"`
	IllustrationPath string     `json:"illustration_path,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// EnqueueStoryResponse lists the tasks created (or already active) for a
// story submission.
type EnqueueStoryResponse struct {
	StoryID uuid.UUID      `json:"story_id"`
	Tasks   []TaskResponse `json:"tasks"`
}

// NewTaskResponse converts a domain task to its response form.
func NewTaskResponse(t *domain.IllustrationTask) TaskResponse {
	return TaskResponse{
		ID:               t.ID,
		StoryID:          t.StoryID,
		PageID:           t.PageID,
		TaskType:         string(t.TaskType),
		PageNumber:       t.PageNumber,
		Status:           string(t.Status),
		AttemptCount:     t.AttemptCount,
		IllustrationPath: t.IllustrationPath,
		LastError:        t.LastError,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
}

// NewTaskResponses converts a slice of domain tasks.
func NewTaskResponses(tasks []*domain.IllustrationTask) []TaskResponse {
	out := make([]TaskResponse, len(tasks))
	for i, t := range tasks {
		out[i] = NewTaskResponse(t)
	}
	return out
}
