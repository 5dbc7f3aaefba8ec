// Package catalog is the read-only interface to the catalog collaborator:
// content existence, active flag, legacy storage paths, and subtitles.
// Catalog CRUD itself lives elsewhere.
package catalog

import (
	"context"
	"errors"

	"github.com/perchtv/perch/internal/media"
)

// ErrNotFound is returned for missing or inactive content. The playback
// controller treats both the same way: the title is not streamable.
var ErrNotFound = errors.New("catalog: content not found or inactive")

// Subtitle is one subtitle track attached to a title.
type Subtitle struct {
	Language string `json:"language"`
	Label    string `json:"label"`
	Path     string `json:"path"`
}

// Content is the resolved catalog view of one streamable title.
type Content struct {
	ID        string
	Type      string // movie or episode
	Title     string
	SeriesID  string // episodes only
	SeasonID  string // episodes only
	EpisodeID string // episodes only
	FixedPath string // legacy single-object path, empty for quality-keyed titles
	Subtitles []Subtitle
}

// MediaKey returns the title's storage key variant for resolution.
func (c *Content) MediaKey() media.Key {
	return media.Key{
		Fixed:       c.FixedPath,
		ContentType: c.Type,
		ContentID:   c.ID,
		SeasonID:    c.SeasonID,
		EpisodeID:   c.EpisodeID,
	}
}

// Catalog supplies streamable content. Implemented by PGCatalog in
// production and an in-memory fake in tests.
type Catalog interface {
	// Content returns the active title with the given type and id, or
	// ErrNotFound.
	Content(ctx context.Context, contentType, id string) (*Content, error)
}
