// Package media resolves the blob-storage object key for a title.
//
// Two key schemes exist side by side. Legacy titles carry a single fixed
// object path covering all renditions; current titles store per-quality
// HLS manifests under a derived path. Resolution precedence is fixed:
// explicit stored path first, derived quality-keyed path otherwise.
package media

import (
	"fmt"

	"github.com/perchtv/perch/internal/plan"
)

// Key is the tagged variant: exactly one of the two schemes applies.
type Key struct {
	// Fixed is the explicit stored object path (legacy scheme).
	// When non-empty it wins regardless of the derived fields.
	Fixed string

	// Derived-path inputs (current scheme).
	ContentType string // movie or episode
	ContentID   string
	SeasonID    string // episodes only
	EpisodeID   string // episodes only
}

// Resolve returns the object key to stream at the given quality.
func (k Key) Resolve(q plan.Quality) string {
	if k.Fixed != "" {
		return k.Fixed
	}
	if k.ContentType == "episode" && k.SeasonID != "" {
		return fmt.Sprintf("%s/%s/%s/%s/%s/manifest.m3u8",
			k.ContentType, k.ContentID, k.SeasonID, k.EpisodeID, q)
	}
	return fmt.Sprintf("%s/%s/%s/manifest.m3u8", k.ContentType, k.ContentID, q)
}

// IsFixed reports whether the legacy fixed-path scheme applies.
func (k Key) IsFixed() bool { return k.Fixed != "" }
