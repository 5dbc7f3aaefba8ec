package catalog

import (
	"context"
	"database/sql"
	"fmt"
)

// PGCatalog reads the catalog collaborator's tables.
type PGCatalog struct {
	db *sql.DB
}

// NewPGCatalog creates a Postgres-backed catalog view.
func NewPGCatalog(db *sql.DB) *PGCatalog {
	return &PGCatalog{db: db}
}

func (c *PGCatalog) Content(ctx context.Context, contentType, id string) (*Content, error) {
	out := &Content{ID: id, Type: contentType}
	var fixedPath, seriesID, seasonID, episodeID sql.NullString

	err := c.db.QueryRowContext(ctx, `
		SELECT title, storage_path, series_id, season_id, episode_id
		FROM catalog_content
		WHERE id = $1 AND content_type = $2 AND is_active = true
	`, id, contentType).Scan(&out.Title, &fixedPath, &seriesID, &seasonID, &episodeID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: content %s/%s: %w", contentType, id, err)
	}

	out.FixedPath = fixedPath.String
	out.SeriesID = seriesID.String
	out.SeasonID = seasonID.String
	out.EpisodeID = episodeID.String

	rows, err := c.db.QueryContext(ctx, `
		SELECT language, label, path
		FROM catalog_subtitles
		WHERE content_id = $1 AND content_type = $2
		ORDER BY language
	`, id, contentType)
	if err != nil {
		return nil, fmt.Errorf("catalog: subtitles %s/%s: %w", contentType, id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var s Subtitle
		if err := rows.Scan(&s.Language, &s.Label, &s.Path); err != nil {
			return nil, fmt.Errorf("catalog: scan subtitle: %w", err)
		}
		out.Subtitles = append(out.Subtitles, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: subtitles %s/%s: %w", contentType, id, err)
	}

	return out, nil
}
