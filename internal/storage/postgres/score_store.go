package postgres

import (
	"context"
	"fmt"

	"github.com/koyorikoyote/datascraper-api-example/internal/ranker"
)

// ScoreStore loads the scoring configuration from the score_settings
// table. Rows carry a kind discriminator: metric weights and rank
// thresholds share the table.
type ScoreStore struct {
	db db
}

// NewScoreStore creates a ScoreStore on an open connection.
func NewScoreStore(conn db) *ScoreStore {
	return &ScoreStore{db: conn}
}

// Load reads the full scoring configuration.
func (s *ScoreStore) Load(ctx context.Context) (ranker.ScoreSettings, error) {
	rows, err := s.db.Query(ctx,
		`SELECT kind, label, value FROM score_settings ORDER BY id ASC`)
	if err != nil {
		return ranker.ScoreSettings{}, fmt.Errorf("failed to load score settings: %w", err)
	}
	defer rows.Close()

	var settings ranker.ScoreSettings
	for rows.Next() {
		var (
			kind  string
			label string
			value float64
		)
		if err := rows.Scan(&kind, &label, &value); err != nil {
			return ranker.ScoreSettings{}, fmt.Errorf("failed to scan score setting: %w", err)
		}
		switch kind {
		case "metric":
			settings.Metrics = append(settings.Metrics, ranker.WeightedMetric{Label: label, Value: value})
		case "threshold":
			settings.Thresholds = append(settings.Thresholds, ranker.RankThreshold{Label: label, Value: value})
		default:
			return ranker.ScoreSettings{}, fmt.Errorf("unknown score setting kind %q", kind)
		}
	}
	if err := rows.Err(); err != nil {
		return ranker.ScoreSettings{}, fmt.Errorf("failed to read score settings: %w", err)
	}
	return settings, nil
}
