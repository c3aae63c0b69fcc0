package postgres

import (
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// toTimestamptz converts an optional domain time to a pgtype.Timestamptz.
// A nil pointer is stored as NULL.
func toTimestamptz(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{Valid: false}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

// fromTimestamptz converts a pgtype.Timestamptz to an optional UTC time.
// A NULL value is converted to nil.
func fromTimestamptz(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	utc := t.Time.UTC()
	return &utc
}
