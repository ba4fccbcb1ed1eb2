package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/quietwire/pingmark/pkg/models"
)

// PointStore persists emitted tracker points.
type PointStore struct {
	db *sql.DB
}

// NewPointStore creates a PointStore on the given pool.
func NewPointStore(db *sql.DB) *PointStore {
	return &PointStore{db: db}
}

// AddPoint appends one tracker point for a session.
func (s *PointStore) AddPoint(ctx context.Context, key models.SessionKey, point models.TrackerPoint) error {
	var probeID sql.NullString
	if point.ProbeID != "" {
		probeID = sql.NullString{String: point.ProbeID, Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tracker_points
		 (user_id, contact_id, platform, device_id, state, timestamp_ms,
		  rtt_ms, avg_ms, median_ms, threshold_ms, timeout_streak, probe_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		key.UserID, key.ContactID, key.Platform, point.DeviceID, point.State,
		point.TimestampMS, point.RTTMS, point.AvgMS, point.MedianMS,
		point.ThresholdMS, point.TimeoutStreak, probeID)
	if err != nil {
		return fmt.Errorf("failed to insert tracker point: %w", err)
	}
	return nil
}

// RecentPoints returns up to limit points for a contact, oldest first.
func (s *PointStore) RecentPoints(ctx context.Context, userID, contactID int64, limit int) ([]models.TrackerPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pointColumns+` FROM (
		     SELECT * FROM tracker_points
		     WHERE user_id = $1 AND contact_id = $2
		     ORDER BY timestamp_ms DESC LIMIT $3
		 ) sub ORDER BY timestamp_ms ASC`,
		userID, contactID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query tracker points: %w", err)
	}
	defer rows.Close()

	var points []models.TrackerPoint
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, err
		}
		points = append(points, *p)
	}
	return points, rows.Err()
}

// LatestPoint returns the newest point for a contact, or ErrNotFound.
func (s *PointStore) LatestPoint(ctx context.Context, userID, contactID int64) (*models.TrackerPoint, error) {
	p, err := scanPoint(s.db.QueryRowContext(ctx,
		`SELECT `+pointColumns+` FROM tracker_points
		 WHERE user_id = $1 AND contact_id = $2
		 ORDER BY timestamp_ms DESC LIMIT 1`,
		userID, contactID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

const pointColumns = `device_id, state, timestamp_ms, rtt_ms, avg_ms,
	median_ms, threshold_ms, timeout_streak, COALESCE(probe_id, '')`

func scanPoint(row rowScanner) (*models.TrackerPoint, error) {
	var p models.TrackerPoint
	err := row.Scan(&p.DeviceID, &p.State, &p.TimestampMS, &p.RTTMS, &p.AvgMS,
		&p.MedianMS, &p.ThresholdMS, &p.TimeoutStreak, &p.ProbeID)
	if err != nil {
		return nil, fmt.Errorf("failed to scan tracker point: %w", err)
	}
	return &p, nil
}
