package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/quietwire/pingmark/pkg/models"
)

// ProbeStore is the durable probe index. Receipt services resolve
// platform-native identifiers (message timestamp or message id) against
// it to discover which session a receipt belongs to.
type ProbeStore struct {
	db *sql.DB
}

// NewProbeStore creates a ProbeStore on the given pool.
func NewProbeStore(db *sql.DB) *ProbeStore {
	return &ProbeStore{db: db}
}

// InsertProbe records one sent probe. Unique on (platform, probe_id);
// a duplicate returns ErrAlreadyExists.
func (s *ProbeStore) InsertProbe(ctx context.Context, userID, contactID int64, platform, probeID string, sentAtMS int64, platformMessageTS int64, platformMessageID string, sendResponse []byte) error {
	var ts sql.NullInt64
	if platformMessageTS != 0 {
		ts = sql.NullInt64{Int64: platformMessageTS, Valid: true}
	}
	var msgID sql.NullString
	if platformMessageID != "" {
		msgID = sql.NullString{String: platformMessageID, Valid: true}
	}
	var resp any
	if len(sendResponse) > 0 {
		resp = sendResponse
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO platform_probes
		 (user_id, contact_id, platform, probe_id, sent_at_ms, platform_message_ts, platform_message_id, send_response)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		userID, contactID, platform, probeID, sentAtMS, ts, msgID, resp)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("probe %s/%s: %w", platform, probeID, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to insert probe: %w", err)
	}
	return nil
}

// FindByPlatformTS resolves a probe by its platform message timestamp.
func (s *ProbeStore) FindByPlatformTS(ctx context.Context, platform string, ts int64) (*models.Probe, error) {
	return s.findOne(ctx,
		`SELECT `+probeColumns+` FROM platform_probes
		 WHERE platform = $1 AND platform_message_ts = $2`,
		platform, ts)
}

// FindByPlatformMessageID resolves a probe by its platform message id.
func (s *ProbeStore) FindByPlatformMessageID(ctx context.Context, platform, messageID string) (*models.Probe, error) {
	return s.findOne(ctx,
		`SELECT `+probeColumns+` FROM platform_probes
		 WHERE platform = $1 AND platform_message_id = $2`,
		platform, messageID)
}

// MarkDelivered records the earliest delivery time for a probe.
// Set-once: a later receipt never overwrites an existing value.
func (s *ProbeStore) MarkDelivered(ctx context.Context, probeID string, deliveredAtMS int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE platform_probes SET delivered_at_ms = $2
		 WHERE probe_id = $1 AND delivered_at_ms IS NULL`,
		probeID, deliveredAtMS)
	if err != nil {
		return fmt.Errorf("failed to mark probe delivered: %w", err)
	}
	return nil
}

// MarkRead records the earliest read time for a probe. Set-once.
func (s *ProbeStore) MarkRead(ctx context.Context, probeID string, readAtMS int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE platform_probes SET read_at_ms = $2
		 WHERE probe_id = $1 AND read_at_ms IS NULL`,
		probeID, readAtMS)
	if err != nil {
		return fmt.Errorf("failed to mark probe read: %w", err)
	}
	return nil
}

// RecentProbes returns up to limit probes for a contact, oldest first.
func (s *ProbeStore) RecentProbes(ctx context.Context, userID, contactID int64, limit int) ([]models.Probe, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+probeColumns+` FROM (
		     SELECT * FROM platform_probes
		     WHERE user_id = $1 AND contact_id = $2
		     ORDER BY sent_at_ms DESC LIMIT $3
		 ) sub ORDER BY sent_at_ms ASC`,
		userID, contactID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query probes: %w", err)
	}
	defer rows.Close()

	var probes []models.Probe
	for rows.Next() {
		p, err := scanProbe(rows)
		if err != nil {
			return nil, err
		}
		probes = append(probes, *p)
	}
	return probes, rows.Err()
}

// LatestProbe returns the most recently sent probe for a contact.
func (s *ProbeStore) LatestProbe(ctx context.Context, userID, contactID int64) (*models.Probe, error) {
	return s.findOne(ctx,
		`SELECT `+probeColumns+` FROM platform_probes
		 WHERE user_id = $1 AND contact_id = $2
		 ORDER BY sent_at_ms DESC LIMIT 1`,
		userID, contactID)
}

const probeColumns = `id, user_id, contact_id, platform, probe_id, sent_at_ms,
	COALESCE(platform_message_ts, 0), COALESCE(platform_message_id, ''),
	COALESCE(delivered_at_ms, 0), COALESCE(read_at_ms, 0)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProbe(row rowScanner) (*models.Probe, error) {
	var p models.Probe
	err := row.Scan(&p.ID, &p.UserID, &p.ContactID, &p.Platform, &p.ProbeID,
		&p.SentAtMS, &p.PlatformMessageTS, &p.PlatformMessageID,
		&p.DeliveredAtMS, &p.ReadAtMS)
	if err != nil {
		return nil, fmt.Errorf("failed to scan probe: %w", err)
	}
	return &p, nil
}

func (s *ProbeStore) findOne(ctx context.Context, query string, args ...any) (*models.Probe, error) {
	p, err := scanProbe(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique
// constraint violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
