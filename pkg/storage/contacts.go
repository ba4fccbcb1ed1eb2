package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/quietwire/pingmark/pkg/models"
)

// ContactStore manages tracked contacts.
type ContactStore struct {
	db *sql.DB
}

// NewContactStore creates a ContactStore on the given pool.
func NewContactStore(db *sql.DB) *ContactStore {
	return &ContactStore{db: db}
}

// Create inserts a contact and returns it with its assigned id.
func (s *ContactStore) Create(ctx context.Context, c models.Contact) (*models.Contact, error) {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO contacts (user_id, platform, target, display_name, display_number)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		c.UserID, c.Platform, c.Target, c.DisplayName, c.DisplayNumber,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert contact: %w", err)
	}
	return &c, nil
}

// Get returns a contact owned by userID, or ErrNotFound.
func (s *ContactStore) Get(ctx context.Context, userID, contactID int64) (*models.Contact, error) {
	c, err := scanContact(s.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE id = $1 AND user_id = $2`,
		contactID, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

// List returns all contacts for a user, oldest first.
func (s *ContactStore) List(ctx context.Context, userID int64) ([]models.Contact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE user_id = $1 ORDER BY id ASC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query contacts: %w", err)
	}
	defer rows.Close()

	var contacts []models.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, *c)
	}
	return contacts, rows.Err()
}

// Delete removes a contact owned by userID. Returns ErrNotFound when
// the contact does not exist or belongs to someone else.
func (s *ContactStore) Delete(ctx context.Context, userID, contactID int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM contacts WHERE id = $1 AND user_id = $2`,
		contactID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete contact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delete result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetNotifyOnline toggles the back-online notification flag.
func (s *ContactStore) SetNotifyOnline(ctx context.Context, userID, contactID int64, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET notify_online = $3 WHERE id = $1 AND user_id = $2`,
		contactID, userID, enabled)
	if err != nil {
		return fmt.Errorf("failed to update notify_online: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const contactColumns = `id, user_id, platform, target, display_name,
	display_number, COALESCE(avatar_url, ''), notify_online, created_at`

func scanContact(row rowScanner) (*models.Contact, error) {
	var c models.Contact
	err := row.Scan(&c.ID, &c.UserID, &c.Platform, &c.Target, &c.DisplayName,
		&c.DisplayNumber, &c.AvatarURL, &c.NotifyOnline, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan contact: %w", err)
	}
	return &c, nil
}
