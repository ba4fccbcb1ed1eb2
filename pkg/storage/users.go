package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/quietwire/pingmark/pkg/models"
)

// UserStore manages accounts.
type UserStore struct {
	db *sql.DB
}

// NewUserStore creates a UserStore on the given pool.
func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

// Create inserts a user. Returns ErrAlreadyExists on a duplicate email
// or user name.
func (s *UserStore) Create(ctx context.Context, email, userName, passwordHash string) (*models.User, error) {
	u := models.User{Email: email, UserName: userName, PasswordHash: passwordHash}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO users (email, user_name, password_hash)
		 VALUES ($1, $2, $3)
		 RETURNING id, created_at`,
		email, userName, passwordHash,
	).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	return &u, nil
}

// FindByIdentifier looks a user up by email or user name.
func (s *UserStore) FindByIdentifier(ctx context.Context, identifier string) (*models.User, error) {
	return s.findOne(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1 OR user_name = $1`,
		identifier)
}

// FindByID looks a user up by primary key.
func (s *UserStore) FindByID(ctx context.Context, id int64) (*models.User, error) {
	return s.findOne(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

const userColumns = `id, email, user_name, password_hash, created_at`

func (s *UserStore) findOne(ctx context.Context, query string, args ...any) (*models.User, error) {
	var u models.User
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&u.ID, &u.Email, &u.UserName, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return &u, nil
}
