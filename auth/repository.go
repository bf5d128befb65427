package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrUserNotFound signals that the user does not exist.
	ErrUserNotFound = errors.New("auth: user not found")
	// ErrDuplicateEmail signals that the email is already registered.
	ErrDuplicateEmail = errors.New("auth: email already exists")
)

// AdminDirectory answers who may arbitrate escalations.
type AdminDirectory interface {
	IsAdmin(ctx context.Context, userID string) (bool, error)
	ListAdminIDs(ctx context.Context) ([]string, error)
}

// PGRepository reads identities from the users table.
type PGRepository struct {
	pool *pgxpool.Pool
}

var _ AdminDirectory = (*PGRepository)(nil)

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// CreateUser inserts a user row. Used by seeders and tests.
func (r *PGRepository) CreateUser(ctx context.Context, email, fullName string, role Role) (User, error) {
	if !role.Valid() {
		return User{}, fmt.Errorf("auth: invalid role %q", role)
	}

	const insertSQL = `
		INSERT INTO users (email, full_name, role)
		VALUES ($1, $2, $3)
		RETURNING id::text, email, full_name, role, created_at
	`

	user, err := scanUser(r.pool.QueryRow(ctx, insertSQL, email, fullName, string(role)))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return User{}, ErrDuplicateEmail
		}
		return User{}, fmt.Errorf("auth: create user: %w", err)
	}
	return user, nil
}

// GetUserByID retrieves a user by ID.
func (r *PGRepository) GetUserByID(ctx context.Context, userID string) (User, error) {
	const selectSQL = `
		SELECT id::text, email, full_name, role, created_at
		FROM users
		WHERE id = $1
	`

	user, err := scanUser(r.pool.QueryRow(ctx, selectSQL, userID))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.Is(err, pgx.ErrNoRows) || (errors.As(err, &pgErr) && pgErr.Code == "22P02") {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("auth: get user by id: %w", err)
	}
	return user, nil
}

func (r *PGRepository) IsAdmin(ctx context.Context, userID string) (bool, error) {
	user, err := r.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return false, nil
		}
		return false, err
	}
	return user.Role == RoleAdmin, nil
}

func (r *PGRepository) ListAdminIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT id::text FROM users WHERE role = 'admin' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("auth: list admins: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("auth: scan admin: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("auth: iterate admins: %w", err)
	}
	return ids, nil
}

func scanUser(row pgx.Row) (User, error) {
	var user User
	if err := row.Scan(&user.ID, &user.Email, &user.FullName, &user.Role, &user.CreatedAt); err != nil {
		return User{}, err
	}
	return user, nil
}

// StaticDirectory is an in-memory AdminDirectory.
type StaticDirectory struct {
	mu     sync.RWMutex
	admins map[string]struct{}
	Err    error
}

var _ AdminDirectory = (*StaticDirectory)(nil)

func NewStaticDirectory(adminIDs ...string) *StaticDirectory {
	d := &StaticDirectory{admins: make(map[string]struct{}, len(adminIDs))}
	for _, id := range adminIDs {
		d.admins[id] = struct{}{}
	}
	return d
}

func (d *StaticDirectory) IsAdmin(_ context.Context, userID string) (bool, error) {
	if d.Err != nil {
		return false, d.Err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.admins[userID]
	return ok, nil
}

func (d *StaticDirectory) ListAdminIDs(context.Context) ([]string, error) {
	if d.Err != nil {
		return nil, d.Err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.admins))
	for id := range d.admins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
