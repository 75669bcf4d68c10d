package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// UserRepository answers recipient lookups against the users table owned by
// the identity service.
type UserRepository struct {
	db *sqlx.DB
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

// Exists reports whether a user with id exists.
func (r *UserRepository) Exists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, id)
	if err != nil {
		return false, persistenceErr(fmt.Sprintf("find user %d", id), err)
	}
	return exists, nil
}

// FilterExisting returns the subset of ids that belong to existing users, in
// ascending order.
func (r *UserRepository) FilterExisting(ctx context.Context, ids []int64) ([]int64, error) {
	found := []int64{}
	if len(ids) == 0 {
		return found, nil
	}

	err := r.db.SelectContext(ctx, &found,
		`SELECT id FROM users WHERE id = ANY($1::bigint[]) ORDER BY id`, ids)
	if err != nil {
		return nil, persistenceErr("filter existing users", err)
	}
	return found, nil
}
