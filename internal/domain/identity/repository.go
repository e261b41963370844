package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/drfirst/go-rxcollect/internal/store"
)

// Repository persists users in the users collection
type Repository struct {
	users store.Collection
}

// NewRepository creates a user repository
func NewRepository(st store.Store) *Repository {
	return &Repository{users: st.Collection(store.Users)}
}

// ErrEmailTaken is returned when the email is already registered
var ErrEmailTaken = errors.New("email already registered")

// Insert stores a new user
func (r *Repository) Insert(ctx context.Context, u *User) error {
	if err := r.users.Insert(ctx, u); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return ErrEmailTaken
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// ByID loads a user, returning store.ErrNotFound when absent
func (r *Repository) ByID(ctx context.Context, id string) (*User, error) {
	var u User
	if err := r.users.FindOne(ctx, store.Where(store.Eq("id", id)), &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// ByEmail loads a user by normalised email
func (r *Repository) ByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	if err := r.users.FindOne(ctx, store.Where(store.Eq("email", email)), &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// ActiveByRole lists active users holding role
func (r *Repository) ActiveByRole(ctx context.Context, role Role) ([]User, error) {
	return store.FindAll[User](ctx, r.users,
		store.Where(store.Eq("role", role), store.Eq("is_active", true)),
		store.FindOptions{Limit: 1000})
}

// Update merges fields into the user
func (r *Repository) Update(ctx context.Context, id string, fields store.Fields) error {
	n, err := r.users.Update(ctx, store.Where(store.Eq("id", id)), fields)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
