package delegation

import (
	"context"
	"fmt"
	"time"

	"github.com/drfirst/go-rxcollect/internal/store"
)

// Repository persists delegations in the delegations collection
type Repository struct {
	delegations store.Collection
}

// NewRepository creates a delegation repository
func NewRepository(st store.Store) *Repository {
	return &Repository{delegations: st.Collection(store.Delegations)}
}

// Insert stores a new delegation
func (r *Repository) Insert(ctx context.Context, d *Delegation) error {
	if err := r.delegations.Insert(ctx, d); err != nil {
		return fmt.Errorf("insert delegation: %w", err)
	}
	return nil
}

// Get loads a delegation, returning store.ErrNotFound when absent
func (r *Repository) Get(ctx context.Context, id string) (*Delegation, error) {
	var d Delegation
	if err := r.delegations.FindOne(ctx, store.Where(store.Eq("id", id)), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Find lists delegations matching filter, newest first
func (r *Repository) Find(ctx context.Context, filter store.Filter, limit int) ([]Delegation, error) {
	return store.FindAll[Delegation](ctx, r.delegations, filter,
		store.FindOptions{Limit: limit, NewestFirst: true})
}

// CountOpen counts pending or approved active delegations between patient and delegate
func (r *Repository) CountOpen(ctx context.Context, patientID, delegateID string) (int64, error) {
	return r.delegations.Count(ctx, store.Where(
		store.Eq("patient_id", patientID),
		store.Eq("delegate_user_id", delegateID),
		store.Eq("is_active", true),
		store.In("status", StatusPending, StatusApproved),
	))
}

// Overdue lists approved delegations whose expiry has passed
func (r *Repository) Overdue(ctx context.Context, now time.Time, limit int) ([]Delegation, error) {
	return store.FindAll[Delegation](ctx, r.delegations,
		store.Where(store.Eq("status", StatusApproved), store.Before("expires_at", now)),
		store.FindOptions{Limit: limit})
}

// UpdateIf merges fields while the delegation is still in status. It reports whether it applied.
func (r *Repository) UpdateIf(ctx context.Context, id string, status Status, fields store.Fields) (bool, error) {
	n, err := r.delegations.Update(ctx, store.Where(store.Eq("id", id), store.Eq("status", status)), fields)
	if err != nil {
		return false, fmt.Errorf("update delegation: %w", err)
	}
	return n > 0, nil
}
