package prescription

import (
	"context"
	"fmt"
	"time"

	"github.com/drfirst/go-rxcollect/internal/store"
)

// Repository persists prescriptions in the prescriptions collection
type Repository struct {
	prescriptions store.Collection
}

// NewRepository creates a prescription repository
func NewRepository(st store.Store) *Repository {
	return &Repository{prescriptions: st.Collection(store.Prescriptions)}
}

// Insert stores a new prescription
func (r *Repository) Insert(ctx context.Context, p *Prescription) error {
	if err := r.prescriptions.Insert(ctx, p); err != nil {
		return fmt.Errorf("insert prescription: %w", err)
	}
	return nil
}

// Get loads a prescription, returning store.ErrNotFound when absent
func (r *Repository) Get(ctx context.Context, id string) (*Prescription, error) {
	var p Prescription
	if err := r.prescriptions.FindOne(ctx, store.Where(store.Eq("id", id)), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Find lists prescriptions matching filter, newest first
func (r *Repository) Find(ctx context.Context, filter store.Filter, limit int) ([]Prescription, error) {
	return store.FindAll[Prescription](ctx, r.prescriptions, filter,
		store.FindOptions{Limit: limit, NewestFirst: true})
}

// ByStatus lists prescriptions whose status is one of statuses
func (r *Repository) ByStatus(ctx context.Context, limit int, statuses ...Status) ([]Prescription, error) {
	return r.Find(ctx, store.Where(statusIn(statuses...)), limit)
}

// StalledSince lists prescriptions in status whose stampField is older than cutoff
func (r *Repository) StalledSince(ctx context.Context, status Status, stampField string, cutoff time.Time, limit int) ([]Prescription, error) {
	return store.FindAll[Prescription](ctx, r.prescriptions,
		store.Where(store.Eq("status", status), store.Before(stampField, cutoff)),
		store.FindOptions{Limit: limit})
}

// Overdue lists unfinished prescriptions whose expiry has passed
func (r *Repository) Overdue(ctx context.Context, now time.Time, limit int) ([]Prescription, error) {
	return store.FindAll[Prescription](ctx, r.prescriptions,
		store.Where(statusIn(expirable...), store.Before("expires_at", now)),
		store.FindOptions{Limit: limit})
}

// Update merges fields into the prescription. Last write wins.
func (r *Repository) Update(ctx context.Context, id string, fields store.Fields) error {
	n, err := r.prescriptions.Update(ctx, store.Where(store.Eq("id", id)), fields)
	if err != nil {
		return fmt.Errorf("update prescription: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// UpdateIf merges fields only while the prescription is still in status. It reports whether it applied.
func (r *Repository) UpdateIf(ctx context.Context, id string, status Status, fields store.Fields) (bool, error) {
	n, err := r.prescriptions.Update(ctx, store.Where(store.Eq("id", id), store.Eq("status", status)), fields)
	if err != nil {
		return false, fmt.Errorf("update prescription: %w", err)
	}
	return n > 0, nil
}

// CountByStatus returns the number of prescriptions in each status
func (r *Repository) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	counts := make(map[Status]int64, len(AllStatuses))
	for _, s := range AllStatuses {
		n, err := r.prescriptions.Count(ctx, store.Where(store.Eq("status", s)))
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", s, err)
		}
		counts[s] = n
	}
	return counts, nil
}

// Count returns the number of prescriptions
func (r *Repository) Count(ctx context.Context) (int64, error) {
	return r.prescriptions.Count(ctx, store.Where())
}

func statusIn(statuses ...Status) store.Cond {
	values := make([]any, len(statuses))
	for i, s := range statuses {
		values[i] = s
	}
	return store.In("status", values...)
}
