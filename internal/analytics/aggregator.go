// Package analytics computes dashboard counts over the prescription collection.
package analytics

import (
	"context"

	"github.com/drfirst/go-rxcollect/internal/domain/identity"
	"github.com/drfirst/go-rxcollect/internal/domain/prescription"
	"github.com/drfirst/go-rxcollect/pkg/apperror"
)

// StatusCounter counts prescriptions per status
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[prescription.Status]int64, error)
}

// Dashboard is the summary shown to clinical and admin users
type Dashboard struct {
	TotalPrescriptions     int64                         `json:"total_prescriptions"`
	PendingPrescriptions   int64                         `json:"pending_prescriptions"`
	ApprovedPrescriptions  int64                         `json:"approved_prescriptions"`
	DispensedPrescriptions int64                         `json:"dispensed_prescriptions"`
	CompletionRate         float64                       `json:"completion_rate"`
	ByStatus               map[prescription.Status]int64 `json:"by_status"`
}

// Aggregator computes dashboards
type Aggregator struct {
	counter StatusCounter
}

// NewAggregator creates an aggregator
func NewAggregator(counter StatusCounter) *Aggregator {
	return &Aggregator{counter: counter}
}

// Dashboard returns totals for GP, pharmacy and admin users
func (a *Aggregator) Dashboard(ctx context.Context, actor *identity.User) (*Dashboard, error) {
	if !actor.Is(identity.RoleGP, identity.RolePharmacy, identity.RoleAdmin) {
		return nil, apperror.Authorization("role_denied", "analytics are not available for your role")
	}
	counts, err := a.counter.CountByStatus(ctx)
	if err != nil {
		return nil, apperror.Internal("count prescriptions", err)
	}
	return Summarise(counts), nil
}

// Summarise derives the dashboard from per-status counts
func Summarise(counts map[prescription.Status]int64) *Dashboard {
	d := &Dashboard{ByStatus: counts}
	for _, n := range counts {
		d.TotalPrescriptions += n
	}
	d.PendingPrescriptions = counts[prescription.StatusRequested]
	d.ApprovedPrescriptions = counts[prescription.StatusGPApproved] + counts[prescription.StatusSentToPharmacy]
	d.DispensedPrescriptions = counts[prescription.StatusDispensed] +
		counts[prescription.StatusReadyForCollection] +
		counts[prescription.StatusCollected]
	if d.TotalPrescriptions > 0 {
		d.CompletionRate = float64(d.DispensedPrescriptions) / float64(d.TotalPrescriptions)
	}
	return d
}
