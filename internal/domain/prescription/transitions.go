package prescription

import (
	"github.com/drfirst/go-rxcollect/internal/domain/identity"
)

// Rule is one role-gated status update. Requested is the status the actor submits,
// Persisted is the status written.
type Rule struct {
	Role      identity.Role
	From      []Status
	Requested Status
	Persisted Status
}

// Allows reports whether the rule applies to a prescription in status s
func (r Rule) Allows(s Status) bool {
	for _, from := range r.From {
		if from == s {
			return true
		}
	}
	return false
}

// UpdateRules are the only (role, requested status) pairs accepted by Service.Update.
// A pharmacy submitting dispensed persists ready_for_collection.
var UpdateRules = []Rule{
	{
		Role:      identity.RoleGP,
		From:      []Status{StatusRequested},
		Requested: StatusGPApproved,
		Persisted: StatusGPApproved,
	},
	{
		Role:      identity.RolePharmacy,
		From:      []Status{StatusGPApproved, StatusSentToPharmacy},
		Requested: StatusDispensed,
		Persisted: StatusReadyForCollection,
	},
}

// LookupRule finds the rule for role submitting requested
func LookupRule(role identity.Role, requested Status) (Rule, bool) {
	for _, r := range UpdateRules {
		if r.Role == role && r.Requested == requested {
			return r, true
		}
	}
	return Rule{}, false
}

// ListScope returns the statuses a role may list, or nil for the patient's own records or all
func ListScope(role identity.Role) []Status {
	switch role {
	case identity.RoleGP:
		return []Status{StatusRequested}
	case identity.RolePharmacy:
		return []Status{StatusGPApproved, StatusSentToPharmacy}
	}
	return nil
}

// expirable statuses are swept to expired once expires_at passes
var expirable = []Status{StatusRequested, StatusGPApproved, StatusSentToPharmacy}
