package schema

import (
	"fmt"
	"strings"
	"time"
)

// Access request lifecycle statuses.
const (
	Submitted   = "Submitted"
	UnderReview = "UnderReview"
	Approved    = "Approved"
	Denied      = "Denied"
	Fulfilled   = "Fulfilled"
	Active      = "Active"
	Revoked     = "Revoked"
	Expired     = "Expired"
	Cancelled   = "Cancelled"
)

// Sync run statuses.
const (
	SyncRunning = "Running"
	SyncSuccess = "Success"
	SyncFailed  = "Failed"
)

// WorkflowActor attributes transitions driven by the external approval
// workflow rather than a human operator.
const WorkflowActor = "external-workflow"

// SystemActor attributes transitions performed by automated subsystems.
const SystemActor = "system"

var AllStatuses = []string{
	Submitted, UnderReview, Approved, Denied, Fulfilled,
	Active, Revoked, Expired, Cancelled,
}

// transitions is the full lifecycle contract. Any (from, to) pair not listed
// here is rejected.
var transitions = map[string][]string{
	Submitted:   {UnderReview, Approved, Denied, Cancelled},
	UnderReview: {Approved, Denied, Cancelled},
	Approved:    {Fulfilled, Denied},
	Fulfilled:   {Active, Revoked},
	Active:      {Revoked, Expired},
	Denied:      {},
	Cancelled:   {},
	Revoked:     {},
	Expired:     {},
}

// BlockingStatuses are the states in which an existing request blocks a new
// request for the same (user, product) pair.
var BlockingStatuses = []string{Submitted, UnderReview, Approved, Fulfilled, Active}

func init() {
	// Every status must have a transition entry, even terminal ones. A new
	// status that is not mapped is a programming error we want at startup,
	// not a silent fall-through.
	for _, status := range AllStatuses {
		if _, ok := transitions[status]; !ok {
			panic(fmt.Sprintf("request status %v missing from transition table", status))
		}
	}
	for from, tos := range transitions {
		if err := CheckValidStatus(from); err != nil {
			panic(err)
		}
		for _, to := range tos {
			if err := CheckValidStatus(to); err != nil {
				panic(err)
			}
		}
	}
}

func CheckValidStatus(status string) error {
	for _, s := range AllStatuses {
		if s == status {
			return nil
		}
	}
	return fmt.Errorf("invalid request status '%v'", status)
}

// ValidTransition reports whether the lifecycle contract permits moving a
// request from one status to another.
func ValidTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TerminalStatus reports whether a request in this status can never move
// again.
func TerminalStatus(status string) bool {
	return len(transitions[status]) == 0
}

// ApplyTransition mutates the request per the lifecycle contract: status,
// status-changed timestamp, and acting identity. Reaching Fulfilled with a
// requested duration computes the expiration timestamp. The request is left
// unchanged when the transition is invalid.
func (r *AccessRequest) ApplyTransition(to, actor string, now time.Time) error {
	if !ValidTransition(r.Status, to) {
		return &InvalidTransitionError{From: r.Status, To: to}
	}

	r.Status = to
	r.StatusChangedAt = now
	r.StatusChangedBy = actor

	if to == Fulfilled && r.RequestedDurationDays != nil {
		exp := now.AddDate(0, 0, *r.RequestedDurationDays)
		r.ExpirationDate = &exp
	}

	return nil
}

type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot transition access request from %v to %v", e.From, e.To)
}

// Terminal workflow run statuses reported by the approval workflow service.
// A request whose recorded workflow status is one of these no longer needs
// reconciliation.
var terminalWorkflowStatuses = []string{"completed", "canceled", "failed"}

func WorkflowStatusTerminal(status string) bool {
	for _, s := range terminalWorkflowStatuses {
		if strings.EqualFold(status, s) {
			return true
		}
	}
	return false
}

// DeniedOutcome reports whether an approval outcome string means the request
// was rejected. Comparison is case-insensitive; anything else, including a
// missing outcome, is treated as an approval by policy.
func DeniedOutcome(outcome string) bool {
	for _, o := range []string{"rejected", "denied", "reject"} {
		if strings.EqualFold(outcome, o) {
			return true
		}
	}
	return false
}
