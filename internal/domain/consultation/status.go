package consultation

import "fmt"

// Status is the closed set of consultation states. The zero value is not a
// valid state; consultations are born pending.
type Status string

const (
	StatusPending              Status = "pending"
	StatusAssigned             Status = "assigned"
	StatusCompleted            Status = "completed"
	StatusPrescriptionApproved Status = "prescription_approved"
	StatusPrescriptionSent     Status = "prescription_sent"
	StatusCancelled            Status = "cancelled"
)

// Action is a workflow verb that moves a consultation between states.
type Action string

const (
	ActionClaim    Action = "claim"
	ActionComplete Action = "complete"
	ActionApprove  Action = "approve_prescription"
	ActionSend     Action = "send_prescription"
	ActionCancel   Action = "cancel"
)

// transitions is the single authority on which action is legal from which
// state. Anything absent here is rejected; handlers and services never do
// their own string comparisons.
var transitions = map[Status]map[Action]Status{
	StatusPending: {
		ActionClaim:  StatusAssigned,
		ActionCancel: StatusCancelled,
	},
	StatusAssigned: {
		ActionComplete: StatusCompleted,
		ActionApprove:  StatusPrescriptionApproved,
		ActionCancel:   StatusCancelled,
	},
	StatusPrescriptionApproved: {
		ActionSend:   StatusPrescriptionSent,
		ActionCancel: StatusCancelled,
	},
}

// InvalidTransitionError reports a workflow action applied in a state that
// does not permit it. State is left untouched when it is returned.
type InvalidTransitionError struct {
	From   Status
	Action Action
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s a consultation in status %q", e.Action, e.From)
}

// NextStatus resolves the target state for an action, or returns
// InvalidTransitionError when the action is not legal from the current state.
func NextStatus(from Status, action Action) (Status, error) {
	if to, ok := transitions[from][action]; ok {
		return to, nil
	}
	return "", &InvalidTransitionError{From: from, Action: action}
}

// Valid reports whether s is one of the defined states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAssigned, StatusCompleted,
		StatusPrescriptionApproved, StatusPrescriptionSent, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no action can leave s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0 && s.Valid()
}

// CancellableStatuses lists every state from which cancel is legal, derived
// from the transition table so the two can never drift apart.
func CancellableStatuses() []Status {
	var out []Status
	for _, s := range []Status{StatusPending, StatusAssigned, StatusCompleted,
		StatusPrescriptionApproved, StatusPrescriptionSent, StatusCancelled} {
		if _, ok := transitions[s][ActionCancel]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Urgency classes, highest acuity first in queue ordering.
const (
	UrgencyRegular   = "regular"
	UrgencyUrgent    = "urgent"
	UrgencyEmergency = "emergency"
)

// SeverityPriorityThreshold is the severity score at or above which a
// consultation sorts ahead of its urgency-class peers in the queue.
const SeverityPriorityThreshold = 7

// ValidUrgency reports whether u is one of the accepted urgency classes.
func ValidUrgency(u string) bool {
	return u == UrgencyRegular || u == UrgencyUrgent || u == UrgencyEmergency
}
