package consent

import "github.com/healthshare/healthshare/internal/platform/apperr"

var transitions = map[Status]map[Action]Status{
	StatusPending: {
		ActionApproved: StatusApproved,
		ActionDenied:    StatusDenied,
	},
	StatusApproved: {
		ActionRevoked: StatusRevoked,
	},
}

// Next returns the state reached by applying action to from. from must be
// the effective status; an expired consent accepts no action.
func Next(from Status, action Action) (Status, error) {
	to, ok := transitions[from][action]
	if !ok {
		return "", apperr.Newf(apperr.CodeInvalidStateTransition, "cannot move a %s consent to %s", from, action)
	}
	return to, nil
}

// Terminal reports whether no action can leave s.
func Terminal(s Status) bool {
	return len(transitions[s]) == 0
}
