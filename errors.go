package perch

import "errors"

// The closed error set surfaced by conversation controllers. Lower-layer
// network and storage failures are wrapped and pass through unchanged.
var (
	ErrConversationNotFound = errors.New("perch: conversation not found")
	ErrInviteNotFound       = errors.New("perch: invite not found")
	ErrInvalidState         = errors.New("perch: operation invalid for current state")
	ErrInviteExpired        = errors.New("perch: invite expired")
	ErrInviteDisabled       = errors.New("perch: invite disabled")
	ErrInvalidInviteCode    = errors.New("perch: invalid invite code format")
	ErrTimedOut             = errors.New("perch: timed out")
)
