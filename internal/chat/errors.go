package chat

import (
	"github.com/pkg/errors"
)

// Error kinds. Wrapped errors keep their kind; use IsKind to classify.
var (
	// ErrFetch marks a failed read. Read paths absorb it and degrade.
	ErrFetch = errors.New("fetch failure")
	// ErrWrite marks a failed send/insert/update/delete. Local state is
	// left as it was so the caller can retry.
	ErrWrite = errors.New("write failure")
	// ErrLookupMiss marks a sender id with no profile.
	ErrLookupMiss = errors.New("profile lookup miss")
	// ErrUnsupportedCapability rejects an action the runtime cannot do.
	ErrUnsupportedCapability = errors.New("unsupported capability")
	// ErrNotPrivileged is returned before a privileged operation is
	// attempted by a non-admin.
	ErrNotPrivileged = errors.New("not privileged")

	ErrNoConversation     = errors.New("no active conversation")
	ErrSubscribeExhausted = errors.New("subscription retries exhausted")
	ErrSessionClosed      = errors.New("session closed")
	ErrBlankName          = errors.New("blank group name")
)

type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string { return e.kind.Error() + ": " + e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }
func (e *kindError) Is(target error) bool {
	return target == e.kind
}

// mark tags err with kind and a message.
func mark(kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: errors.Wrap(err, msg)}
}

// IsKind reports whether err carries kind anywhere in its chain.
func IsKind(err, kind error) bool {
	return errors.Is(err, kind)
}
