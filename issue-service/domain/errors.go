package domain

import (
	"errors"
	"fmt"
)

// Error kinds surfaced to callers. Wrap them with fmt.Errorf("%w: ...") so the
// kind survives while the message stays specific.
var (
	ErrValidation     = errors.New("validation error")
	ErrNotFound       = errors.New("not found")
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidState   = errors.New("invalid state")
	ErrDuplicateOffer = errors.New("duplicate offer")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrConflict       = errors.New("concurrent modification")
)

// Kind names returned by KindOf.
const (
	KindValidation     = "ValidationError"
	KindNotFound       = "NotFoundError"
	KindForbidden      = "ForbiddenError"
	KindInvalidState   = "InvalidStateError"
	KindDuplicateOffer = "DuplicateOfferError"
	KindUnauthorized   = "UnauthorizedError"
	KindConflict       = "ConflictError"
	KindInternal       = "InternalError"
)

var kinds = []struct {
	err  error
	kind string
}{
	{ErrValidation, KindValidation},
	{ErrNotFound, KindNotFound},
	{ErrForbidden, KindForbidden},
	{ErrInvalidState, KindInvalidState},
	{ErrDuplicateOffer, KindDuplicateOffer},
	{ErrUnauthorized, KindUnauthorized},
	{ErrConflict, KindConflict},
}

// KindOf returns the machine-readable kind of err, or KindInternal for
// anything that is not one of the domain errors.
func KindOf(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func notFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func invalidStatef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}

func fmtDuplicate(issueID, mechanicID string) error {
	return fmt.Errorf("%w: mechanic %s already submitted an offer for issue %s", ErrDuplicateOffer, mechanicID, issueID)
}
