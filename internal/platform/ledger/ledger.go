// Package ledger anchors content hashes in an external append-only service
// and reads them back for tamper detection.
//
// The anchoring service is a black box: Anchor stores a hash and returns an
// opaque reference, Retrieve returns the hash stored under a reference.
// Unavailability is reported as apperr.ErrLedgerUnavailable so callers can
// degrade verification to "unknown" instead of raising tamper alarms.
package ledger

import (
	"context"
	"errors"

	"github.com/healthshare/healthshare/internal/platform/apperr"
)

// Ledger is the hash anchoring service.
type Ledger interface {
	Anchor(ctx context.Context, hash string) (string, error)
	Retrieve(ctx context.Context, ref string) (string, error)
}

// ErrAnchorNotFound is returned by Retrieve for a reference the ledger has
// never issued.
var ErrAnchorNotFound = errors.New("ledger: anchor not found")

func unavailable(err error) error {
	return apperr.Wrap(apperr.CodeLedgerUnavailable, err, "hash ledger unavailable")
}

// IsUnavailable reports whether err means the ledger could not be reached.
func IsUnavailable(err error) bool {
	return errors.Is(err, apperr.ErrLedgerUnavailable)
}
