package allocd

import "errors"

// ErrValidation tags failures detected locally before any network call:
// malformed type/parent combinations, identifiers outside configured
// ranges, empty requests. Use errors.Is to match the family.
var ErrValidation = errors.New("allocd: validation failed")

// ErrNoLedger rejects coordinator construction without a ledger transport.
var ErrNoLedger = errors.New("allocd: ledger transport required")

// ErrIDTaken reports that an exact reservation could not be honored: the
// authority committed a substitute identifier instead. The substitute is
// already permanent at the authority.
var ErrIDTaken = errors.New("allocd: requested id already taken")
