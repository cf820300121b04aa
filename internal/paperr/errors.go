// Package paperr defines the typed error taxonomy from spec.md §7. Every
// error a component returns across a package boundary is one of these
// sentinels (wrapped with context via fmt.Errorf("...: %w", err)), never a
// bare string or a panic.
package paperr

import "errors"

var (
	// Validation — bad input caught at a boundary. No state change.
	ErrValidation = errors.New("validation")

	// StaleState — a CAS conflict or illegal state-machine transition.
	// The caller retries or surfaces the error.
	ErrStaleState = errors.New("stale state")

	// InsufficientPosition — a SELL exceeds the owned quantity. The order
	// moves to CANCELLED with an ERROR event; no partial mutation occurs.
	ErrInsufficientPosition = errors.New("insufficient position")

	// PriceSourceUnavailable — recoverable; marks the stop-loss scan and
	// mark-to-market as skipped for this tick only.
	ErrPriceSourceUnavailable = errors.New("price source unavailable")

	// StoreError — a transaction failure or constraint violation. Callers
	// retry idempotently; a client_order_id unique conflict is treated as
	// success (the existing row is returned, not this error).
	ErrStore = errors.New("store error")

	// Internal — a lattice violation or counter exhaustion. Fatal: the
	// core pauses writes and requires operator intervention.
	ErrInternal = errors.New("internal error")

	// ErrNotFound — a read by ID found no row. Not in the spec's explicit
	// taxonomy but needed by every read_* accessor; maps to 404 in the
	// HTTP contract (no such resource to act on).
	ErrNotFound = errors.New("not found")
)

// RiskViolation is deliberately NOT an error type. Per spec.md §4.5/§7 a
// risk-check failure never blocks queuing — it is recorded as a risk_note
// string on the PendingOrder so the human approver can see the warning.
