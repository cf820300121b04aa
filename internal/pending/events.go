package pending

import "github.com/paperdesk/engine/internal/sot"

// PendingQueued is emitted once a PendingOrder is newly persisted (never
// on an idempotent duplicate queue call). Consumers subscribe without
// importing C6 internals, breaking the C6↔C8 cycle per spec.md §9.
type PendingQueued struct {
	Order sot.PendingOrder
}

// PendingResolved is emitted on every terminal transition (approve or
// reject). C8 filters on Source == PYRAMID to drive its rejection hook
// (spec.md §4.8 "Rejection hook").
type PendingResolved struct {
	Order    sot.PendingOrder
	Approved bool
	Reason   string
}
