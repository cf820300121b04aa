// Package httpcontract fixes the wire shapes of the HTTP surface spec.md
// §6 describes as "consumed by the core (not part of core but
// contract-fixed)". It is deliberately request/response types and an
// error-to-status mapping only — no router, no middleware, no listener:
// routing itself is out of scope per spec.md's stated Non-goals. A host
// binary wires these types into whatever router it prefers.
package httpcontract

import (
	"errors"
	"net/http"

	"github.com/paperdesk/engine/internal/paperr"
)

// ApproveRequest is the body of POST /api/pending/approve/{id}.
type ApproveRequest struct {
	Note string `json:"note,omitempty"`
}

// RejectRequest is the body of POST /api/pending/reject/{id}.
type RejectRequest struct {
	Reason string `json:"reason"`
}

// PendingListQuery is the query-string shape of GET /api/pending.
type PendingListQuery struct {
	Status string `json:"status,omitempty"`
	Symbol string `json:"symbol,omitempty"`
	Source string `json:"source,omitempty"`
}

// CreateSessionRequest is the body of POST /kss/sessions.
type CreateSessionRequest struct {
	Symbol        string `json:"symbol"`
	EntryPrice    string `json:"entry_price"`
	DistancePct   string `json:"distance_pct"`
	MaxWaves      int    `json:"max_waves"`
	IsolatedFund  string `json:"isolated_fund"`
	TPPct         string `json:"tp_pct"`
	TimeoutMin    int64  `json:"timeout_min"`
	GapMin        int64  `json:"gap_min"`
	PipMultiplier string `json:"pip_multiplier"`
	MinQty        string `json:"min_qty"`
}

// AdjustSessionRequest is the body of PATCH /kss/sessions/{id}. Omitted
// fields leave the current value unchanged (spec.md §4.8 "forward-looking
// parameters only").
type AdjustSessionRequest struct {
	DistancePct  *string `json:"distance_pct,omitempty"`
	MaxWaves     *int    `json:"max_waves,omitempty"`
	TPPct        *string `json:"tp_pct,omitempty"`
	TimeoutMin   *int64  `json:"timeout_min,omitempty"`
	GapMin       *int64  `json:"gap_min,omitempty"`
	IsolatedFund *string `json:"isolated_fund,omitempty"`
}

// CheckTPRequest is the body of POST /kss/sessions/{id}/check-tp.
type CheckTPRequest struct {
	CurrentPrice string `json:"current_price"`
}

// ErrorBody is the JSON shape returned alongside every non-2xx response.
type ErrorBody struct {
	Error string `json:"error"`
}

// StatusFor maps a typed core error to the HTTP status spec.md §7
// prescribes: Validation→400, StaleState→409, InsufficientPosition→422,
// NotFound→404, StoreError→500, Internal and everything else→500. There is
// no unauthorized sentinel in paperr, so StatusFor never returns 403.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, paperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, paperr.ErrStaleState):
		return http.StatusConflict
	case errors.Is(err, paperr.ErrInsufficientPosition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, paperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, paperr.ErrStore):
		return http.StatusInternalServerError
	case errors.Is(err, paperr.ErrInternal):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
