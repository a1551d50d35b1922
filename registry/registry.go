// Package registry implements the symbol reservation service: global
// uniqueness of fully-qualified names across concurrent planners, via a
// lease + claim protocol with TTL expiry.
//
// A planner reserves a name before any code exists, then the coding agent
// upgrades the lease to an active record once a commit SHA is known. The
// TTL keeps abandoned plans from squatting names; expiry is lazy (expired
// reservations are treated as free at reserve time, and fail a later
// claim), with expired rows retained for audit.
package registry

import "errors"

var (
	// ErrConflict: an active or live-reserved record already holds the
	// (repo, branch, fq_name) triple. Not retryable.
	ErrConflict = errors.New("symbol already exists")
	// ErrInvalidLease: the lease is missing, not in reserved state, or
	// expired.
	ErrInvalidLease = errors.New("invalid lease")
	// ErrNotFound: no record for the lookup triple.
	ErrNotFound = errors.New("symbol not found")
)

// ReserveRequest carries the parameters of a reservation.
type ReserveRequest struct {
	Repo     string `json:"repo"`
	Branch   string `json:"branch"`
	FQName   string `json:"fq_name"`
	Kind     string `json:"kind"`
	FilePath string `json:"file_path"`
	PlanID   string `json:"plan_id"`
	TTLSec   int    `json:"ttl_sec"`
}
