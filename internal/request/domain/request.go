package domain

import (
	"time"

	"github.com/dmehra2102/surplus-exchange/internal/actor"
	"github.com/dmehra2102/surplus-exchange/internal/failure"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusCancelled Status = "CANCELLED"
)

func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusCancelled
}

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionCancel  Decision = "cancel"
)

func ParseDecision(s string) (Decision, bool) {
	switch d := Decision(s); d {
	case DecisionApprove, DecisionReject, DecisionCancel:
		return d, true
	}
	return "", false
}

// Target is the terminal status a decision moves a PENDING request to.
func (d Decision) Target() Status {
	switch d {
	case DecisionApprove:
		return StatusApproved
	case DecisionReject:
		return StatusRejected
	case DecisionCancel:
		return StatusCancelled
	}
	return ""
}

// Effect is the ledger operation that must accompany a decision.
type Effect int

const (
	EffectNone Effect = iota
	EffectFulfill
	EffectRelease
)

func (d Decision) Effect() Effect {
	switch d {
	case DecisionApprove:
		return EffectFulfill
	case DecisionReject, DecisionCancel:
		return EffectRelease
	}
	return EffectNone
}

type Request struct {
	ID        string
	ListingID string
	BuyerID   string
	Quantity  int
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewRequest(id, listingID string, buyer actor.Actor, quantity int, now time.Time) Request {
	now = now.UTC()
	return Request{
		ID:        id,
		ListingID: listingID,
		BuyerID:   buyer.ID,
		Quantity:  quantity,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Authorize checks who may take a decision: approve and reject belong to the
// listing owner, cancel belongs to the buyer who made the request.
func (r Request) Authorize(a actor.Actor, d Decision, listingOwner string) error {
	switch d {
	case DecisionApprove, DecisionReject:
		if a.ID != listingOwner {
			return failure.ErrForbidden
		}
	case DecisionCancel:
		if a.ID != r.BuyerID {
			return failure.ErrForbidden
		}
	default:
		return failure.Rejectf(failure.ErrInvalidInput, "unknown decision %q", d)
	}
	return nil
}

// CanTransition reports whether the request may still be resolved.
func (r Request) CanTransition() error {
	if r.Status != StatusPending {
		return failure.Rejectf(failure.ErrAlreadyResolved, "request is already %s", r.Status)
	}
	return nil
}
