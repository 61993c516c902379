// Package offers provides project offers between buyers and sellers.
//
// Flow:
//  1. Buyer sends an offer to a seller for a project (title, brief, amount)
//  2. Seller accepts or declines; buyer may withdraw while pending
//  3. An accepted offer is the precondition for funding a transaction
package offers

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound      = errors.New("offer not found")
	ErrInvalidStatus = errors.New("invalid status for this operation")
	ErrUnauthorized  = errors.New("not authorized for this operation")
	ErrSelfOffer     = errors.New("buyer and seller must differ")
	ErrBadAmount     = errors.New("amount must be positive")
)

// Status represents the state of an offer.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusDeclined  Status = "declined"
	StatusWithdrawn Status = "withdrawn"
	StatusPaid      Status = "paid"
)

// Offer represents a buyer's proposal to a seller for a project.
type Offer struct {
	ID           string     `json:"id"`
	BuyerID      string     `json:"buyerId"`
	SellerID     string     `json:"sellerId"`
	ProjectTitle string     `json:"projectTitle"`
	ProjectBrief string     `json:"projectBrief,omitempty"`
	AmountCents  int64      `json:"amountCents"`
	Status       Status     `json:"status"`
	RespondedAt  *time.Time `json:"respondedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the offer is in a final state.
func (o *Offer) IsTerminal() bool {
	switch o.Status {
	case StatusDeclined, StatusWithdrawn, StatusPaid:
		return true
	}
	return false
}

// Store persists offers.
type Store interface {
	Create(ctx context.Context, o *Offer) error
	Get(ctx context.Context, id string) (*Offer, error)
	Update(ctx context.Context, o *Offer) error
	// UpdateStatusFrom flips an offer to the given status only if it
	// currently holds the expected one, atomically with respect to other
	// callers. Returns ErrNotFound if the offer does not exist and
	// ErrInvalidStatus if it is in any other state.
	UpdateStatusFrom(ctx context.Context, id string, from, to Status, now time.Time) error
	ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*Offer, error)
	ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Offer, error)
}

// Service implements offer operations on top of a Store.
type Service struct {
	store Store
}

// NewService creates an offer service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// CreateRequest contains the parameters for sending an offer.
type CreateRequest struct {
	SellerID     string `json:"sellerId" binding:"required"`
	ProjectTitle string `json:"projectTitle" binding:"required"`
	ProjectBrief string `json:"projectBrief"`
	Amount       string `json:"amount" binding:"required"` // decimal, e.g. "1250.00"
}

// Create sends a new offer from buyer to seller.
func (s *Service) Create(ctx context.Context, buyerID, sellerID, title, brief string, amountCents int64) (*Offer, error) {
	if buyerID == sellerID {
		return nil, ErrSelfOffer
	}
	if amountCents <= 0 {
		return nil, ErrBadAmount
	}

	now := time.Now()
	o := &Offer{
		ID:           generateOfferID(),
		BuyerID:      buyerID,
		SellerID:     sellerID,
		ProjectTitle: title,
		ProjectBrief: brief,
		AmountCents:  amountCents,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	return o, nil
}

// Get returns an offer visible to the caller. Non-participants get ErrNotFound.
func (s *Service) Get(ctx context.Context, id, callerID string) (*Offer, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.BuyerID != callerID && o.SellerID != callerID {
		return nil, ErrNotFound
	}
	return o, nil
}

// Accept marks a pending offer accepted. Seller only.
func (s *Service) Accept(ctx context.Context, id, sellerID string) (*Offer, error) {
	return s.respond(ctx, id, sellerID, StatusAccepted)
}

// Decline marks a pending offer declined. Seller only.
func (s *Service) Decline(ctx context.Context, id, sellerID string) (*Offer, error) {
	return s.respond(ctx, id, sellerID, StatusDeclined)
}

func (s *Service) respond(ctx context.Context, id, sellerID string, to Status) (*Offer, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.SellerID != sellerID {
		return nil, ErrNotFound
	}
	if o.Status != StatusPending {
		return nil, ErrInvalidStatus
	}

	now := time.Now()
	o.Status = to
	o.RespondedAt = &now
	o.UpdatedAt = now
	if err := s.store.Update(ctx, o); err != nil {
		return nil, fmt.Errorf("update offer: %w", err)
	}
	return o, nil
}

// Withdraw cancels a pending offer. Buyer only.
func (s *Service) Withdraw(ctx context.Context, id, buyerID string) (*Offer, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.BuyerID != buyerID {
		return nil, ErrNotFound
	}
	if o.Status != StatusPending {
		return nil, ErrInvalidStatus
	}

	now := time.Now()
	o.Status = StatusWithdrawn
	o.RespondedAt = &now
	o.UpdatedAt = now
	if err := s.store.Update(ctx, o); err != nil {
		return nil, fmt.Errorf("update offer: %w", err)
	}
	return o, nil
}

// MarkPaid flips an accepted offer to paid. Called by the escrow core before
// it persists the funding transaction; the conditional flip means only one
// of several concurrent funding attempts can claim the offer.
func (s *Service) MarkPaid(ctx context.Context, id string) error {
	return s.store.UpdateStatusFrom(ctx, id, StatusAccepted, StatusPaid, time.Now())
}

// RevertPaid puts a paid offer back to accepted. Compensation for a funding
// attempt that claimed the offer but then failed to persist the transaction.
func (s *Service) RevertPaid(ctx context.Context, id string) error {
	return s.store.UpdateStatusFrom(ctx, id, StatusPaid, StatusAccepted, time.Now())
}

// GetAccepted returns an offer only if the caller is its buyer and it is in
// the accepted state. Used by the escrow core as the funding precondition.
func (s *Service) GetAccepted(ctx context.Context, id, buyerID string) (*Offer, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.BuyerID != buyerID {
		return nil, ErrNotFound
	}
	if o.Status != StatusAccepted {
		return nil, ErrInvalidStatus
	}
	return o, nil
}

// ListByUser returns offers where the user is buyer or seller.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Offer, error) {
	sent, err := s.store.ListByBuyer(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	received, err := s.store.ListBySeller(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	all := append(sent, received...)
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func generateOfferID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return fmt.Sprintf("off_%x", b)
}
