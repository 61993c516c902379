// Package escrow provides the transaction lifecycle for digital-goods sales.
//
// Flow:
//  1. Buyer pays an accepted offer → transaction created, funds held in escrow
//  2. Seller delivers project files → review window opens
//  3. Buyer approves → funds released: seller earning + platform fee recorded
//  4. Buyer requests revision → verdict recorded, window unchanged
//  5. Review window expires → auto-released to seller
//
// Either party may open a dispute while the transaction is live; the hold
// stays frozen until the dispute is resolved out of band.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/devsouq/devsouq/internal/idgen"
	"github.com/devsouq/devsouq/internal/metrics"
	"github.com/devsouq/devsouq/internal/money"
	"github.com/devsouq/devsouq/internal/security"
	"github.com/devsouq/devsouq/internal/traces"
)

var (
	ErrNotFound         = errors.New("transaction not found")
	ErrInvalidState     = errors.New("invalid transaction state for this operation")
	ErrInvalidInput     = errors.New("invalid input")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Status represents the state of a transaction.
type Status string

const (
	StatusEscrowHeld      Status = "escrow_held"      // Funded, waiting for delivery
	StatusPendingDelivery Status = "pending_delivery" // Delivered, buyer review window open
	StatusUnderReview     Status = "under_review"     // Legacy alias for the post-delivery state
	StatusCompleted       Status = "completed"        // Approved or auto-released, funds paid out
	StatusDisputed        Status = "disputed"         // Frozen pending external resolution
	StatusCancelled       Status = "cancelled"        // Refunded to buyer
)

// AwaitingReview reports whether a status means the buyer review window is
// open. Rows written before the status rename carry under_review.
func AwaitingReview(s Status) bool {
	return s == StatusPendingDelivery || s == StatusUnderReview
}

// HoldStatus represents the state of an escrow hold.
type HoldStatus string

const (
	HoldHeld     HoldStatus = "held"
	HoldReleased HoldStatus = "released"
	HoldRefunded HoldStatus = "refunded"
)

// Verdict is a buyer's review decision.
type Verdict string

const (
	VerdictApproved          Verdict = "approved"
	VerdictRevisionRequested Verdict = "revision_requested"
)

// SystemReviewer is the reviewer ID recorded on auto-release reviews.
const SystemReviewer = "system"

// DefaultReviewPeriodDays is the review window when config doesn't override it.
const DefaultReviewPeriodDays = 7

// Transaction is an escrowed purchase of a project from a seller.
type Transaction struct {
	ID               string     `json:"id"`
	OfferID          string     `json:"offerId"`
	BuyerID          string     `json:"buyerId"`
	SellerID         string     `json:"sellerId"`
	ProjectTitle     string     `json:"projectTitle"`
	TotalCents       int64      `json:"totalCents"`
	FeePercent       int        `json:"feePercent"`
	PlatformFeeCents int64      `json:"platformFeeCents"`
	SellerCents      int64      `json:"sellerCents"`
	PaymentMethod    string     `json:"paymentMethod"`
	PaymentReference string     `json:"paymentReference,omitempty"`
	Status           Status     `json:"status"`
	ReviewPeriodDays int        `json:"reviewPeriodDays"`
	DeliveredAt      *time.Time `json:"deliveredAt,omitempty"`
	ReviewStartedAt  *time.Time `json:"reviewStartedAt,omitempty"`
	ReviewExpiresAt  *time.Time `json:"reviewExpiresAt,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	DisputeReason    string     `json:"disputeReason,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the transaction is in a final state.
func (t *Transaction) IsTerminal() bool {
	switch t.Status {
	case StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Hold is the escrowed amount backing a transaction (1:1).
type Hold struct {
	TransactionID string     `json:"transactionId"`
	AmountCents   int64      `json:"amountCents"`
	Status        HoldStatus `json:"status"`
	ReleasedAt    *time.Time `json:"releasedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// Deliverable is a file attached to a delivery. Rows are append-only.
type Deliverable struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transactionId"`
	UploaderID    string    `json:"uploaderId"`
	Filename      string    `json:"filename"`
	StoragePath   string    `json:"storagePath,omitempty"`
	MimeType      string    `json:"mimeType,omitempty"`
	SizeBytes     int64     `json:"sizeBytes"`
	Description   string    `json:"description,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Review is a buyer (or system) verdict on a delivery. Rows are append-only.
type Review struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transactionId"`
	ReviewerID    string    `json:"reviewerId"`
	Verdict       Verdict   `json:"verdict"`
	Feedback      string    `json:"feedback,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// SellerEarning is the seller's share recorded at completion.
type SellerEarning struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transactionId"`
	SellerID      string    `json:"sellerId"`
	AmountCents   int64     `json:"amountCents"`
	Status        string    `json:"status"` // available
	AvailableAt   time.Time `json:"availableAt"`
	CreatedAt     time.Time `json:"createdAt"`
}

// PlatformEarning is the platform fee recorded at completion.
type PlatformEarning struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transactionId"`
	AmountCents   int64     `json:"amountCents"`
	CreatedAt     time.Time `json:"createdAt"`
}

// FileInput describes one delivered file.
type FileInput struct {
	Filename    string `json:"filename" binding:"required"`
	StoragePath string `json:"storagePath"`
	MimeType    string `json:"mimeType"`
	SizeBytes   int64  `json:"sizeBytes"`
}

// Ops is the set of writes available inside one atomic unit of work.
// GetTransactionForUpdate locks the row for the remainder of the unit.
type Ops interface {
	InsertTransaction(ctx context.Context, t *Transaction) error
	GetTransactionForUpdate(ctx context.Context, id string) (*Transaction, error)
	UpdateTransaction(ctx context.Context, t *Transaction) error
	InsertHold(ctx context.Context, h *Hold) error
	GetHoldForUpdate(ctx context.Context, transactionID string) (*Hold, error)
	UpdateHold(ctx context.Context, h *Hold) error
	InsertDeliverable(ctx context.Context, d *Deliverable) error
	InsertReview(ctx context.Context, r *Review) error
	InsertSellerEarning(ctx context.Context, e *SellerEarning) error
	InsertPlatformEarning(ctx context.Context, e *PlatformEarning) error
}

// Store persists transactions. Atomic runs fn as a single unit of work:
// either every write in fn lands, or none do.
type Store interface {
	Atomic(ctx context.Context, fn func(ops Ops) error) error

	Get(ctx context.Context, id string) (*Transaction, error)
	GetHold(ctx context.Context, transactionID string) (*Hold, error)
	ListDeliverables(ctx context.Context, transactionID string) ([]*Deliverable, error)
	ListReviews(ctx context.Context, transactionID string) ([]*Review, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error)
	ListReviewExpired(ctx context.Context, before time.Time, limit int) ([]*Transaction, error)
	ListSellerEarnings(ctx context.Context, sellerID, status string, limit int) ([]*SellerEarning, error)
}

// AcceptedOffer is the slice of an offer the escrow core needs to fund it.
type AcceptedOffer struct {
	ID           string
	BuyerID      string
	SellerID     string
	ProjectTitle string
	AmountCents  int64
}

// OfferGetter abstracts the offer subsystem so escrow doesn't import offers.
// MarkPaid must be a conditional accepted->paid flip that fails for any
// other state; RevertPaid undoes it when funding fails after the flip.
type OfferGetter interface {
	AcceptedOffer(ctx context.Context, offerID, buyerID string) (*AcceptedOffer, error)
	MarkPaid(ctx context.Context, offerID string) error
	RevertPaid(ctx context.Context, offerID string) error
}

// PaymentVerifier checks that a payment reference covers the amount.
type PaymentVerifier interface {
	VerifyPayment(ctx context.Context, reference string, amountCents int64) error
}

// Notifier receives lifecycle events after each committed transition.
// Implementations must not block; failures never affect the transition.
type Notifier interface {
	PaymentReceived(ctx context.Context, t *Transaction)
	ProjectDelivered(ctx context.Context, t *Transaction)
	RevisionRequested(ctx context.Context, t *Transaction, feedback string)
	EarningsReleased(ctx context.Context, t *Transaction, auto bool)
	DisputeOpened(ctx context.Context, t *Transaction, openedBy, reason string)
	TransactionCancelled(ctx context.Context, t *Transaction, cancelledBy string)
}

// atomicTimeout bounds each unit of work so a wedged store can't hold a
// per-transaction lock forever.
const atomicTimeout = 10 * time.Second

// Service implements the transaction state machine.
type Service struct {
	store            Store
	offers           OfferGetter
	payments         PaymentVerifier
	notifier         Notifier
	feePercent       int
	reviewPeriodDays int
	logger           *slog.Logger
	locks            sync.Map // per-transaction ID locks
}

// NewService creates a new escrow service.
func NewService(store Store, offers OfferGetter, payments PaymentVerifier, feePercent, reviewPeriodDays int, logger *slog.Logger) *Service {
	if reviewPeriodDays <= 0 {
		reviewPeriodDays = DefaultReviewPeriodDays
	}
	return &Service{
		store:            store,
		offers:           offers,
		payments:         payments,
		feePercent:       feePercent,
		reviewPeriodDays: reviewPeriodDays,
		logger:           logger,
	}
}

// WithNotifier adds a lifecycle notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// txnLock returns a mutex for the given transaction ID.
// This prevents concurrent transitions (e.g. review + auto-release racing).
func (s *Service) txnLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (s *Service) atomic(ctx context.Context, fn func(ops Ops) error) error {
	ctx, cancel := context.WithTimeout(ctx, atomicTimeout)
	defer cancel()
	return s.store.Atomic(ctx, fn)
}

// Create funds an accepted offer: the transaction starts in escrow_held with
// a matching hold. All ownership and state failures surface as ErrNotFound so
// callers can't probe other users' offers.
func (s *Service) Create(ctx context.Context, buyerID, offerID, paymentMethod, paymentReference string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create",
		traces.UserID(buyerID),
		traces.OfferID(offerID),
	)
	defer span.End()

	offer, err := s.offers.AcceptedOffer(ctx, offerID, buyerID)
	if err != nil {
		return nil, ErrNotFound
	}

	if s.payments != nil {
		if err := s.payments.VerifyPayment(ctx, paymentReference, offer.AmountCents); err != nil {
			return nil, fmt.Errorf("%w: payment not verified: %v", ErrInvalidInput, err)
		}
	}

	// Claim the offer before writing anything. The flip is a conditional
	// accepted->paid update, so of two concurrent funding attempts only one
	// gets past this point; the loser sees the offer already claimed.
	if err := s.offers.MarkPaid(ctx, offer.ID); err != nil {
		return nil, ErrNotFound
	}

	fee, sellerCents := money.Split(offer.AmountCents, s.feePercent)
	now := time.Now()
	txn := &Transaction{
		ID:               idgen.WithPrefix("txn_"),
		OfferID:          offer.ID,
		BuyerID:          offer.BuyerID,
		SellerID:         offer.SellerID,
		ProjectTitle:     offer.ProjectTitle,
		TotalCents:       offer.AmountCents,
		FeePercent:       s.feePercent,
		PlatformFeeCents: fee,
		SellerCents:      sellerCents,
		PaymentMethod:    paymentMethod,
		PaymentReference: paymentReference,
		Status:           StatusEscrowHeld,
		ReviewPeriodDays: s.reviewPeriodDays,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	hold := &Hold{
		TransactionID: txn.ID,
		AmountCents:   txn.TotalCents,
		Status:        HoldHeld,
		CreatedAt:     now,
	}

	err = s.atomic(ctx, func(ops Ops) error {
		if err := ops.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		return ops.InsertHold(ctx, hold)
	})
	if err != nil {
		// Give the claim back so the buyer can retry the funding.
		if rerr := s.offers.RevertPaid(ctx, offer.ID); rerr != nil {
			s.logger.Error("failed to revert paid offer after funding failure",
				"offerId", offer.ID, "error", rerr)
		}
		return nil, err
	}

	metrics.TransactionTransitionsTotal.WithLabelValues(string(StatusEscrowHeld)).Inc()
	if s.notifier != nil {
		s.notifier.PaymentReceived(ctx, txn)
	}
	return txn, nil
}

// Deliver attaches project files and opens the buyer review window.
func (s *Service) Deliver(ctx context.Context, txnID, sellerID string, files []FileInput, description string) (*Transaction, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: at least one file is required", ErrInvalidInput)
	}
	for _, f := range files {
		if f.Filename == "" {
			return nil, fmt.Errorf("%w: filename is required", ErrInvalidInput)
		}
		if f.SizeBytes < 0 {
			return nil, fmt.Errorf("%w: negative file size", ErrInvalidInput)
		}
		// Storage paths are usually opaque object keys, but http(s) links
		// get served back to buyers, so they go through the SSRF check.
		if strings.HasPrefix(f.StoragePath, "http://") || strings.HasPrefix(f.StoragePath, "https://") {
			if err := security.ValidateEndpointURL(f.StoragePath); err != nil {
				return nil, fmt.Errorf("%w: storage path: %v", ErrInvalidInput, err)
			}
		}
	}

	ctx, span := traces.StartSpan(ctx, "escrow.Deliver",
		traces.TransactionID(txnID),
		traces.UserID(sellerID),
		attribute.Int("files", len(files)),
	)
	defer span.End()

	mu := s.txnLock(txnID)
	mu.Lock()
	defer mu.Unlock()

	var txn *Transaction
	err := s.atomic(ctx, func(ops Ops) error {
		var err error
		txn, err = ops.GetTransactionForUpdate(ctx, txnID)
		if err != nil {
			return err
		}
		if txn.SellerID != sellerID {
			return ErrNotFound
		}
		if txn.Status != StatusEscrowHeld {
			return ErrInvalidState
		}

		now := time.Now()
		expires := now.Add(time.Duration(txn.ReviewPeriodDays) * 24 * time.Hour)
		txn.Status = StatusPendingDelivery
		txn.DeliveredAt = &now
		txn.ReviewStartedAt = &now
		txn.ReviewExpiresAt = &expires
		txn.UpdatedAt = now
		if err := ops.UpdateTransaction(ctx, txn); err != nil {
			return err
		}

		for _, f := range files {
			d := &Deliverable{
				ID:            idgen.WithPrefix("file_"),
				TransactionID: txn.ID,
				UploaderID:    sellerID,
				Filename:      f.Filename,
				StoragePath:   f.StoragePath,
				MimeType:      f.MimeType,
				SizeBytes:     f.SizeBytes,
				Description:   description,
				CreatedAt:     now,
			}
			if err := ops.InsertDeliverable(ctx, d); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.TransactionTransitionsTotal.WithLabelValues(string(StatusPendingDelivery)).Inc()
	if s.notifier != nil {
		s.notifier.ProjectDelivered(ctx, txn)
	}
	return txn, nil
}

// SubmitReview records the buyer's verdict. Approval completes the
// transaction and pays out; a revision request leaves the state unchanged.
func (s *Service) SubmitReview(ctx context.Context, txnID, buyerID string, verdict Verdict, feedback string) (*Transaction, error) {
	if verdict != VerdictApproved && verdict != VerdictRevisionRequested {
		return nil, fmt.Errorf("%w: verdict must be approved or revision_requested", ErrInvalidInput)
	}

	ctx, span := traces.StartSpan(ctx, "escrow.SubmitReview",
		traces.TransactionID(txnID),
		traces.UserID(buyerID),
		traces.Verdict(string(verdict)),
	)
	defer span.End()

	mu := s.txnLock(txnID)
	mu.Lock()
	defer mu.Unlock()

	var txn *Transaction
	err := s.atomic(ctx, func(ops Ops) error {
		var err error
		txn, err = ops.GetTransactionForUpdate(ctx, txnID)
		if err != nil {
			return err
		}
		if txn.BuyerID != buyerID {
			return ErrNotFound
		}
		if !AwaitingReview(txn.Status) {
			return ErrInvalidState
		}

		now := time.Now()
		review := &Review{
			ID:            idgen.WithPrefix("rev_"),
			TransactionID: txn.ID,
			ReviewerID:    buyerID,
			Verdict:       verdict,
			Feedback:      feedback,
			CreatedAt:     now,
		}
		if err := ops.InsertReview(ctx, review); err != nil {
			return err
		}

		if verdict == VerdictApproved {
			return s.complete(ctx, ops, txn, now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.ReviewsTotal.WithLabelValues(string(verdict)).Inc()
	if verdict == VerdictApproved {
		s.observeCompleted(txn)
	}
	if s.notifier != nil {
		if verdict == VerdictApproved {
			s.notifier.EarningsReleased(ctx, txn, false)
		} else {
			s.notifier.RevisionRequested(ctx, txn, feedback)
		}
	}
	return txn, nil
}

// AutoRelease applies the approval path on behalf of the system once the
// review window has expired. Safe to call repeatedly for the same
// transaction: the state is re-read under the per-transaction lock, so a
// second call (or a racing buyer review) sees completed and backs off.
func (s *Service) AutoRelease(ctx context.Context, txnID string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.AutoRelease", traces.TransactionID(txnID))
	defer span.End()

	mu := s.txnLock(txnID)
	mu.Lock()
	defer mu.Unlock()

	var txn *Transaction
	err := s.atomic(ctx, func(ops Ops) error {
		var err error
		txn, err = ops.GetTransactionForUpdate(ctx, txnID)
		if err != nil {
			return err
		}
		if !AwaitingReview(txn.Status) {
			return ErrInvalidState
		}
		if txn.ReviewExpiresAt == nil || time.Now().Before(*txn.ReviewExpiresAt) {
			return ErrInvalidState
		}

		now := time.Now()
		review := &Review{
			ID:            idgen.WithPrefix("rev_"),
			TransactionID: txn.ID,
			ReviewerID:    SystemReviewer,
			Verdict:       VerdictApproved,
			Feedback:      "Auto-released: review period expired",
			CreatedAt:     now,
		}
		if err := ops.InsertReview(ctx, review); err != nil {
			return err
		}
		return s.complete(ctx, ops, txn, now)
	})
	if err != nil {
		return nil, err
	}

	metrics.AutoReleasesTotal.Inc()
	s.observeCompleted(txn)
	if s.notifier != nil {
		s.notifier.EarningsReleased(ctx, txn, true)
	}
	return txn, nil
}

// observeCompleted records completion metrics after the unit of work commits.
func (s *Service) observeCompleted(txn *Transaction) {
	metrics.TransactionTransitionsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	metrics.EarningsReleasedCents.Add(float64(txn.SellerCents))
	metrics.PlatformFeeCents.Add(float64(txn.PlatformFeeCents))
	if txn.CompletedAt != nil {
		metrics.TransactionDuration.Observe(txn.CompletedAt.Sub(txn.CreatedAt).Seconds())
	}
}

// complete finishes a transaction inside an open unit of work: status flips
// to completed, the hold releases, and both earnings rows are written.
// The earnings split is the one frozen at creation, so fee + seller == total.
func (s *Service) complete(ctx context.Context, ops Ops, txn *Transaction, now time.Time) error {
	txn.Status = StatusCompleted
	txn.CompletedAt = &now
	txn.UpdatedAt = now
	if err := ops.UpdateTransaction(ctx, txn); err != nil {
		return err
	}

	hold, err := ops.GetHoldForUpdate(ctx, txn.ID)
	if err != nil {
		return err
	}
	hold.Status = HoldReleased
	hold.ReleasedAt = &now
	if err := ops.UpdateHold(ctx, hold); err != nil {
		return err
	}

	earning := &SellerEarning{
		ID:            idgen.WithPrefix("earn_"),
		TransactionID: txn.ID,
		SellerID:      txn.SellerID,
		AmountCents:   txn.SellerCents,
		Status:        "available",
		AvailableAt:   now,
		CreatedAt:     now,
	}
	if err := ops.InsertSellerEarning(ctx, earning); err != nil {
		return err
	}

	fee := &PlatformEarning{
		ID:            idgen.WithPrefix("fee_"),
		TransactionID: txn.ID,
		AmountCents:   txn.PlatformFeeCents,
		CreatedAt:     now,
	}
	return ops.InsertPlatformEarning(ctx, fee)
}

// Dispute freezes a live transaction pending external resolution.
// The hold stays held; no funds move.
func (s *Service) Dispute(ctx context.Context, txnID, callerID, reason string) (*Transaction, error) {
	if reason == "" {
		return nil, fmt.Errorf("%w: reason is required", ErrInvalidInput)
	}

	ctx, span := traces.StartSpan(ctx, "escrow.Dispute",
		traces.TransactionID(txnID),
		traces.UserID(callerID),
	)
	defer span.End()

	mu := s.txnLock(txnID)
	mu.Lock()
	defer mu.Unlock()

	var txn *Transaction
	err := s.atomic(ctx, func(ops Ops) error {
		var err error
		txn, err = ops.GetTransactionForUpdate(ctx, txnID)
		if err != nil {
			return err
		}
		if txn.BuyerID != callerID && txn.SellerID != callerID {
			return ErrNotFound
		}
		if txn.IsTerminal() || txn.Status == StatusDisputed {
			return ErrInvalidState
		}

		now := time.Now()
		txn.Status = StatusDisputed
		txn.DisputeReason = reason
		txn.UpdatedAt = now
		return ops.UpdateTransaction(ctx, txn)
	})
	if err != nil {
		return nil, err
	}

	metrics.TransactionTransitionsTotal.WithLabelValues(string(StatusDisputed)).Inc()
	if s.notifier != nil {
		s.notifier.DisputeOpened(ctx, txn, callerID, reason)
	}
	return txn, nil
}

// Cancel refunds the buyer. Before delivery either party may cancel; once
// the seller has delivered, only the buyer may.
func (s *Service) Cancel(ctx context.Context, txnID, callerID string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Cancel",
		traces.TransactionID(txnID),
		traces.UserID(callerID),
	)
	defer span.End()

	mu := s.txnLock(txnID)
	mu.Lock()
	defer mu.Unlock()

	var txn *Transaction
	err := s.atomic(ctx, func(ops Ops) error {
		var err error
		txn, err = ops.GetTransactionForUpdate(ctx, txnID)
		if err != nil {
			return err
		}
		if txn.BuyerID != callerID && txn.SellerID != callerID {
			return ErrNotFound
		}

		switch {
		case txn.Status == StatusEscrowHeld:
			// either party
		case AwaitingReview(txn.Status):
			if callerID != txn.BuyerID {
				return ErrInvalidState
			}
		default:
			return ErrInvalidState
		}

		now := time.Now()
		txn.Status = StatusCancelled
		txn.UpdatedAt = now
		if err := ops.UpdateTransaction(ctx, txn); err != nil {
			return err
		}

		hold, err := ops.GetHoldForUpdate(ctx, txn.ID)
		if err != nil {
			return err
		}
		hold.Status = HoldRefunded
		hold.ReleasedAt = &now
		return ops.UpdateHold(ctx, hold)
	})
	if err != nil {
		return nil, err
	}

	metrics.TransactionTransitionsTotal.WithLabelValues(string(StatusCancelled)).Inc()
	if s.notifier != nil {
		s.notifier.TransactionCancelled(ctx, txn, callerID)
	}
	return txn, nil
}

// Detail bundles a transaction with its hold, files and reviews.
type Detail struct {
	Transaction  *Transaction   `json:"transaction"`
	Hold         *Hold          `json:"hold"`
	Deliverables []*Deliverable `json:"deliverables"`
	Reviews      []*Review      `json:"reviews"`
}

// Get returns a transaction visible to the caller. Non-participants get
// ErrNotFound.
func (s *Service) Get(ctx context.Context, id, callerID string) (*Detail, error) {
	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if txn.BuyerID != callerID && txn.SellerID != callerID {
		return nil, ErrNotFound
	}

	hold, err := s.store.GetHold(ctx, id)
	if err != nil {
		return nil, err
	}
	files, err := s.store.ListDeliverables(ctx, id)
	if err != nil {
		return nil, err
	}
	reviews, err := s.store.ListReviews(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Detail{Transaction: txn, Hold: hold, Deliverables: files, Reviews: reviews}, nil
}

// ListByUser returns transactions where the user is buyer or seller.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// ListEarnings returns a seller's earnings, optionally filtered by status.
func (s *Service) ListEarnings(ctx context.Context, sellerID, status string, limit int) ([]*SellerEarning, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListSellerEarnings(ctx, sellerID, status, limit)
}
