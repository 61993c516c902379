// Package installments derives payment schedules for transactions.
//
// A buyer may split a purchase into up to three installments. The planner is
// pure arithmetic; activation persists the schedule and a background timer
// flips unpaid installments past their due date to overdue. The schedule is
// independent of the escrow state machine.
package installments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/devsouq/devsouq/internal/idgen"
	"github.com/devsouq/devsouq/internal/metrics"
)

var (
	ErrNotFound     = errors.New("installment not found")
	ErrInvalidPlan  = errors.New("invalid installment plan")
	ErrInvalidState = errors.New("invalid installment state for this operation")
	ErrPlanExists   = errors.New("transaction already has an installment plan")
)

// PlanType selects how a total is split.
type PlanType string

const (
	PlanSingle PlanType = "single"
	PlanTwo    PlanType = "two_installments"
	PlanThree  PlanType = "three_installments"
)

// Status of a single installment.
type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusOverdue Status = "overdue"
)

// Installment is one slice of a transaction's total.
type Installment struct {
	ID               string     `json:"id"`
	TransactionID    string     `json:"transactionId"`
	Number           int        `json:"number"`
	AmountCents      int64      `json:"amountCents"`
	DueDate          time.Time  `json:"dueDate"`
	Status           Status     `json:"status"`
	PaidAt           *time.Time `json:"paidAt,omitempty"`
	PaymentReference string     `json:"paymentReference,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// Plan splits totalCents per the plan type. Amounts always sum to totalCents
// exactly: the last installment absorbs any rounding remainder.
//
//	single:            full amount, due now
//	two_installments:  ceil(50%) now, remainder +30 days
//	three_installments: ceil(total/3) now and +15 days, remainder +30 days
func Plan(totalCents int64, planType PlanType, now time.Time) ([]*Installment, error) {
	if totalCents <= 0 {
		return nil, fmt.Errorf("%w: total must be positive", ErrInvalidPlan)
	}

	var amounts []int64
	var dues []time.Time
	switch planType {
	case PlanSingle:
		amounts = []int64{totalCents}
		dues = []time.Time{now}
	case PlanTwo:
		first := (totalCents + 1) / 2
		amounts = []int64{first, totalCents - first}
		dues = []time.Time{now, now.AddDate(0, 0, 30)}
	case PlanThree:
		each := (totalCents + 2) / 3
		amounts = []int64{each, each, totalCents - 2*each}
		dues = []time.Time{now, now.AddDate(0, 0, 15), now.AddDate(0, 0, 30)}
	default:
		return nil, fmt.Errorf("%w: unknown plan type %q", ErrInvalidPlan, planType)
	}

	rows := make([]*Installment, len(amounts))
	for i, amount := range amounts {
		if amount <= 0 {
			return nil, fmt.Errorf("%w: total %d too small to split %d ways", ErrInvalidPlan, totalCents, len(amounts))
		}
		rows[i] = &Installment{
			Number:      i + 1,
			AmountCents: amount,
			DueDate:     dues[i],
			Status:      StatusPending,
		}
	}
	return rows, nil
}

// Transaction is the slice of an escrow transaction the planner needs.
type Transaction struct {
	ID         string
	BuyerID    string
	TotalCents int64
}

// TransactionGetter resolves a transaction owned by the given buyer. Any
// failure (missing row, wrong owner) must come back as a plain error; the
// service reports it as ErrNotFound without distinguishing.
type TransactionGetter interface {
	BuyerTransaction(ctx context.Context, transactionID, buyerID string) (*Transaction, error)
}

// Store persists installment schedules.
type Store interface {
	// CreatePlan inserts all rows of a schedule atomically. Returns
	// ErrPlanExists if the transaction already has one.
	CreatePlan(ctx context.Context, rows []*Installment) error
	Get(ctx context.Context, id string) (*Installment, error)
	Update(ctx context.Context, inst *Installment) error
	ListByTransaction(ctx context.Context, transactionID string) ([]*Installment, error)
	// ListDuePending returns pending installments whose due date has passed.
	ListDuePending(ctx context.Context, before time.Time, limit int) ([]*Installment, error)
}

// Service manages installment plans for buyers.
type Service struct {
	store  Store
	txns   TransactionGetter
	logger *slog.Logger

	locks sync.Map // installment ID -> *sync.Mutex
}

func NewService(store Store, txns TransactionGetter, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		txns:   txns,
		logger: logger,
	}
}

func (s *Service) lock(id string) func() {
	muIface, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	mu := muIface.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Activate plans and persists a schedule for the buyer's transaction.
func (s *Service) Activate(ctx context.Context, transactionID, buyerID string, planType PlanType) ([]*Installment, error) {
	txn, err := s.txns.BuyerTransaction(ctx, transactionID, buyerID)
	if err != nil {
		return nil, ErrNotFound
	}

	rows, err := Plan(txn.TotalCents, planType, time.Now())
	if err != nil {
		return nil, err
	}

	var sum int64
	for _, r := range rows {
		sum += r.AmountCents
	}
	if sum != txn.TotalCents {
		return nil, fmt.Errorf("%w: installments sum to %d, total is %d", ErrInvalidPlan, sum, txn.TotalCents)
	}

	now := time.Now()
	for _, r := range rows {
		r.ID = idgen.WithPrefix("inst_")
		r.TransactionID = txn.ID
		r.CreatedAt = now
	}

	if err := s.store.CreatePlan(ctx, rows); err != nil {
		return nil, err
	}

	s.logger.Info("installment plan activated",
		"transaction_id", txn.ID,
		"plan_type", string(planType),
		"installments", len(rows))
	return rows, nil
}

// List returns the buyer's schedule for a transaction.
func (s *Service) List(ctx context.Context, transactionID, buyerID string) ([]*Installment, error) {
	if _, err := s.txns.BuyerTransaction(ctx, transactionID, buyerID); err != nil {
		return nil, ErrNotFound
	}
	return s.store.ListByTransaction(ctx, transactionID)
}

// MarkPaid records a payment against an installment. Only the transaction's
// buyer may pay; paying twice returns ErrInvalidState.
func (s *Service) MarkPaid(ctx context.Context, installmentID, buyerID, paymentRef string) (*Installment, error) {
	unlock := s.lock(installmentID)
	defer unlock()

	inst, err := s.store.Get(ctx, installmentID)
	if err != nil {
		return nil, err
	}
	if _, err := s.txns.BuyerTransaction(ctx, inst.TransactionID, buyerID); err != nil {
		return nil, ErrNotFound
	}
	if inst.Status == StatusPaid {
		return nil, fmt.Errorf("%w: installment already paid", ErrInvalidState)
	}

	now := time.Now()
	inst.Status = StatusPaid
	inst.PaidAt = &now
	inst.PaymentReference = paymentRef
	if err := s.store.Update(ctx, inst); err != nil {
		return nil, err
	}

	s.logger.Info("installment paid",
		"installment_id", inst.ID,
		"transaction_id", inst.TransactionID,
		"amount_cents", inst.AmountCents)
	return inst, nil
}

// MarkOverdue flips pending installments whose due date has passed. Called by
// the timer; returns how many were flipped.
func (s *Service) MarkOverdue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.ListDuePending(ctx, now, 100)
	if err != nil {
		return 0, err
	}

	flipped := 0
	for _, inst := range due {
		done, err := s.flipOverdue(ctx, inst.ID)
		if err != nil {
			s.logger.Warn("failed to mark installment overdue",
				"installment_id", inst.ID,
				"error", err)
			continue
		}
		if done {
			flipped++
		}
	}
	if flipped > 0 {
		metrics.InstallmentsOverdueTotal.Add(float64(flipped))
	}
	return flipped, nil
}

func (s *Service) flipOverdue(ctx context.Context, id string) (bool, error) {
	unlock := s.lock(id)
	defer unlock()

	// Re-read under the lock: a payment may have landed since the scan.
	inst, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if inst.Status != StatusPending {
		return false, nil
	}
	inst.Status = StatusOverdue
	if err := s.store.Update(ctx, inst); err != nil {
		return false, err
	}
	return true, nil
}
