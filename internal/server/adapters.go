package server

import (
	"context"

	"github.com/devsouq/devsouq/internal/escrow"
	"github.com/devsouq/devsouq/internal/installments"
	"github.com/devsouq/devsouq/internal/notify"
	"github.com/devsouq/devsouq/internal/offers"
)

// offerAdapter adapts offers.Service to escrow.OfferGetter
type offerAdapter struct {
	svc *offers.Service
}

func (a *offerAdapter) AcceptedOffer(ctx context.Context, offerID, buyerID string) (*escrow.AcceptedOffer, error) {
	o, err := a.svc.GetAccepted(ctx, offerID, buyerID)
	if err != nil {
		return nil, err
	}
	return &escrow.AcceptedOffer{
		ID:           o.ID,
		BuyerID:      o.BuyerID,
		SellerID:     o.SellerID,
		ProjectTitle: o.ProjectTitle,
		AmountCents:  o.AmountCents,
	}, nil
}

func (a *offerAdapter) MarkPaid(ctx context.Context, offerID string) error {
	return a.svc.MarkPaid(ctx, offerID)
}

func (a *offerAdapter) RevertPaid(ctx context.Context, offerID string) error {
	return a.svc.RevertPaid(ctx, offerID)
}

// escrowTxnAdapter adapts escrow.Service to installments.TransactionGetter
type escrowTxnAdapter struct {
	svc *escrow.Service
}

func (a *escrowTxnAdapter) BuyerTransaction(ctx context.Context, transactionID, buyerID string) (*installments.Transaction, error) {
	d, err := a.svc.Get(ctx, transactionID, buyerID)
	if err != nil {
		return nil, err
	}
	// Sellers can read a transaction but cannot open a plan on it.
	if d.Transaction.BuyerID != buyerID {
		return nil, escrow.ErrNotFound
	}
	return &installments.Transaction{
		ID:         d.Transaction.ID,
		BuyerID:    d.Transaction.BuyerID,
		TotalCents: d.Transaction.TotalCents,
	}, nil
}

// escrowNotifier adapts notify.Emitter to escrow.Notifier. Each lifecycle
// event becomes one notification addressed to the party who didn't act.
type escrowNotifier struct {
	emitter *notify.Emitter
}

func (n *escrowNotifier) PaymentReceived(ctx context.Context, t *escrow.Transaction) {
	n.emitter.Emit(notify.Event{
		Type:          notify.EventPaymentReceived,
		RecipientID:   t.SellerID,
		TransactionID: t.ID,
		ProjectTitle:  t.ProjectTitle,
		AmountCents:   t.TotalCents,
	})
}

func (n *escrowNotifier) ProjectDelivered(ctx context.Context, t *escrow.Transaction) {
	e := notify.Event{
		Type:          notify.EventProjectDelivered,
		RecipientID:   t.BuyerID,
		TransactionID: t.ID,
		ProjectTitle:  t.ProjectTitle,
		AmountCents:   t.TotalCents,
	}
	if t.ReviewExpiresAt != nil {
		e.ReviewDeadline = *t.ReviewExpiresAt
	}
	n.emitter.Emit(e)
}

func (n *escrowNotifier) RevisionRequested(ctx context.Context, t *escrow.Transaction, feedback string) {
	n.emitter.Emit(notify.Event{
		Type:          notify.EventRevisionRequested,
		RecipientID:   t.SellerID,
		TransactionID: t.ID,
		ProjectTitle:  t.ProjectTitle,
		Feedback:      feedback,
	})
}

func (n *escrowNotifier) EarningsReleased(ctx context.Context, t *escrow.Transaction, auto bool) {
	n.emitter.Emit(notify.Event{
		Type:          notify.EventEarningsReleased,
		RecipientID:   t.SellerID,
		TransactionID: t.ID,
		ProjectTitle:  t.ProjectTitle,
		AmountCents:   t.SellerCents,
		Auto:          auto,
	})
}

func (n *escrowNotifier) DisputeOpened(ctx context.Context, t *escrow.Transaction, openedBy, reason string) {
	n.emitter.Emit(notify.Event{
		Type:          notify.EventDisputeOpened,
		RecipientID:   counterparty(t, openedBy),
		TransactionID: t.ID,
		ProjectTitle:  t.ProjectTitle,
		ActorID:       openedBy,
		Reason:        reason,
	})
}

func (n *escrowNotifier) TransactionCancelled(ctx context.Context, t *escrow.Transaction, cancelledBy string) {
	n.emitter.Emit(notify.Event{
		Type:          notify.EventTransactionCancelled,
		RecipientID:   counterparty(t, cancelledBy),
		TransactionID: t.ID,
		ProjectTitle:  t.ProjectTitle,
		AmountCents:   t.TotalCents,
		ActorID:       cancelledBy,
	})
}

func counterparty(t *escrow.Transaction, actorID string) string {
	if actorID == t.BuyerID {
		return t.SellerID
	}
	return t.BuyerID
}
