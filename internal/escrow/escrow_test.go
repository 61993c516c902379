package escrow

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// mockOffers serves accepted offers and mirrors the conditional paid flip:
// MarkPaid succeeds at most once per offer until RevertPaid gives it back.
type mockOffers struct {
	mu      sync.Mutex
	offers  map[string]*AcceptedOffer
	claimed map[string]bool
	paid    []string
}

func newMockOffers() *mockOffers {
	return &mockOffers{
		offers:  make(map[string]*AcceptedOffer),
		claimed: make(map[string]bool),
	}
}

func (m *mockOffers) add(o *AcceptedOffer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers[o.ID] = o
}

func (m *mockOffers) AcceptedOffer(_ context.Context, offerID, buyerID string) (*AcceptedOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[offerID]
	if !ok || o.BuyerID != buyerID {
		return nil, errors.New("offer not found")
	}
	if m.claimed[offerID] {
		return nil, errors.New("offer not accepted")
	}
	return o, nil
}

func (m *mockOffers) MarkPaid(_ context.Context, offerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.offers[offerID]; !ok {
		return errors.New("offer not found")
	}
	if m.claimed[offerID] {
		return errors.New("offer not accepted")
	}
	m.claimed[offerID] = true
	m.paid = append(m.paid, offerID)
	return nil
}

func (m *mockOffers) RevertPaid(_ context.Context, offerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.claimed[offerID] {
		return errors.New("offer not paid")
	}
	delete(m.claimed, offerID)
	return nil
}

// mockPayments rejects when err is set.
type mockPayments struct {
	err   error
	calls int
}

func (m *mockPayments) VerifyPayment(_ context.Context, reference string, amountCents int64) error {
	m.calls++
	return m.err
}

// mockNotifier records emitted event names in order.
type mockNotifier struct {
	mu     sync.Mutex
	events []string
}

func (m *mockNotifier) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, name)
}

func (m *mockNotifier) PaymentReceived(_ context.Context, _ *Transaction) { m.record("payment_received") }
func (m *mockNotifier) ProjectDelivered(_ context.Context, _ *Transaction) {
	m.record("project_delivered")
}
func (m *mockNotifier) RevisionRequested(_ context.Context, _ *Transaction, _ string) {
	m.record("revision_requested")
}
func (m *mockNotifier) EarningsReleased(_ context.Context, _ *Transaction, auto bool) {
	if auto {
		m.record("earnings_released_auto")
	} else {
		m.record("earnings_released")
	}
}
func (m *mockNotifier) DisputeOpened(_ context.Context, _ *Transaction, _, _ string) {
	m.record("dispute_opened")
}
func (m *mockNotifier) TransactionCancelled(_ context.Context, _ *Transaction, _ string) {
	m.record("transaction_cancelled")
}

func (m *mockNotifier) last() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return ""
	}
	return m.events[len(m.events)-1]
}

type testEnv struct {
	svc      *Service
	store    *MemoryStore
	offers   *mockOffers
	payments *mockPayments
	notifier *mockNotifier
}

func newTestEnv() *testEnv {
	store := NewMemoryStore()
	offers := newMockOffers()
	payments := &mockPayments{}
	notifier := &mockNotifier{}
	svc := NewService(store, offers, payments, 15, 7, testLogger()).WithNotifier(notifier)
	return &testEnv{svc: svc, store: store, offers: offers, payments: payments, notifier: notifier}
}

func (e *testEnv) fund(t *testing.T, amountCents int64) *Transaction {
	t.Helper()
	e.offers.add(&AcceptedOffer{
		ID:           "off_0123456789abcdef01234567",
		BuyerID:      "usr_buyer",
		SellerID:     "usr_seller",
		ProjectTitle: "Landing page",
		AmountCents:  amountCents,
	})
	txn, err := e.svc.Create(context.Background(), "usr_buyer", "off_0123456789abcdef01234567", "card", "pi_test")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return txn
}

func (e *testEnv) deliver(t *testing.T, txnID string) *Transaction {
	t.Helper()
	txn, err := e.svc.Deliver(context.Background(), txnID, "usr_seller",
		[]FileInput{{Filename: "site.zip", SizeBytes: 2048}}, "Final build")
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	return txn
}

// backdateReviewWindow moves the review expiry into the past so the
// auto-release path can fire in tests.
func (e *testEnv) backdateReviewWindow(t *testing.T, txnID string, past time.Time) {
	t.Helper()
	ctx := context.Background()
	err := e.store.Atomic(ctx, func(ops Ops) error {
		txn, err := ops.GetTransactionForUpdate(ctx, txnID)
		if err != nil {
			return err
		}
		txn.ReviewExpiresAt = &past
		return ops.UpdateTransaction(ctx, txn)
	})
	if err != nil {
		t.Fatalf("backdate failed: %v", err)
	}
}

func TestCreate_HappyPath(t *testing.T) {
	env := newTestEnv()
	txn := env.fund(t, 10000)

	if txn.Status != StatusEscrowHeld {
		t.Errorf("Expected status escrow_held, got %s", txn.Status)
	}
	if txn.PlatformFeeCents != 1500 || txn.SellerCents != 8500 {
		t.Errorf("Expected 1500/8500 split, got %d/%d", txn.PlatformFeeCents, txn.SellerCents)
	}
	if txn.PlatformFeeCents+txn.SellerCents != txn.TotalCents {
		t.Error("Expected fee + seller == total")
	}
	if txn.ReviewPeriodDays != 7 {
		t.Errorf("Expected review period 7 days, got %d", txn.ReviewPeriodDays)
	}

	hold, err := env.store.GetHold(context.Background(), txn.ID)
	if err != nil {
		t.Fatalf("GetHold failed: %v", err)
	}
	if hold.Status != HoldHeld {
		t.Errorf("Expected hold held, got %s", hold.Status)
	}
	if hold.AmountCents != 10000 {
		t.Errorf("Expected hold amount 10000, got %d", hold.AmountCents)
	}

	if len(env.offers.paid) != 1 {
		t.Errorf("Expected offer marked paid once, got %d", len(env.offers.paid))
	}
	if env.payments.calls != 1 {
		t.Errorf("Expected one payment verification, got %d", env.payments.calls)
	}
	if env.notifier.last() != "payment_received" {
		t.Errorf("Expected payment_received notification, got %s", env.notifier.last())
	}
}

func TestCreate_OfferNotFound(t *testing.T) {
	env := newTestEnv()

	_, err := env.svc.Create(context.Background(), "usr_buyer", "off_missing", "card", "pi_test")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestCreate_WrongBuyer(t *testing.T) {
	env := newTestEnv()
	env.offers.add(&AcceptedOffer{
		ID: "off_aaa", BuyerID: "usr_buyer", SellerID: "usr_seller", AmountCents: 100,
	})

	_, err := env.svc.Create(context.Background(), "usr_other", "off_aaa", "card", "pi_test")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for wrong buyer, got %v", err)
	}
}

func TestCreate_PaymentRejected(t *testing.T) {
	env := newTestEnv()
	env.payments.err = errors.New("payment intent not succeeded")
	env.offers.add(&AcceptedOffer{
		ID: "off_aaa", BuyerID: "usr_buyer", SellerID: "usr_seller", AmountCents: 100,
	})

	_, err := env.svc.Create(context.Background(), "usr_buyer", "off_aaa", "card", "pi_bad")
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}

	// Nothing persisted
	txns, _ := env.store.ListByUser(context.Background(), "usr_buyer", 10)
	if len(txns) != 0 {
		t.Errorf("Expected no transactions after rejected payment, got %d", len(txns))
	}
}

func TestDeliver_HappyPath(t *testing.T) {
	env := newTestEnv()
	txn := env.fund(t, 10000)

	before := time.Now()
	txn = env.deliver(t, txn.ID)

	if txn.Status != StatusPendingDelivery {
		t.Errorf("Expected status pending_delivery, got %s", txn.Status)
	}
	if txn.DeliveredAt == nil || txn.ReviewStartedAt == nil || txn.ReviewExpiresAt == nil {
		t.Fatal("Expected delivery timestamps to be set")
	}
	wantExpiry := before.Add(7 * 24 * time.Hour)
	if txn.ReviewExpiresAt.Before(wantExpiry.Add(-time.Minute)) || txn.ReviewExpiresAt.After(wantExpiry.Add(time.Minute)) {
		t.Errorf("Expected review window ~7 days, got %v", txn.ReviewExpiresAt)
	}

	files, _ := env.store.ListDeliverables(context.Background(), txn.ID)
	if len(files) != 1 {
		t.Fatalf("Expected 1 deliverable, got %d", len(files))
	}
	if files[0].Filename != "site.zip" || files[0].UploaderID != "usr_seller" {
		t.Errorf("Unexpected deliverable %+v", files[0])
	}

	if env.notifier.last() != "project_delivered" {
		t.Errorf("Expected project_delivered notification, got %s", env.notifier.last())
	}
}

func TestDeliver_NoFiles(t *testing.T) {
	env := newTestEnv()
	txn := env.fund(t, 10000)

	_, err := env.svc.Deliver(context.Background(), txn.ID, "usr_seller", nil, "")
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for empty files, got %v", err)
	}
}

func TestDeliver_WrongCaller(t *testing.T) {
	env := newTestEnv()
	txn := env.fund(t, 10000)

	files := []FileInput{{Filename: "site.zip"}}
	for _, caller := range []string{"usr_buyer", "usr_other"} {
		_, err := env.svc.Deliver(context.Background(), txn.ID, caller, files, "")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound for caller %s, got %v", caller, err)
		}
	}
}

func TestDeliver_WrongState(t *testing.T) {
	env := newTestEnv()
	txn := env.fund(t, 10000)
	env.deliver(t, txn.ID)

	// Second delivery while awaiting review
	_, err := env.svc.Deliver(context.Background(), txn.ID, "usr_seller",
		[]FileInput{{Filename: "v2.zip"}}, "")
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState for second delivery, got %v", err)
	}
}

func TestSubmitReview_Approved(t *testing.T) {
	env := newTestEnv()
	txn := env.fund(t, 9999)
	env.deliver(t, txn.ID)

	txn2, err := env.svc.SubmitReview(context.Background(), txn.ID, "usr_buyer", VerdictApproved, "Great work")
	if err != nil {
		t.Fatalf("SubmitReview failed: %v", err)
	}
	if txn2.Status != StatusCompleted {
		t.Errorf("Expected status completed, got %s", txn2.Status)
	}
	if txn2.CompletedAt == nil {
		t.Error("Expected CompletedAt to be set")
	}

	hold, _ := env.store.GetHold(context.Background(), txn.ID)
	if hold.Status != HoldReleased {
		t.Errorf("Expected hold released, got %s", hold.Status)
	}
	if hold.ReleasedAt == nil {
		t.Error("Expected hold ReleasedAt to be set")
	}

	earnings, _ := env.store.ListSellerEarnings(context.Background(), "usr_seller", "", 10)
	if len(earnings) != 1 {
		t.Fatalf("Expected 1 seller earning, got %d", len(earnings))
	}
	if earnings[0].AmountCents != txn2.SellerCents {
		t.Errorf("Expected earning %d, got %d", txn2.SellerCents, earnings[0].AmountCents)
	}
	if earnings[0].Status != "available" {
		t.Errorf("Expected earning available, got %s", earnings[0].Status)
	}
	if earnings[0].AmountCents+txn2.PlatformFeeCents != txn2.TotalCents {
		t.Error("Expected earning + fee == total")
	}

	reviews, _ := env.store.ListReviews(context.Background(), txn.ID)
	if len(reviews) != 1 || reviews[0].Verdict != VerdictApproved {
		t.Errorf("Expected 1 approved review, got %+v", reviews)
	}

	if env.notifier.last() != "earnings_released" {
		t.Errorf("Expected earnings_released notification, got %s", env.notifier.last())
	}
}

func TestSubmitReview_RevisionRequested(t *testing.T) {
	env := newTestEnv()
	txn := env.fund(t, 10000)
	env.deliver(t, txn.ID)

	txn2, err := env.svc.SubmitReview(context.Background(), txn.ID, "usr_buyer", VerdictRevisionRequested, "Logo is wrong")
	if err != nil {
		t.Fatalf("SubmitReview failed: %v", err)
	}
	if txn2.Status != StatusPendingDelivery {
		t.Errorf("Expected state unchanged, got %s", txn2.Status)
	}

	hold, _ := env.store.GetHold(context.Background(), txn.ID)
	if hold.Status != HoldHeld {
		t.Errorf("Expected hold still held, got %s", hold.Status)
	}

	earnings, _ := env.store.ListSellerEarnings(context.Background(), "usr_seller", "", 10)
	if len(earnings) != 0 {
		t.Errorf("Expected no earnings after revision request, got %d", len(earnings))
	}

	reviews, _ := env.store.ListReviews(context.Background(), txn.ID)
	if len(reviews) != 1 || reviews[0].Verdict != VerdictRevisionRequested {
		t.Errorf("Expected 1 revision review, got %+v", reviews)
	}
	if reviews[0].Feedback != "Logo is wrong" {
		t.Errorf("Expected feedback preserved, got %q", reviews[0].Feedback)
	}

	if env.notifier.last() != "revision_requested" {
		t.Errorf("Expected revision_requested notification, got %s", env.notifier.last())
	}

	// A later approval still completes
	txn3, err := env.svc.SubmitReview(context.Background(), txn.ID, "usr_buyer", VerdictApproved, "")
	if err != nil {
		t.Fatalf("Second review failed: %v", err)
	}
	if txn3.Status != StatusCompleted {
		t.Errorf("Expected completed after approval, got %s", txn3.Status)
	}
	reviews, _ = env.store.ListReviews(context.Background(), txn.ID)
	if len(reviews) != 2 {
		t.Errorf("Expected review history of 2, got %d", len(reviews))
	}
}

func TestSubmitReview_InvalidVerdict(t *testing.T) {
	env := newTestEnv()
	txn := env.fund(t, 10000)
	env.deliver(t, txn.ID)

	_, err := env.svc.SubmitReview(context.Background(), txn.ID, "usr_buyer", "maybe", "")
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for bad verdict, got %v", err)
	}
}

func TestSubmitReview_WrongCaller(t *testing.T) {
	env := newTestEnv()
	txn := env.fund(t, 10000)
	env.deliver(t, txn.ID)

	for _, caller := range []string{"usr_seller", "usr_other"} {
		_, err := env.svc.SubmitReview(context.Background(), txn.ID, caller, VerdictApproved, "")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound for caller %s, got %v", caller, err)
		}
	}
}

func TestSubmitReview_BeforeDelivery(t *testing.T) {
	env := newTestEnv()
	txn := env.fund(t, 10000)

	_, err := env.svc.SubmitReview(context.Background(), txn.ID, "usr_buyer", VerdictApproved, "")
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState before delivery, got %v", err)
	}
}

func TestAutoRelease(t *testing.T) {
	env := newTestEnv()
	txn := env.fund(t, 10000)
	env.deliver(t, txn.ID)
	env.backdateReviewWindow(t, txn.ID, time.Now().Add(-time.Hour))

	released, err := env.svc.AutoRelease(context.Background(), txn.ID)
	if err != nil {
		t.Fatalf("AutoRelease failed: %v", err)
	}
	if released.Status != StatusCompleted {
		t.Errorf("Expected completed, got %s", released.Status)
	}

	reviews, _ := env.store.ListReviews(context.Background(), txn.ID)
	if len(reviews) != 1 || reviews[0].ReviewerID != SystemReviewer {
		t.Errorf("Expected one system review, got %+v", reviews)
	}

	hold, _ := env.store.GetHold(context.Background(), txn.ID)
	if hold.Status != HoldReleased {
		t.Errorf("Expected hold released, got %s", hold.Status)
	}

	if env.notifier.last() != "earnings_released_auto" {
		t.Errorf("Expected earnings_released_auto notification, got %s", env.notifier.last())
	}
}

func TestAutoRelease_Idempotent(t *testing.T) {
	env := newTestEnv()
	txn := env.fund(t, 10000)
	env.deliver(t, txn.ID)
	env.backdateReviewWindow(t, txn.ID, time.Now().Add(-time.Hour))

	if _, err := env.svc.AutoRelease(context.Background(), txn.ID); err != nil {
		t.Fatalf("First AutoRelease failed: %v", err)
	}
	_, err := env.svc.AutoRelease(context.Background(), txn.ID)
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState on second AutoRelease, got %v", err)
	}

	// Exactly one payout despite the second attempt
	earnings, _ := env.store.ListSellerEarnings(context.Background(), "usr_seller", "", 10)
	if len(earnings) != 1 {
		t.Errorf("Expected exactly 1 earning, got %d", len(earnings))
	}
}

func TestAutoRelease_WindowStillOpen(t *testing.T) {
	env := newTestEnv()
	txn := env.fund(t, 10000)
	env.deliver(t, txn.ID)

	_, err := env.svc.AutoRelease(context.Background(), txn.ID)
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState while window open, got %v", err)
	}
}

func TestAutoRelease_AfterBuyerReview(t *testing.T) {
	env := newTestEnv()
	txn := env.fund(t, 10000)
	env.deliver(t, txn.ID)
	env.backdateReviewWindow(t, txn.ID, time.Now().Add(-time.Hour))

	if _, err := env.svc.SubmitReview(context.Background(), txn.ID, "usr_buyer", VerdictApproved, ""); err != nil {
		t.Fatalf("SubmitReview failed: %v", err)
	}

	_, err := env.svc.AutoRelease(context.Background(), txn.ID)
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState after buyer review, got %v", err)
	}

	earnings, _ := env.store.ListSellerEarnings(context.Background(), "usr_seller", "", 10)
	if len(earnings) != 1 {
		t.Errorf("Expected exactly 1 earning, got %d", len(earnings))
	}
}

func TestDispute(t *testing.T) {
	env := newTestEnv()
	txn := env.fund(t, 10000)

	disputed, err := env.svc.Dispute(context.Background(), txn.ID, "usr_seller", "buyer unresponsive")
	if err != nil {
		t.Fatalf("Dispute failed: %v", err)
	}
	if disputed.Status != StatusDisputed {
		t.Errorf("Expected disputed, got %s", disputed.Status)
	}
	if disputed.DisputeReason != "buyer unresponsive" {
		t.Errorf("Expected reason preserved, got %q", disputed.DisputeReason)
	}

	// Hold stays frozen
	hold, _ := env.store.GetHold(context.Background(), txn.ID)
	if hold.Status != HoldHeld {
		t.Errorf("Expected hold still held during dispute, got %s", hold.Status)
	}

	if env.notifier.last() != "dispute_opened" {
		t.Errorf("Expected dispute_opened notification, got %s", env.notifier.last())
	}

	// Second dispute blocked
	_, err = env.svc.Dispute(context.Background(), txn.ID, "usr_buyer", "me too")
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState on second dispute, got %v", err)
	}
}

func TestDispute_FromPendingDelivery(t *testing.T) {
	env := newTestEnv()
	txn := env.fund(t, 10000)
	env.deliver(t, txn.ID)

	_, err := env.svc.Dispute(context.Background(), txn.ID, "usr_buyer", "files are corrupt")
	if err != nil {
		t.Fatalf("Dispute from pending_delivery failed: %v", err)
	}
}

func TestDispute_Guards(t *testing.T) {
	env := newTestEnv()
	txn := env.fund(t, 10000)

	// Stranger
	_, err := env.svc.Dispute(context.Background(), txn.ID, "usr_other", "reason")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for stranger, got %v", err)
	}

	// Empty reason
	_, err = env.svc.Dispute(context.Background(), txn.ID, "usr_buyer", "")
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for empty reason, got %v", err)
	}

	// Terminal state
	env.deliver(t, txn.ID)
	env.svc.SubmitReview(context.Background(), txn.ID, "usr_buyer", VerdictApproved, "")
	_, err = env.svc.Dispute(context.Background(), txn.ID, "usr_buyer", "too late")
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState from completed, got %v", err)
	}
}

func TestCancel_FromEscrowHeld(t *testing.T) {
	for _, caller := range []string{"usr_buyer", "usr_seller"} {
		env := newTestEnv()
		txn := env.fund(t, 10000)

		cancelled, err := env.svc.Cancel(context.Background(), txn.ID, caller)
		if err != nil {
			t.Fatalf("Cancel by %s failed: %v", caller, err)
		}
		if cancelled.Status != StatusCancelled {
			t.Errorf("Expected cancelled, got %s", cancelled.Status)
		}

		hold, _ := env.store.GetHold(context.Background(), txn.ID)
		if hold.Status != HoldRefunded {
			t.Errorf("Expected hold refunded, got %s", hold.Status)
		}
		if env.notifier.last() != "transaction_cancelled" {
			t.Errorf("Expected transaction_cancelled notification, got %s", env.notifier.last())
		}
	}
}

func TestCancel_FromPendingDelivery(t *testing.T) {
	env := newTestEnv()
	txn := env.fund(t, 10000)
	env.deliver(t, txn.ID)

	// Seller cannot cancel after delivering
	_, err := env.svc.Cancel(context.Background(), txn.ID, "usr_seller")
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState for seller cancel, got %v", err)
	}

	// Buyer can
	cancelled, err := env.svc.Cancel(context.Background(), txn.ID, "usr_buyer")
	if err != nil {
		t.Fatalf("Buyer cancel failed: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("Expected cancelled, got %s", cancelled.Status)
	}
}

func TestCancel_Guards(t *testing.T) {
	env := newTestEnv()
	txn := env.fund(t, 10000)

	_, err := env.svc.Cancel(context.Background(), txn.ID, "usr_other")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for stranger, got %v", err)
	}

	env.deliver(t, txn.ID)
	env.svc.SubmitReview(context.Background(), txn.ID, "usr_buyer", VerdictApproved, "")
	_, err = env.svc.Cancel(context.Background(), txn.ID, "usr_buyer")
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState from completed, got %v", err)
	}
}

func TestGet_Visibility(t *testing.T) {
	env := newTestEnv()
	txn := env.fund(t, 10000)
	env.deliver(t, txn.ID)

	for _, caller := range []string{"usr_buyer", "usr_seller"} {
		detail, err := env.svc.Get(context.Background(), txn.ID, caller)
		if err != nil {
			t.Fatalf("Get by %s failed: %v", caller, err)
		}
		if detail.Hold == nil || len(detail.Deliverables) != 1 {
			t.Errorf("Expected full detail for %s", caller)
		}
	}

	_, err := env.svc.Get(context.Background(), txn.ID, "usr_other")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for stranger, got %v", err)
	}
}

func TestUnderReviewAlias(t *testing.T) {
	env := newTestEnv()
	txn := env.fund(t, 10000)
	env.deliver(t, txn.ID)

	// Simulate a row written before the status rename
	ctx := context.Background()
	err := env.store.Atomic(ctx, func(ops Ops) error {
		fresh, err := ops.GetTransactionForUpdate(ctx, txn.ID)
		if err != nil {
			return err
		}
		fresh.Status = StatusUnderReview
		return ops.UpdateTransaction(ctx, fresh)
	})
	if err != nil {
		t.Fatalf("status rewrite failed: %v", err)
	}

	txn2, err := env.svc.SubmitReview(ctx, txn.ID, "usr_buyer", VerdictApproved, "")
	if err != nil {
		t.Fatalf("SubmitReview on legacy status failed: %v", err)
	}
	if txn2.Status != StatusCompleted {
		t.Errorf("Expected completed, got %s", txn2.Status)
	}
}

func TestMemoryStore_AtomicRollback(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.Atomic(ctx, func(ops Ops) error {
		now := time.Now()
		if err := ops.InsertTransaction(ctx, &Transaction{
			ID: "txn_rollback", BuyerID: "usr_b", SellerID: "usr_s",
			TotalCents: 100, Status: StatusEscrowHeld, CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			return err
		}
		if err := ops.InsertHold(ctx, &Hold{
			TransactionID: "txn_rollback", AmountCents: 100, Status: HoldHeld, CreatedAt: now,
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}

	if _, err := store.Get(ctx, "txn_rollback"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected no transaction after rollback, got %v", err)
	}
	if _, err := store.GetHold(ctx, "txn_rollback"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected no hold after rollback, got %v", err)
	}
}

func TestTimer_ReleasesExpired(t *testing.T) {
	env := newTestEnv()
	txn := env.fund(t, 10000)
	env.deliver(t, txn.ID)
	env.backdateReviewWindow(t, txn.ID, time.Now().Add(-time.Hour))

	timer := NewTimer(env.svc, env.store, testLogger())
	timer.releaseExpired(context.Background())

	got, _ := env.store.Get(context.Background(), txn.ID)
	if got.Status != StatusCompleted {
		t.Errorf("Expected timer to complete transaction, got %s", got.Status)
	}

	// A second pass is a no-op
	timer.releaseExpired(context.Background())
	earnings, _ := env.store.ListSellerEarnings(context.Background(), "usr_seller", "", 10)
	if len(earnings) != 1 {
		t.Errorf("Expected exactly 1 earning after second pass, got %d", len(earnings))
	}
}

func TestCreate_OfferAlreadyFunded(t *testing.T) {
	env := newTestEnv()
	env.fund(t, 10000)

	_, err := env.svc.Create(context.Background(), "usr_buyer", "off_0123456789abcdef01234567", "card", "pi_again")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for already-funded offer, got %v", err)
	}
	if len(env.offers.paid) != 1 {
		t.Errorf("Expected offer claimed once, got %d", len(env.offers.paid))
	}
}

func TestConcurrentCreate_ChargesOnce(t *testing.T) {
	env := newTestEnv()
	env.offers.add(&AcceptedOffer{
		ID:           "off_0123456789abcdef01234567",
		BuyerID:      "usr_buyer",
		SellerID:     "usr_seller",
		ProjectTitle: "Landing page",
		AmountCents:  10000,
	})

	var wg sync.WaitGroup
	txns := make([]*Transaction, 2)
	errs := make([]error, 2)
	refs := []string{"pi_first", "pi_second"}
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			defer wg.Done()
			txns[i], errs[i] = env.svc.Create(context.Background(),
				"usr_buyer", "off_0123456789abcdef01234567", "card", refs[i])
		}(i)
	}
	wg.Wait()

	// Exactly one attempt claims the offer; the other gets nothing back
	// and writes nothing.
	var won, lost int
	for i := range errs {
		switch {
		case errs[i] == nil:
			won++
		case errors.Is(errs[i], ErrNotFound):
			lost++
		default:
			t.Errorf("Unexpected error: %v", errs[i])
		}
	}
	if won != 1 || lost != 1 {
		t.Fatalf("Expected 1 winner and 1 loser, got %d/%d", won, lost)
	}

	held, err := env.store.ListByUser(context.Background(), "usr_buyer", 10)
	if err != nil {
		t.Fatalf("ListByUser failed: %v", err)
	}
	if len(held) != 1 {
		t.Fatalf("Expected exactly 1 transaction, got %d", len(held))
	}
	if len(env.offers.paid) != 1 {
		t.Errorf("Expected offer claimed once, got %d", len(env.offers.paid))
	}
	if _, err := env.store.GetHold(context.Background(), held[0].ID); err != nil {
		t.Errorf("Expected a hold for the winning transaction: %v", err)
	}
}

// flakyStore fails the next Atomic call once, then delegates.
type flakyStore struct {
	Store
	mu   sync.Mutex
	fail error
}

func (f *flakyStore) Atomic(ctx context.Context, fn func(ops Ops) error) error {
	f.mu.Lock()
	err := f.fail
	f.fail = nil
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Store.Atomic(ctx, fn)
}

func TestCreate_RevertsClaimWhenInsertFails(t *testing.T) {
	store := &flakyStore{Store: NewMemoryStore()}
	offers := newMockOffers()
	svc := NewService(store, offers, &mockPayments{}, 15, 7, testLogger())
	offers.add(&AcceptedOffer{
		ID:           "off_0123456789abcdef01234567",
		BuyerID:      "usr_buyer",
		SellerID:     "usr_seller",
		ProjectTitle: "Landing page",
		AmountCents:  10000,
	})

	// First attempt fails after claiming the offer; the claim must be
	// given back so a retry can fund it.
	store.fail = errors.New("connection reset")
	if _, err := svc.Create(context.Background(),
		"usr_buyer", "off_0123456789abcdef01234567", "card", "pi_test"); err == nil {
		t.Fatal("Expected Create to fail")
	}

	txn, err := svc.Create(context.Background(),
		"usr_buyer", "off_0123456789abcdef01234567", "card", "pi_retry")
	if err != nil {
		t.Fatalf("Retry after failed funding: %v", err)
	}
	if txn.Status != StatusEscrowHeld {
		t.Errorf("Expected escrow_held, got %s", txn.Status)
	}
}

func TestTimer_StopBeforeStartIsNotLost(t *testing.T) {
	env := newTestEnv()
	timer := NewTimer(env.svc, env.store, testLogger())

	// A Stop issued while the loop is mid-sweep (or not yet started)
	// must survive until the loop next reads the channel.
	timer.Stop()

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Timer kept running after Stop")
	}
	if timer.Running() {
		t.Error("Expected timer not running after stop")
	}
}

func TestConcurrentReviewAndAutoRelease(t *testing.T) {
	env := newTestEnv()
	txn := env.fund(t, 10000)
	env.deliver(t, txn.ID)
	env.backdateReviewWindow(t, txn.ID, time.Now().Add(-time.Hour))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		env.svc.SubmitReview(context.Background(), txn.ID, "usr_buyer", VerdictApproved, "")
	}()
	go func() {
		defer wg.Done()
		env.svc.AutoRelease(context.Background(), txn.ID)
	}()
	wg.Wait()

	// Exactly one of them won; payout happened once
	earnings, _ := env.store.ListSellerEarnings(context.Background(), "usr_seller", "", 10)
	if len(earnings) != 1 {
		t.Errorf("Expected exactly 1 earning, got %d", len(earnings))
	}
	got, _ := env.store.Get(context.Background(), txn.ID)
	if got.Status != StatusCompleted {
		t.Errorf("Expected completed, got %s", got.Status)
	}
}
