package installments

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"
)

type mockTxns struct {
	txns map[string]*Transaction // transaction ID -> row
}

func (m *mockTxns) BuyerTransaction(ctx context.Context, transactionID, buyerID string) (*Transaction, error) {
	txn, ok := m.txns[transactionID]
	if !ok || txn.BuyerID != buyerID {
		return nil, errors.New("not found")
	}
	return txn, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestService(t *testing.T) (*Service, *MemoryStore, *mockTxns) {
	t.Helper()
	store := NewMemoryStore()
	txns := &mockTxns{txns: map[string]*Transaction{
		"txn_aaaaaaaa00000001": {ID: "txn_aaaaaaaa00000001", BuyerID: "usr_buyer", TotalCents: 10000},
	}}
	svc := NewService(store, txns, testLogger())
	return svc, store, txns
}

func TestPlan_Single(t *testing.T) {
	now := time.Now()
	rows, err := Plan(10000, PlanSingle, now)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("Expected 1 installment, got %d", len(rows))
	}
	if rows[0].AmountCents != 10000 {
		t.Errorf("Amount: got %d, want 10000", rows[0].AmountCents)
	}
	if !rows[0].DueDate.Equal(now) {
		t.Errorf("First installment should be due immediately")
	}
}

func TestPlan_Two(t *testing.T) {
	now := time.Now()
	tests := []struct {
		total int64
		want  []int64
	}{
		{10000, []int64{5000, 5000}},
		{10001, []int64{5001, 5000}}, // odd total: first takes the extra cent
		{99, []int64{50, 49}},
		{2, []int64{1, 1}},
	}
	for _, tt := range tests {
		rows, err := Plan(tt.total, PlanTwo, now)
		if err != nil {
			t.Fatalf("Plan(%d) failed: %v", tt.total, err)
		}
		if len(rows) != 2 {
			t.Fatalf("Plan(%d): expected 2 installments, got %d", tt.total, len(rows))
		}
		var sum int64
		for i, r := range rows {
			if r.AmountCents != tt.want[i] {
				t.Errorf("Plan(%d) installment %d: got %d, want %d", tt.total, i+1, r.AmountCents, tt.want[i])
			}
			sum += r.AmountCents
		}
		if sum != tt.total {
			t.Errorf("Plan(%d): sum %d != total", tt.total, sum)
		}
		if got := rows[1].DueDate.Sub(rows[0].DueDate); got != 30*24*time.Hour {
			t.Errorf("Plan(%d): second due +%v, want +720h", tt.total, got)
		}
	}
}

func TestPlan_Three(t *testing.T) {
	now := time.Now()
	tests := []struct {
		total int64
		want  []int64
	}{
		{9000, []int64{3000, 3000, 3000}},
		{10000, []int64{3334, 3334, 3332}}, // last absorbs the remainder
		{100, []int64{34, 34, 32}},
		{3001, []int64{1001, 1001, 999}},
	}
	for _, tt := range tests {
		rows, err := Plan(tt.total, PlanThree, now)
		if err != nil {
			t.Fatalf("Plan(%d) failed: %v", tt.total, err)
		}
		if len(rows) != 3 {
			t.Fatalf("Plan(%d): expected 3 installments, got %d", tt.total, len(rows))
		}
		var sum int64
		for i, r := range rows {
			if r.AmountCents != tt.want[i] {
				t.Errorf("Plan(%d) installment %d: got %d, want %d", tt.total, i+1, r.AmountCents, tt.want[i])
			}
			sum += r.AmountCents
		}
		if sum != tt.total {
			t.Errorf("Plan(%d): sum %d != total", tt.total, sum)
		}
	}
	rows, _ := Plan(9000, PlanThree, now)
	if got := rows[1].DueDate.Sub(rows[0].DueDate); got != 15*24*time.Hour {
		t.Errorf("second due +%v, want +360h", got)
	}
	if got := rows[2].DueDate.Sub(rows[0].DueDate); got != 30*24*time.Hour {
		t.Errorf("third due +%v, want +720h", got)
	}
}

func TestPlan_SumsToTotal(t *testing.T) {
	now := time.Now()
	for _, planType := range []PlanType{PlanSingle, PlanTwo, PlanThree} {
		for total := int64(3); total < 1000; total++ {
			rows, err := Plan(total, planType, now)
			if err != nil {
				t.Fatalf("Plan(%d, %s) failed: %v", total, planType, err)
			}
			var sum int64
			for _, r := range rows {
				sum += r.AmountCents
				if r.AmountCents <= 0 {
					t.Fatalf("Plan(%d, %s): non-positive installment %d", total, planType, r.AmountCents)
				}
			}
			if sum != total {
				t.Fatalf("Plan(%d, %s): sum %d != total", total, planType, sum)
			}
		}
	}
}

func TestPlan_Invalid(t *testing.T) {
	now := time.Now()
	if _, err := Plan(0, PlanSingle, now); !errors.Is(err, ErrInvalidPlan) {
		t.Errorf("zero total: expected ErrInvalidPlan, got %v", err)
	}
	if _, err := Plan(-100, PlanTwo, now); !errors.Is(err, ErrInvalidPlan) {
		t.Errorf("negative total: expected ErrInvalidPlan, got %v", err)
	}
	if _, err := Plan(10000, PlanType("weekly"), now); !errors.Is(err, ErrInvalidPlan) {
		t.Errorf("unknown plan type: expected ErrInvalidPlan, got %v", err)
	}
	// total too small to split three ways without a zero slice
	if _, err := Plan(1, PlanThree, now); !errors.Is(err, ErrInvalidPlan) {
		t.Errorf("tiny three-way total: expected ErrInvalidPlan, got %v", err)
	}
}

func TestActivate(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	rows, err := svc.Activate(ctx, "txn_aaaaaaaa00000001", "usr_buyer", PlanThree)
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("Expected 3 installments, got %d", len(rows))
	}
	var sum int64
	for _, r := range rows {
		if r.ID == "" || r.TransactionID != "txn_aaaaaaaa00000001" {
			t.Errorf("installment not linked: %+v", r)
		}
		if r.Status != StatusPending {
			t.Errorf("Status: got %s, want pending", r.Status)
		}
		sum += r.AmountCents
	}
	if sum != 10000 {
		t.Errorf("sum %d != 10000", sum)
	}

	listed, err := svc.List(ctx, "txn_aaaaaaaa00000001", "usr_buyer")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(listed) != 3 {
		t.Errorf("Expected 3 listed, got %d", len(listed))
	}
	if listed[0].Number != 1 || listed[2].Number != 3 {
		t.Errorf("Expected number ordering, got %d..%d", listed[0].Number, listed[2].Number)
	}
}

func TestActivate_NotOwner(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Activate(ctx, "txn_aaaaaaaa00000001", "usr_stranger", PlanTwo); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for non-owner, got %v", err)
	}
	if _, err := svc.Activate(ctx, "txn_missing00000000", "usr_buyer", PlanTwo); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for missing transaction, got %v", err)
	}
}

func TestActivate_Duplicate(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Activate(ctx, "txn_aaaaaaaa00000001", "usr_buyer", PlanTwo); err != nil {
		t.Fatalf("first Activate failed: %v", err)
	}
	if _, err := svc.Activate(ctx, "txn_aaaaaaaa00000001", "usr_buyer", PlanSingle); !errors.Is(err, ErrPlanExists) {
		t.Errorf("Expected ErrPlanExists, got %v", err)
	}
}

func TestMarkPaid(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	rows, err := svc.Activate(ctx, "txn_aaaaaaaa00000001", "usr_buyer", PlanTwo)
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	paid, err := svc.MarkPaid(ctx, rows[0].ID, "usr_buyer", "pi_test_001")
	if err != nil {
		t.Fatalf("MarkPaid failed: %v", err)
	}
	if paid.Status != StatusPaid {
		t.Errorf("Status: got %s, want paid", paid.Status)
	}
	if paid.PaidAt == nil {
		t.Error("PaidAt should be set")
	}
	if paid.PaymentReference != "pi_test_001" {
		t.Errorf("PaymentReference: got %s", paid.PaymentReference)
	}

	// Double payment
	if _, err := svc.MarkPaid(ctx, rows[0].ID, "usr_buyer", "pi_test_002"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState on double pay, got %v", err)
	}
}

func TestMarkPaid_NotOwner(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	rows, err := svc.Activate(ctx, "txn_aaaaaaaa00000001", "usr_buyer", PlanSingle)
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if _, err := svc.MarkPaid(ctx, rows[0].ID, "usr_stranger", "pi_x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for non-owner, got %v", err)
	}
	if _, err := svc.MarkPaid(ctx, "inst_missing000000000000", "usr_buyer", "pi_x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for missing installment, got %v", err)
	}
}

func TestMarkOverdue(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	rows, err := svc.Activate(ctx, "txn_aaaaaaaa00000001", "usr_buyer", PlanThree)
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	// Pay the first; sweep as of +16 days: second is due and unpaid,
	// third is still in the future.
	if _, err := svc.MarkPaid(ctx, rows[0].ID, "usr_buyer", "pi_1"); err != nil {
		t.Fatalf("MarkPaid failed: %v", err)
	}

	cutoff := time.Now().Add(16 * 24 * time.Hour)
	flipped, err := svc.MarkOverdue(ctx, cutoff)
	if err != nil {
		t.Fatalf("MarkOverdue failed: %v", err)
	}
	if flipped != 1 {
		t.Fatalf("Expected 1 flipped, got %d", flipped)
	}

	second, err := store.Get(ctx, rows[1].ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if second.Status != StatusOverdue {
		t.Errorf("second installment: got %s, want overdue", second.Status)
	}

	third, err := store.Get(ctx, rows[2].ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if third.Status != StatusPending {
		t.Errorf("third installment: got %s, want pending", third.Status)
	}

	first, _ := store.Get(ctx, rows[0].ID)
	if first.Status != StatusPaid {
		t.Errorf("paid installment must not flip, got %s", first.Status)
	}

	// Re-run is a no-op
	flipped, err = svc.MarkOverdue(ctx, cutoff)
	if err != nil {
		t.Fatalf("MarkOverdue rerun failed: %v", err)
	}
	if flipped != 0 {
		t.Errorf("Expected 0 flipped on rerun, got %d", flipped)
	}
}

func TestMarkPaid_OverdueStillPayable(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	rows, err := svc.Activate(ctx, "txn_aaaaaaaa00000001", "usr_buyer", PlanSingle)
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	if _, err := svc.MarkOverdue(ctx, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("MarkOverdue failed: %v", err)
	}
	inst, _ := store.Get(ctx, rows[0].ID)
	if inst.Status != StatusOverdue {
		t.Fatalf("Expected overdue, got %s", inst.Status)
	}

	paid, err := svc.MarkPaid(ctx, rows[0].ID, "usr_buyer", "pi_late")
	if err != nil {
		t.Fatalf("late MarkPaid failed: %v", err)
	}
	if paid.Status != StatusPaid {
		t.Errorf("Status: got %s, want paid", paid.Status)
	}
}

func TestTimer_StopBeforeStartIsNotLost(t *testing.T) {
	svc, _, _ := newTestService(t)
	timer := NewTimer(svc, testLogger())

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
