package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"mizan/backend/internal/domain"
)

func TestPaymentAllocationAndReversal(t *testing.T) {
	databaseURL := os.Getenv("MIZAN_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set MIZAN_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	ownerID := fmt.Sprintf("it-owner-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		for _, table := range []string{
			"cash_movements", "payments", "invoices", "products",
			"cash_registers", "sources", "stores",
		} {
			_, _ = s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE owner_id = $1`, table), ownerID)
		}
	})

	shop, err := s.CreateStore(ctx, domain.Store{OwnerID: ownerID, Name: "Integration Shop"})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	src, err := s.CreateSource(ctx, domain.Source{OwnerID: ownerID, Name: "Integration Supplier"})
	if err != nil {
		t.Fatalf("create source: %v", err)
	}

	small, err := s.CreateSourceInvoice(ctx, domain.Invoice{
		OwnerID: ownerID,
		PartyID: src.ID,
		StoreID: shop.ID,
		Lines:   []domain.InvoiceLine{{Code: 1001, Name: "Rice", Quantity: 3, PriceCents: 1000}},
	})
	if err != nil {
		t.Fatalf("create small invoice: %v", err)
	}
	large, err := s.CreateSourceInvoice(ctx, domain.Invoice{
		OwnerID: ownerID,
		PartyID: src.ID,
		StoreID: shop.ID,
		Lines:   []domain.InvoiceLine{{Code: 1002, Name: "Oil", Quantity: 5, PriceCents: 1000}},
	})
	if err != nil {
		t.Fatalf("create large invoice: %v", err)
	}

	reg, err := s.EnsureRegister(ctx, ownerID, nil)
	if err != nil {
		t.Fatalf("ensure register: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE cash_registers SET balance_cents = 10000 WHERE id = $1
	`, reg.ID); err != nil {
		t.Fatalf("fund register: %v", err)
	}

	payment, err := s.AllocatePayment(ctx, domain.Payment{
		OwnerID:     ownerID,
		Kind:        domain.InvoiceKindSource,
		PartyID:     src.ID,
		RegisterID:  reg.ID,
		AmountCents: 6000,
	})
	if err != nil {
		t.Fatalf("allocate payment: %v", err)
	}
	if len(payment.InvoiceIDs) != 2 || payment.InvoiceIDs[0] != large.ID {
		t.Fatalf("expected allocation to hit the larger invoice first, got %v", payment.InvoiceIDs)
	}

	got, err := s.GetInvoice(ctx, ownerID, domain.InvoiceKindSource, large.ID)
	if err != nil {
		t.Fatalf("get large invoice: %v", err)
	}
	if got.RemainingCents != 0 || got.PaidCents != 5000 {
		t.Fatalf("expected large invoice settled, got paid=%d remaining=%d", got.PaidCents, got.RemainingCents)
	}
	got, err = s.GetInvoice(ctx, ownerID, domain.InvoiceKindSource, small.ID)
	if err != nil {
		t.Fatalf("get small invoice: %v", err)
	}
	if got.RemainingCents != 2000 || got.PaidCents != 1000 {
		t.Fatalf("expected small invoice partially paid, got paid=%d remaining=%d", got.PaidCents, got.RemainingCents)
	}

	freshReg, err := s.GetRegister(ctx, ownerID, reg.ID)
	if err != nil {
		t.Fatalf("get register: %v", err)
	}
	if freshReg.BalanceCents != 4000 {
		t.Fatalf("expected register balance 4000 after payment, got %d", freshReg.BalanceCents)
	}

	movements, err := s.ListMovements(ctx, ownerID, reg.ID, 0)
	if err != nil {
		t.Fatalf("list movements: %v", err)
	}
	found := false
	for _, m := range movements {
		if m.RefID == payment.ID && m.Flow == domain.FlowOut && m.AmountCents == 6000 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected outgoing movement for payment %s, got %+v", payment.ID, movements)
	}

	if err := s.ReversePayment(ctx, ownerID, payment.ID); err != nil {
		t.Fatalf("reverse payment: %v", err)
	}

	for _, id := range []string{small.ID, large.ID} {
		got, err := s.GetInvoice(ctx, ownerID, domain.InvoiceKindSource, id)
		if err != nil {
			t.Fatalf("get invoice after reversal: %v", err)
		}
		if got.PaidCents != 0 || got.RemainingCents != got.TotalCents {
			t.Fatalf("expected invoice %s reopened, got paid=%d remaining=%d", id, got.PaidCents, got.RemainingCents)
		}
	}

	freshReg, err = s.GetRegister(ctx, ownerID, reg.ID)
	if err != nil {
		t.Fatalf("get register after reversal: %v", err)
	}
	if freshReg.BalanceCents != 10000 {
		t.Fatalf("expected register balance restored to 10000, got %d", freshReg.BalanceCents)
	}

	if _, err := s.GetPayment(ctx, ownerID, payment.ID); err == nil {
		t.Fatalf("expected reversed payment to be gone")
	}

	movements, err = s.ListMovements(ctx, ownerID, reg.ID, 0)
	if err != nil {
		t.Fatalf("list movements after reversal: %v", err)
	}
	for _, m := range movements {
		if m.RefID == payment.ID {
			t.Fatalf("expected payment movements to be deleted, found %+v", m)
		}
	}
}
