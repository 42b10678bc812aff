package service

import (
	"context"
	"errors"
	"testing"

	"mizan/backend/internal/domain"
	"mizan/backend/internal/store"
	"mizan/backend/internal/store/memory"
)

const testOwnerID = "user-owner"

func newTestService(t *testing.T) *Service {
	t.Helper()
	return New(memory.NewSeeded(), nil)
}

func ownerCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{
		UserID:  testOwnerID,
		OwnerID: testOwnerID,
		Role:    domain.RoleOwner,
	})
}

func staffCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{
		UserID:  "user-staff",
		OwnerID: testOwnerID,
		Role:    domain.RoleStaff,
	})
}

// receiveGoods books a supplier invoice so the store holds stock and the
// supplier holds an open balance.
func receiveGoods(t *testing.T, svc *Service, ctx context.Context, sourceID string, storeID string, lines []domain.InvoiceLine) domain.Invoice {
	t.Helper()
	inv, err := svc.CreateSourceInvoice(ctx, domain.InvoiceCreateRequest{
		PartyID: sourceID,
		StoreID: storeID,
		Lines:   lines,
	})
	if err != nil {
		t.Fatalf("create source invoice: %v", err)
	}
	return inv
}

// fundRegister puts cash into the owner's main register by selling goods for
// full upfront payment. A dedicated supplier keeps the funding invoice out of
// the way of payment tests.
func fundRegister(t *testing.T, svc *Service, ctx context.Context, amount int64) {
	t.Helper()
	src, err := svc.CreateSource(ctx, domain.SourceCreateRequest{Name: "Funding Supplier"})
	if err != nil {
		t.Fatalf("create funding supplier: %v", err)
	}
	receiveGoods(t, svc, ctx, src.ID, "store-main", []domain.InvoiceLine{
		{Code: 900, Name: "Funding Item", Quantity: 1, PriceCents: amount},
	})
	if _, err := svc.CreateCustomerInvoice(ctx, domain.InvoiceCreateRequest{
		PartyID:   "customer-demo",
		StoreID:   "store-main",
		Lines:     []domain.InvoiceLine{{Code: 900, Name: "Funding Item", Quantity: 1, PriceCents: amount}},
		PaidCents: amount,
	}); err != nil {
		t.Fatalf("fund register: %v", err)
	}
}

func productQuantity(t *testing.T, svc *Service, ctx context.Context, storeID string, code int64) int {
	t.Helper()
	products, err := svc.ListProducts(ctx, storeID)
	if err != nil {
		t.Fatalf("list products: %v", err)
	}
	for _, p := range products {
		if p.Code == code {
			return p.Quantity
		}
	}
	return 0
}

func TestOperationsRequireActor(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.ListStores(context.Background())
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestOwnerOnlyOperationsRejectStaff(t *testing.T) {
	svc := newTestService(t)
	ctx := staffCtx()

	limit := int64(1000)
	if _, err := svc.UpdateCustomer(ctx, "customer-demo", domain.CustomerUpdateRequest{CreditLimitCents: &limit}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for customer update, got %v", err)
	}
	if err := svc.DeletePayment(ctx, "pay-x"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for payment delete, got %v", err)
	}
	if err := svc.ReturnInvoice(ctx, domain.InvoiceKindSource, "inv-x"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for invoice return, got %v", err)
	}
	if _, err := svc.ListAuditLogs(ctx, 10); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for audit logs, got %v", err)
	}
}

func TestSourceInvoiceAddsStock(t *testing.T) {
	svc := newTestService(t)
	ctx := ownerCtx()

	inv := receiveGoods(t, svc, ctx, "source-demo", "store-main", []domain.InvoiceLine{
		{Code: 1001, Name: "Flour", Quantity: 10, PriceCents: 500},
		{Code: 1002, Name: "Sugar", Quantity: 4, PriceCents: 800},
	})
	if inv.TotalCents != 10*500+4*800 {
		t.Fatalf("unexpected invoice total %d", inv.TotalCents)
	}
	if inv.RemainingCents != inv.TotalCents {
		t.Fatalf("new supplier invoice should be fully open, remaining %d", inv.RemainingCents)
	}

	if got := productQuantity(t, svc, ctx, "store-main", 1001); got != 10 {
		t.Fatalf("expected 10 units of 1001, got %d", got)
	}

	// A second delivery of the same code merges into the existing row.
	receiveGoods(t, svc, ctx, "source-demo", "store-main", []domain.InvoiceLine{
		{Code: 1001, Name: "Flour", Quantity: 5, PriceCents: 500},
	})
	if got := productQuantity(t, svc, ctx, "store-main", 1001); got != 15 {
		t.Fatalf("expected merged quantity 15, got %d", got)
	}
}

func TestNextProductCode(t *testing.T) {
	svc := newTestService(t)
	ctx := ownerCtx()

	code, err := svc.NextProductCode(ctx)
	if err != nil {
		t.Fatalf("next code: %v", err)
	}
	if code != 1001 {
		t.Fatalf("expected first code 1001, got %d", code)
	}

	receiveGoods(t, svc, ctx, "source-demo", "store-main", []domain.InvoiceLine{
		{Code: 1040, Name: "Rice", Quantity: 2, PriceCents: 300},
	})
	code, err = svc.NextProductCode(ctx)
	if err != nil {
		t.Fatalf("next code: %v", err)
	}
	if code != 1041 {
		t.Fatalf("expected code after highest line, got %d", code)
	}
}

func TestCustomerInvoiceCreditGating(t *testing.T) {
	svc := newTestService(t)
	ctx := ownerCtx()

	customer, err := svc.CreateCustomer(ctx, domain.CustomerCreateRequest{
		Name:             "Tight Credit",
		CreditLimitCents: 1000,
	})
	if err != nil {
		t.Fatalf("create customer: %v", err)
	}

	receiveGoods(t, svc, ctx, "source-demo", "store-main", []domain.InvoiceLine{
		{Code: 1010, Name: "Oil", Quantity: 5, PriceCents: 600},
	})

	// 3000 remaining against a 1000 limit: the invoice opens pending and no
	// goods move.
	inv, err := svc.CreateCustomerInvoice(ctx, domain.InvoiceCreateRequest{
		PartyID: customer.ID,
		StoreID: "store-main",
		Lines:   []domain.InvoiceLine{{Code: 1010, Name: "Oil", Quantity: 5, PriceCents: 600}},
	})
	if err != nil {
		t.Fatalf("create customer invoice: %v", err)
	}
	if inv.Status != domain.InvoiceStatusPending {
		t.Fatalf("expected pending invoice, got %q", inv.Status)
	}
	if got := productQuantity(t, svc, ctx, "store-main", 1010); got != 5 {
		t.Fatalf("pending invoice must not move stock, have %d", got)
	}

	// Collecting 2500 drops the balance to 500, under the limit: the invoice
	// goes active and the goods leave exactly once.
	if _, err := svc.CollectCustomer(ctx, domain.PaymentRequest{
		PartyID:     customer.ID,
		AmountCents: 2500,
	}); err != nil {
		t.Fatalf("collect customer: %v", err)
	}

	got, err := svc.GetInvoice(ctx, domain.InvoiceKindCustomer, inv.ID)
	if err != nil {
		t.Fatalf("get invoice: %v", err)
	}
	if got.Status != domain.InvoiceStatusActive {
		t.Fatalf("expected active invoice after collection, got %q", got.Status)
	}
	if got.RemainingCents != 500 {
		t.Fatalf("expected remaining 500, got %d", got.RemainingCents)
	}
	if q := productQuantity(t, svc, ctx, "store-main", 1010); q != 0 {
		t.Fatalf("expected stock applied once, have %d", q)
	}
}

func TestPaySourceAllocatesLargestFirst(t *testing.T) {
	svc := newTestService(t)
	ctx := ownerCtx()
	fundRegister(t, svc, ctx, 10000)

	small := receiveGoods(t, svc, ctx, "source-demo", "store-main", []domain.InvoiceLine{
		{Code: 1020, Name: "Salt", Quantity: 3, PriceCents: 1000},
	})
	large := receiveGoods(t, svc, ctx, "source-demo", "store-main", []domain.InvoiceLine{
		{Code: 1021, Name: "Pepper", Quantity: 5, PriceCents: 1000},
	})

	payment, err := svc.PaySource(ctx, domain.PaymentRequest{
		PartyID:     "source-demo",
		AmountCents: 6000,
	})
	if err != nil {
		t.Fatalf("pay source: %v", err)
	}
	if len(payment.InvoiceIDs) != 2 || payment.InvoiceIDs[0] != large.ID {
		t.Fatalf("expected the larger invoice paid first, got %v", payment.InvoiceIDs)
	}

	gotLarge, _ := svc.GetInvoice(ctx, domain.InvoiceKindSource, large.ID)
	gotSmall, _ := svc.GetInvoice(ctx, domain.InvoiceKindSource, small.ID)
	if gotLarge.RemainingCents != 0 {
		t.Fatalf("expected the larger invoice settled, remaining %d", gotLarge.RemainingCents)
	}
	if gotSmall.RemainingCents != 2000 {
		t.Fatalf("expected 2000 left on the smaller invoice, got %d", gotSmall.RemainingCents)
	}

	reg, err := svc.MyRegister(ctx)
	if err != nil {
		t.Fatalf("my register: %v", err)
	}
	if reg.BalanceCents != 4000 {
		t.Fatalf("expected register balance 4000, got %d", reg.BalanceCents)
	}
}

func TestPaymentExceedingTotalRemainingRejected(t *testing.T) {
	svc := newTestService(t)
	ctx := ownerCtx()
	fundRegister(t, svc, ctx, 10000)

	receiveGoods(t, svc, ctx, "source-demo", "store-main", []domain.InvoiceLine{
		{Code: 1025, Name: "Tea", Quantity: 1, PriceCents: 3000},
	})

	_, err := svc.PaySource(ctx, domain.PaymentRequest{
		PartyID:     "source-demo",
		AmountCents: 3001,
	})
	if !errors.Is(err, store.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestPaySourceRequiresRegisterBalance(t *testing.T) {
	svc := newTestService(t)
	ctx := ownerCtx()

	receiveGoods(t, svc, ctx, "source-demo", "store-main", []domain.InvoiceLine{
		{Code: 1026, Name: "Coffee", Quantity: 1, PriceCents: 5000},
	})

	_, err := svc.PaySource(ctx, domain.PaymentRequest{
		PartyID:     "source-demo",
		AmountCents: 5000,
	})
	if !errors.Is(err, store.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestDeletePaymentRestoresInvoicesAndRegister(t *testing.T) {
	svc := newTestService(t)
	ctx := ownerCtx()
	fundRegister(t, svc, ctx, 10000)

	inv := receiveGoods(t, svc, ctx, "source-demo", "store-main", []domain.InvoiceLine{
		{Code: 1030, Name: "Beans", Quantity: 4, PriceCents: 1000},
	})

	payment, err := svc.PaySource(ctx, domain.PaymentRequest{
		PartyID:     "source-demo",
		AmountCents: 4000,
	})
	if err != nil {
		t.Fatalf("pay source: %v", err)
	}

	if err := svc.DeletePayment(ctx, payment.ID); err != nil {
		t.Fatalf("delete payment: %v", err)
	}

	got, err := svc.GetInvoice(ctx, domain.InvoiceKindSource, inv.ID)
	if err != nil {
		t.Fatalf("get invoice: %v", err)
	}
	if got.RemainingCents != 4000 || got.PaidCents != 0 {
		t.Fatalf("expected the invoice fully reopened, remaining %d paid %d", got.RemainingCents, got.PaidCents)
	}

	reg, _ := svc.MyRegister(ctx)
	if reg.BalanceCents != 10000 {
		t.Fatalf("expected the register refunded to 10000, got %d", reg.BalanceCents)
	}

	if _, err := svc.GetPayment(ctx, payment.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected the payment gone, got %v", err)
	}
}

func TestEditPaymentAdjustsByDelta(t *testing.T) {
	svc := newTestService(t)
	ctx := ownerCtx()
	fundRegister(t, svc, ctx, 10000)

	inv := receiveGoods(t, svc, ctx, "source-demo", "store-main", []domain.InvoiceLine{
		{Code: 1031, Name: "Corn", Quantity: 6, PriceCents: 1000},
	})

	payment, err := svc.PaySource(ctx, domain.PaymentRequest{
		PartyID:     "source-demo",
		AmountCents: 2000,
	})
	if err != nil {
		t.Fatalf("pay source: %v", err)
	}

	// Raise to 5000: the extra 3000 lands on the same open invoice.
	updated, err := svc.EditPayment(ctx, payment.ID, domain.PaymentEditRequest{AmountCents: 5000})
	if err != nil {
		t.Fatalf("edit payment up: %v", err)
	}
	if updated.AmountCents != 5000 {
		t.Fatalf("expected amount 5000, got %d", updated.AmountCents)
	}
	got, _ := svc.GetInvoice(ctx, domain.InvoiceKindSource, inv.ID)
	if got.PaidCents != 5000 || got.RemainingCents != 1000 {
		t.Fatalf("expected paid 5000 remaining 1000, got paid %d remaining %d", got.PaidCents, got.RemainingCents)
	}
	reg, _ := svc.MyRegister(ctx)
	if reg.BalanceCents != 5000 {
		t.Fatalf("expected register at 5000 after raise, got %d", reg.BalanceCents)
	}

	// Lower to 1000: 4000 flows back.
	if _, err := svc.EditPayment(ctx, payment.ID, domain.PaymentEditRequest{AmountCents: 1000}); err != nil {
		t.Fatalf("edit payment down: %v", err)
	}
	got, _ = svc.GetInvoice(ctx, domain.InvoiceKindSource, inv.ID)
	if got.PaidCents != 1000 || got.RemainingCents != 5000 {
		t.Fatalf("expected paid 1000 remaining 5000, got paid %d remaining %d", got.PaidCents, got.RemainingCents)
	}
	reg, _ = svc.MyRegister(ctx)
	if reg.BalanceCents != 9000 {
		t.Fatalf("expected register at 9000 after lowering, got %d", reg.BalanceCents)
	}
}

func TestEditPaymentRegisterSwitch(t *testing.T) {
	svc := newTestService(t)
	ctx := ownerCtx()
	fundRegister(t, svc, ctx, 6000)

	receiveGoods(t, svc, ctx, "source-demo", "store-main", []domain.InvoiceLine{
		{Code: 1032, Name: "Wheat", Quantity: 4, PriceCents: 1000},
	})

	payment, err := svc.PaySource(ctx, domain.PaymentRequest{
		PartyID:     "source-demo",
		AmountCents: 3000,
	})
	if err != nil {
		t.Fatalf("pay source: %v", err)
	}
	mainReg, _ := svc.MyRegister(ctx)

	// Seed a staff register and give it enough cash via a transfer.
	staffReg, err := svc.MyRegister(staffCtx())
	if err != nil {
		t.Fatalf("staff register: %v", err)
	}
	if _, err := svc.TransferCash(ctx, domain.CashTransferRequest{
		FromRegisterID: mainReg.ID,
		ToRegisterID:   staffReg.ID,
		AmountCents:    3000,
	}); err != nil {
		t.Fatalf("transfer cash: %v", err)
	}

	// Moving the payment refunds the main register in full and charges the
	// staff register in full.
	if _, err := svc.EditPayment(ctx, payment.ID, domain.PaymentEditRequest{
		AmountCents: 3000,
		RegisterID:  staffReg.ID,
	}); err != nil {
		t.Fatalf("edit payment register: %v", err)
	}

	registers, _ := svc.ListRegisters(ctx)
	balances := map[string]int64{}
	for _, reg := range registers {
		balances[reg.ID] = reg.BalanceCents
	}
	if balances[mainReg.ID] != 3000 {
		t.Fatalf("expected main register refunded to 3000, got %d", balances[mainReg.ID])
	}
	if balances[staffReg.ID] != 0 {
		t.Fatalf("expected staff register charged to 0, got %d", balances[staffReg.ID])
	}
}

func TestReturnCustomerInvoiceRestoresStock(t *testing.T) {
	svc := newTestService(t)
	ctx := ownerCtx()

	receiveGoods(t, svc, ctx, "source-demo", "store-main", []domain.InvoiceLine{
		{Code: 1050, Name: "Soap", Quantity: 8, PriceCents: 700},
	})
	inv, err := svc.CreateCustomerInvoice(ctx, domain.InvoiceCreateRequest{
		PartyID: "customer-demo",
		StoreID: "store-main",
		Lines:   []domain.InvoiceLine{{Code: 1050, Name: "Soap", Quantity: 3, PriceCents: 700}},
	})
	if err != nil {
		t.Fatalf("create customer invoice: %v", err)
	}
	if inv.Status != domain.InvoiceStatusActive {
		t.Fatalf("expected active invoice within the demo credit limit, got %q", inv.Status)
	}
	if got := productQuantity(t, svc, ctx, "store-main", 1050); got != 5 {
		t.Fatalf("expected 5 left after sale, got %d", got)
	}

	if err := svc.ReturnInvoice(ctx, domain.InvoiceKindCustomer, inv.ID); err != nil {
		t.Fatalf("return invoice: %v", err)
	}

	got, err := svc.GetInvoice(ctx, domain.InvoiceKindCustomer, inv.ID)
	if err != nil {
		t.Fatalf("get returned invoice: %v", err)
	}
	if got.Status != domain.InvoiceStatusReturned || got.RemainingCents != 0 {
		t.Fatalf("expected returned with zero balance, got status %q remaining %d", got.Status, got.RemainingCents)
	}
	if q := productQuantity(t, svc, ctx, "store-main", 1050); q != 8 {
		t.Fatalf("expected stock restored to 8, got %d", q)
	}
}

func TestReturnSourceInvoiceWithdrawsByCodeAcrossStores(t *testing.T) {
	svc := newTestService(t)
	ctx := ownerCtx()

	branch, err := svc.CreateStore(ctx, domain.StoreCreateRequest{Name: "Branch"})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}

	inv := receiveGoods(t, svc, ctx, "source-demo", "store-main", []domain.InvoiceLine{
		{Code: 1060, Name: "Canned Fish", Quantity: 6, PriceCents: 900},
	})

	// Move part of the delivery to the branch, then return the invoice. The
	// withdrawal follows the code, not the store.
	if err := svc.TransferStock(ctx, domain.StockTransferRequest{
		FromStoreID: "store-main",
		ToStoreID:   branch.ID,
		Items:       []domain.StockTransferItem{{Code: 1060, Quantity: 4}},
	}); err != nil {
		t.Fatalf("transfer stock: %v", err)
	}

	if err := svc.ReturnInvoice(ctx, domain.InvoiceKindSource, inv.ID); err != nil {
		t.Fatalf("return source invoice: %v", err)
	}

	if q := productQuantity(t, svc, ctx, "store-main", 1060); q != 0 {
		t.Fatalf("expected main store drained, got %d", q)
	}
	if q := productQuantity(t, svc, ctx, branch.ID, 1060); q != 0 {
		t.Fatalf("expected branch drained, got %d", q)
	}
	if _, err := svc.GetInvoice(ctx, domain.InvoiceKindSource, inv.ID); !errors.Is(err, store.ErrInvoiceNotFound) {
		t.Fatalf("expected the returned supplier invoice deleted, got %v", err)
	}
}

func TestReturnLastLineDeletesInvoice(t *testing.T) {
	svc := newTestService(t)
	ctx := ownerCtx()

	inv := receiveGoods(t, svc, ctx, "source-demo", "store-main", []domain.InvoiceLine{
		{Code: 1070, Name: "Matches", Quantity: 2, PriceCents: 100},
	})

	remaining, err := svc.ReturnInvoiceLine(ctx, domain.InvoiceKindSource, inv.ID, 1070)
	if err != nil {
		t.Fatalf("return line: %v", err)
	}
	if remaining != nil {
		t.Fatalf("expected nil invoice after returning the only line, got %+v", remaining)
	}
	if _, err := svc.GetInvoice(ctx, domain.InvoiceKindSource, inv.ID); !errors.Is(err, store.ErrInvoiceNotFound) {
		t.Fatalf("expected invoice deleted, got %v", err)
	}
}

func TestStockTransferAllOrNothing(t *testing.T) {
	svc := newTestService(t)
	ctx := ownerCtx()

	branch, err := svc.CreateStore(ctx, domain.StoreCreateRequest{Name: "Branch"})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	receiveGoods(t, svc, ctx, "source-demo", "store-main", []domain.InvoiceLine{
		{Code: 1080, Name: "Soda", Quantity: 10, PriceCents: 400},
	})

	err = svc.TransferStock(ctx, domain.StockTransferRequest{
		FromStoreID: "store-main",
		ToStoreID:   branch.ID,
		Items: []domain.StockTransferItem{
			{Code: 1080, Quantity: 3},
			{Code: 9999, Quantity: 1},
		},
	})
	if !errors.Is(err, store.ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}
	if q := productQuantity(t, svc, ctx, "store-main", 1080); q != 10 {
		t.Fatalf("failed transfer must not move anything, have %d", q)
	}
}

func TestCashTransferAndUndo(t *testing.T) {
	svc := newTestService(t)
	ctx := ownerCtx()
	fundRegister(t, svc, ctx, 5000)

	mainReg, _ := svc.MyRegister(ctx)
	staffReg, err := svc.MyRegister(staffCtx())
	if err != nil {
		t.Fatalf("staff register: %v", err)
	}

	transfer, err := svc.TransferCash(ctx, domain.CashTransferRequest{
		FromRegisterID: mainReg.ID,
		ToRegisterID:   staffReg.ID,
		AmountCents:    2000,
	})
	if err != nil {
		t.Fatalf("transfer cash: %v", err)
	}

	movements, err := svc.ListMovements(ctx, "", 10)
	if err != nil {
		t.Fatalf("list movements: %v", err)
	}
	var inFlow, outFlow bool
	for _, m := range movements {
		if m.RefID == transfer.ID && m.Flow == domain.FlowIn {
			inFlow = true
		}
		if m.RefID == transfer.ID && m.Flow == domain.FlowOut {
			outFlow = true
		}
	}
	if !inFlow || !outFlow {
		t.Fatalf("expected paired movements for the transfer, got %+v", movements)
	}

	if err := svc.DeleteCashTransfer(ctx, transfer.ID); err != nil {
		t.Fatalf("delete cash transfer: %v", err)
	}
	mainReg, _ = svc.MyRegister(ctx)
	if mainReg.BalanceCents != 5000 {
		t.Fatalf("expected undo to restore 5000, got %d", mainReg.BalanceCents)
	}

	// Over-balance transfers never go through.
	if _, err := svc.TransferCash(ctx, domain.CashTransferRequest{
		FromRegisterID: mainReg.ID,
		ToRegisterID:   staffReg.ID,
		AmountCents:    5001,
	}); !errors.Is(err, store.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestExpenseDebitsAndDeleteRestores(t *testing.T) {
	svc := newTestService(t)
	ctx := ownerCtx()
	fundRegister(t, svc, ctx, 3000)

	expense, err := svc.RecordExpense(ctx, domain.ExpenseRequest{
		AmountCents: 1200,
		Category:    "utilities",
		Note:        "electricity",
	})
	if err != nil {
		t.Fatalf("record expense: %v", err)
	}

	reg, _ := svc.MyRegister(ctx)
	if reg.BalanceCents != 1800 {
		t.Fatalf("expected balance 1800 after expense, got %d", reg.BalanceCents)
	}

	if err := svc.DeleteExpense(ctx, expense.ID); err != nil {
		t.Fatalf("delete expense: %v", err)
	}
	reg, _ = svc.MyRegister(ctx)
	if reg.BalanceCents != 3000 {
		t.Fatalf("expected balance restored to 3000, got %d", reg.BalanceCents)
	}
}

func TestCollectCustomerCreditsRegisterWithoutMovement(t *testing.T) {
	svc := newTestService(t)
	ctx := ownerCtx()

	receiveGoods(t, svc, ctx, "source-demo", "store-main", []domain.InvoiceLine{
		{Code: 1090, Name: "Candles", Quantity: 2, PriceCents: 2000},
	})
	if _, err := svc.CreateCustomerInvoice(ctx, domain.InvoiceCreateRequest{
		PartyID: "customer-demo",
		StoreID: "store-main",
		Lines:   []domain.InvoiceLine{{Code: 1090, Name: "Candles", Quantity: 2, PriceCents: 2000}},
	}); err != nil {
		t.Fatalf("create customer invoice: %v", err)
	}

	payment, err := svc.CollectCustomer(ctx, domain.PaymentRequest{
		PartyID:     "customer-demo",
		AmountCents: 4000,
	})
	if err != nil {
		t.Fatalf("collect customer: %v", err)
	}

	reg, _ := svc.MyRegister(ctx)
	if reg.BalanceCents != 4000 {
		t.Fatalf("expected register credited with 4000, got %d", reg.BalanceCents)
	}

	// Customer collections stay out of the movement log.
	movements, _ := svc.ListMovements(ctx, "", 50)
	for _, m := range movements {
		if m.RefID == payment.ID {
			t.Fatalf("customer payment must not write a movement, found %+v", m)
		}
	}
}

func TestRaisingCreditLimitActivatesPendingInvoice(t *testing.T) {
	svc := newTestService(t)
	ctx := ownerCtx()

	customer, err := svc.CreateCustomer(ctx, domain.CustomerCreateRequest{
		Name:             "Growing Account",
		CreditLimitCents: 100,
	})
	if err != nil {
		t.Fatalf("create customer: %v", err)
	}
	receiveGoods(t, svc, ctx, "source-demo", "store-main", []domain.InvoiceLine{
		{Code: 1095, Name: "Jam", Quantity: 2, PriceCents: 1500},
	})

	inv, err := svc.CreateCustomerInvoice(ctx, domain.InvoiceCreateRequest{
		PartyID: customer.ID,
		StoreID: "store-main",
		Lines:   []domain.InvoiceLine{{Code: 1095, Name: "Jam", Quantity: 2, PriceCents: 1500}},
	})
	if err != nil {
		t.Fatalf("create customer invoice: %v", err)
	}
	if inv.Status != domain.InvoiceStatusPending {
		t.Fatalf("expected pending under the tiny limit, got %q", inv.Status)
	}

	// The limit update alone does not touch invoices; the next balance change
	// does. Collect a token amount to trigger re-evaluation.
	limit := int64(100000)
	if _, err := svc.UpdateCustomer(ctx, customer.ID, domain.CustomerUpdateRequest{CreditLimitCents: &limit}); err != nil {
		t.Fatalf("update customer: %v", err)
	}
	if _, err := svc.CollectCustomer(ctx, domain.PaymentRequest{
		PartyID:     customer.ID,
		AmountCents: 100,
	}); err != nil {
		t.Fatalf("collect customer: %v", err)
	}

	got, _ := svc.GetInvoice(ctx, domain.InvoiceKindCustomer, inv.ID)
	if got.Status != domain.InvoiceStatusActive {
		t.Fatalf("expected active after the limit raise, got %q", got.Status)
	}
	if q := productQuantity(t, svc, ctx, "store-main", 1095); q != 0 {
		t.Fatalf("expected goods applied on activation, have %d", q)
	}
}

func TestDeletePaymentRecomputesBalanceAfterLineReturn(t *testing.T) {
	svc := newTestService(t)
	ctx := ownerCtx()
	fundRegister(t, svc, ctx, 10000)

	inv := receiveGoods(t, svc, ctx, "source-demo", "store-main", []domain.InvoiceLine{
		{Code: 1110, Name: "Vinegar", Quantity: 4, PriceCents: 2000},
		{Code: 1111, Name: "Honey", Quantity: 1, PriceCents: 2000},
	})

	payment, err := svc.PaySource(ctx, domain.PaymentRequest{
		PartyID:     "source-demo",
		AmountCents: 10000,
	})
	if err != nil {
		t.Fatalf("pay source: %v", err)
	}

	// Returning a line off a settled invoice shrinks the total below what
	// was paid: remaining clamps at zero and the invoice flags overpaid.
	if _, err := svc.ReturnInvoiceLine(ctx, domain.InvoiceKindSource, inv.ID, 1111); err != nil {
		t.Fatalf("return line: %v", err)
	}
	got, err := svc.GetInvoice(ctx, domain.InvoiceKindSource, inv.ID)
	if err != nil {
		t.Fatalf("get invoice: %v", err)
	}
	if got.TotalCents != 8000 || got.RemainingCents != 0 || !got.Overpaid {
		t.Fatalf("expected total 8000 remaining 0 overpaid, got total %d remaining %d overpaid %v", got.TotalCents, got.RemainingCents, got.Overpaid)
	}

	// Deleting the payment must land the invoice back on total minus paid,
	// not blindly re-add the reversed amount.
	if err := svc.DeletePayment(ctx, payment.ID); err != nil {
		t.Fatalf("delete payment: %v", err)
	}
	got, err = svc.GetInvoice(ctx, domain.InvoiceKindSource, inv.ID)
	if err != nil {
		t.Fatalf("get invoice after delete: %v", err)
	}
	if got.PaidCents != 0 || got.RemainingCents != 8000 {
		t.Fatalf("expected paid 0 remaining 8000, got paid %d remaining %d", got.PaidCents, got.RemainingCents)
	}
	if got.Overpaid {
		t.Fatalf("expected overpaid cleared once nothing is paid")
	}
	reg, _ := svc.MyRegister(ctx)
	if reg.BalanceCents != 10000 {
		t.Fatalf("expected register refunded to 10000, got %d", reg.BalanceCents)
	}
}

func TestPendingInvoiceUpfrontCashStaysOffRegister(t *testing.T) {
	svc := newTestService(t)
	ctx := ownerCtx()

	customer, err := svc.CreateCustomer(ctx, domain.CustomerCreateRequest{
		Name:             "No Credit",
		CreditLimitCents: 0,
	})
	if err != nil {
		t.Fatalf("create customer: %v", err)
	}
	receiveGoods(t, svc, ctx, "source-demo", "store-main", []domain.InvoiceLine{
		{Code: 1120, Name: "Butter", Quantity: 5, PriceCents: 2000},
	})

	inv, err := svc.CreateCustomerInvoice(ctx, domain.InvoiceCreateRequest{
		PartyID:   customer.ID,
		StoreID:   "store-main",
		Lines:     []domain.InvoiceLine{{Code: 1120, Name: "Butter", Quantity: 5, PriceCents: 2000}},
		PaidCents: 100,
	})
	if err != nil {
		t.Fatalf("create customer invoice: %v", err)
	}
	if inv.Status != domain.InvoiceStatusPending {
		t.Fatalf("expected pending over the zero limit, got %q", inv.Status)
	}

	// The 100 rides on the invoice; the main register sees nothing until
	// the invoice goes active.
	reg, err := svc.MyRegister(ctx)
	if err != nil {
		t.Fatalf("my register: %v", err)
	}
	if reg.BalanceCents != 0 {
		t.Fatalf("pending upfront cash must not credit the register, got %d", reg.BalanceCents)
	}
}

func TestDuplicateLineCodesCheckedAsOneDemand(t *testing.T) {
	svc := newTestService(t)
	ctx := ownerCtx()

	receiveGoods(t, svc, ctx, "source-demo", "store-main", []domain.InvoiceLine{
		{Code: 1130, Name: "Yeast", Quantity: 4, PriceCents: 100},
	})

	// Two lines of the same code sum to 6 against 4 on hand. Each line
	// alone would pass; together they must not.
	_, err := svc.CreateCustomerInvoice(ctx, domain.InvoiceCreateRequest{
		PartyID: "customer-demo",
		StoreID: "store-main",
		Lines: []domain.InvoiceLine{
			{Code: 1130, Name: "Yeast", Quantity: 3, PriceCents: 100},
			{Code: 1130, Name: "Yeast", Quantity: 3, PriceCents: 100},
		},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if q := productQuantity(t, svc, ctx, "store-main", 1130); q != 4 {
		t.Fatalf("failed sale must not move stock, have %d", q)
	}
}

func TestRegisterBalanceChangeStampsUpdatedAt(t *testing.T) {
	svc := newTestService(t)
	ctx := ownerCtx()
	fundRegister(t, svc, ctx, 3000)

	before, err := svc.MyRegister(ctx)
	if err != nil {
		t.Fatalf("my register: %v", err)
	}
	if before.UpdatedAt.Before(before.CreatedAt) {
		t.Fatalf("expected updated_at at or after created_at, got %v < %v", before.UpdatedAt, before.CreatedAt)
	}

	if _, err := svc.RecordExpense(ctx, domain.ExpenseRequest{
		AmountCents: 1000,
		Category:    "misc",
	}); err != nil {
		t.Fatalf("record expense: %v", err)
	}

	after, _ := svc.MyRegister(ctx)
	if !after.UpdatedAt.After(before.UpdatedAt) {
		t.Fatalf("expected the debit to advance updated_at, got %v then %v", before.UpdatedAt, after.UpdatedAt)
	}
}

func TestPendingInvoiceWithinLimitWaitsForStock(t *testing.T) {
	svc := newTestService(t)
	ctx := ownerCtx()

	customer, err := svc.CreateCustomer(ctx, domain.CustomerCreateRequest{
		Name:             "Patient Buyer",
		CreditLimitCents: 1000,
	})
	if err != nil {
		t.Fatalf("create customer: %v", err)
	}
	receiveGoods(t, svc, ctx, "source-demo", "store-main", []domain.InvoiceLine{
		{Code: 1140, Name: "Olives", Quantity: 2, PriceCents: 1000},
	})

	inv, err := svc.CreateCustomerInvoice(ctx, domain.InvoiceCreateRequest{
		PartyID: customer.ID,
		StoreID: "store-main",
		Lines:   []domain.InvoiceLine{{Code: 1140, Name: "Olives", Quantity: 5, PriceCents: 1000}},
	})
	if err != nil {
		t.Fatalf("create customer invoice: %v", err)
	}
	if inv.Status != domain.InvoiceStatusPending {
		t.Fatalf("expected pending over the limit, got %q", inv.Status)
	}

	// The collection drops the balance under the limit, but only 2 of the 5
	// units are on hand: the money lands and the invoice stays pending.
	if _, err := svc.CollectCustomer(ctx, domain.PaymentRequest{
		PartyID:     customer.ID,
		AmountCents: 4500,
	}); err != nil {
		t.Fatalf("collect customer: %v", err)
	}
	got, _ := svc.GetInvoice(ctx, domain.InvoiceKindCustomer, inv.ID)
	if got.Status != domain.InvoiceStatusPending {
		t.Fatalf("expected pending while stock is short, got %q", got.Status)
	}
	if got.PaidCents != 4500 || got.RemainingCents != 500 {
		t.Fatalf("expected paid 4500 remaining 500, got paid %d remaining %d", got.PaidCents, got.RemainingCents)
	}
	if q := productQuantity(t, svc, ctx, "store-main", 1140); q != 2 {
		t.Fatalf("skipped activation must not move stock, have %d", q)
	}

	// Restocking alone changes nothing; the next balance change retries the
	// transition and the goods leave.
	receiveGoods(t, svc, ctx, "source-demo", "store-main", []domain.InvoiceLine{
		{Code: 1140, Name: "Olives", Quantity: 3, PriceCents: 1000},
	})
	if _, err := svc.CollectCustomer(ctx, domain.PaymentRequest{
		PartyID:     customer.ID,
		AmountCents: 100,
	}); err != nil {
		t.Fatalf("collect customer again: %v", err)
	}
	got, _ = svc.GetInvoice(ctx, domain.InvoiceKindCustomer, inv.ID)
	if got.Status != domain.InvoiceStatusActive {
		t.Fatalf("expected active once stock covers the lines, got %q", got.Status)
	}
	if q := productQuantity(t, svc, ctx, "store-main", 1140); q != 0 {
		t.Fatalf("expected all 5 units applied, have %d", q)
	}
}

func TestAuditTrailRecordsMutations(t *testing.T) {
	svc := newTestService(t)
	ctx := ownerCtx()

	if _, err := svc.CreateStore(ctx, domain.StoreCreateRequest{Name: "Audited"}); err != nil {
		t.Fatalf("create store: %v", err)
	}

	logs, err := svc.ListAuditLogs(ctx, 10)
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	if len(logs) == 0 {
		t.Fatalf("expected at least one audit entry")
	}
	if logs[0].Action != "store_create" {
		t.Fatalf("expected latest entry store_create, got %q", logs[0].Action)
	}
	if logs[0].ActorID != testOwnerID {
		t.Fatalf("expected actor recorded, got %q", logs[0].ActorID)
	}
}

func TestStockConservedAcrossTransfers(t *testing.T) {
	svc := newTestService(t)
	ctx := ownerCtx()

	branch, err := svc.CreateStore(ctx, domain.StoreCreateRequest{Name: "Branch"})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	receiveGoods(t, svc, ctx, "source-demo", "store-main", []domain.InvoiceLine{
		{Code: 1100, Name: "Noodles", Quantity: 12, PriceCents: 250},
	})

	for i := 0; i < 3; i++ {
		if err := svc.TransferStock(ctx, domain.StockTransferRequest{
			FromStoreID: "store-main",
			ToStoreID:   branch.ID,
			Items:       []domain.StockTransferItem{{Code: 1100, Quantity: 2}},
		}); err != nil {
			t.Fatalf("transfer %d: %v", i, err)
		}
	}

	total := productQuantity(t, svc, ctx, "store-main", 1100) + productQuantity(t, svc, ctx, branch.ID, 1100)
	if total != 12 {
		t.Fatalf("expected 12 units conserved, got %d", total)
	}
}
