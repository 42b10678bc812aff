package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"mizan/backend/internal/domain"
	"mizan/backend/internal/ledger"
	"mizan/backend/internal/store"
	"mizan/backend/internal/xid"
)

// Store keeps everything behind one mutex so every repository method is
// atomic, matching the single-transaction guarantee of the postgres
// implementation.
type Store struct {
	mu        sync.RWMutex
	stores    map[string]domain.Store
	sources   map[string]domain.Source
	customers map[string]domain.Customer
	products  map[string]domain.Product
	registers map[string]domain.CashRegister
	movements map[string]domain.CashMovement
	transfers map[string]domain.CashTransfer
	expenses  map[string]domain.Expense
	invoices  map[string]domain.Invoice
	payments  map[string]domain.Payment
	users     map[string]domain.UserAccount
	auditLogs []domain.AuditLog
}

func New() *Store {
	return &Store{
		stores:    make(map[string]domain.Store),
		sources:   make(map[string]domain.Source),
		customers: make(map[string]domain.Customer),
		products:  make(map[string]domain.Product),
		registers: make(map[string]domain.CashRegister),
		movements: make(map[string]domain.CashMovement),
		transfers: make(map[string]domain.CashTransfer),
		expenses:  make(map[string]domain.Expense),
		invoices:  make(map[string]domain.Invoice),
		payments:  make(map[string]domain.Payment),
		users:     make(map[string]domain.UserAccount),
		auditLogs: make([]domain.AuditLog, 0, 128),
	}
}

// NewSeeded builds a store pre-loaded with dev/demo accounts and metadata.
// Credentials are read from SEED_OWNER_PASSWORD and SEED_STAFF_PASSWORD
// environment variables; hardcoded dev defaults are used otherwise, with a
// warning printed to stdout. These credentials are never used in production
// (the backend uses PostgreSQL when DATABASE_URL is set).
func NewSeeded() *Store {
	s := New()

	ownerPwd := envOr("SEED_OWNER_PASSWORD", "owner123")
	staffPwd := envOr("SEED_STAFF_PASSWORD", "staff123")
	if os.Getenv("SEED_OWNER_PASSWORD") == "" || os.Getenv("SEED_STAFF_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_OWNER_PASSWORD and SEED_STAFF_PASSWORD to override.")
	}

	now := time.Now().UTC()
	ownerID := "user-owner"
	for _, u := range []struct {
		id       string
		username string
		password string
		role     string
	}{
		{ownerID, "owner", ownerPwd, domain.RoleOwner},
		{"user-staff", "staff", staffPwd, domain.RoleStaff},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		s.users[u.username] = domain.UserAccount{
			ID:        u.id,
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			OwnerID:   ownerID,
			Active:    true,
			CreatedAt: now,
		}
	}

	s.stores["store-main"] = domain.Store{
		ID:         "store-main",
		OwnerID:    ownerID,
		Name:       "Main Store",
		Visibility: domain.Visibility{Scope: domain.VisibilityAllUsers},
		CreatedAt:  now,
	}
	s.sources["source-demo"] = domain.Source{
		ID:         "source-demo",
		OwnerID:    ownerID,
		Name:       "Demo Supplier",
		Phone:      "555-0100",
		Visibility: domain.Visibility{Scope: domain.VisibilityOwner},
		CreatedAt:  now,
	}
	s.customers["customer-demo"] = domain.Customer{
		ID:               "customer-demo",
		OwnerID:          ownerID,
		Name:             "Demo Customer",
		Phone:            "555-0101",
		CreditLimitCents: 500000,
		Visibility:       domain.Visibility{Scope: domain.VisibilityOwner},
		CreatedAt:        now,
	}
	return s
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) CreateStore(_ context.Context, st domain.Store) (*domain.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st.OwnerID == "" || strings.TrimSpace(st.Name) == "" {
		return nil, fmt.Errorf("%w: store name required", store.ErrInvalidInput)
	}
	st.ID = xid.New("store")
	st.CreatedAt = time.Now().UTC()
	s.stores[st.ID] = st
	return &st, nil
}

func (s *Store) GetStore(_ context.Context, ownerID string, storeID string) (*domain.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stores[storeID]
	if !ok || st.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	return &st, nil
}

func (s *Store) ListStores(_ context.Context, ownerID string) ([]domain.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Store, 0, len(s.stores))
	for _, st := range s.stores {
		if st.OwnerID == ownerID {
			out = append(out, st)
		}
	}
	sortByCreated(out, func(st domain.Store) time.Time { return st.CreatedAt })
	return out, nil
}

func (s *Store) CreateSource(_ context.Context, src domain.Source) (*domain.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if src.OwnerID == "" || strings.TrimSpace(src.Name) == "" {
		return nil, fmt.Errorf("%w: source name required", store.ErrInvalidInput)
	}
	src.ID = xid.New("source")
	src.CreatedAt = time.Now().UTC()
	s.sources[src.ID] = src
	return &src, nil
}

func (s *Store) GetSource(_ context.Context, ownerID string, sourceID string) (*domain.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src, ok := s.sources[sourceID]
	if !ok || src.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	return &src, nil
}

func (s *Store) ListSources(_ context.Context, ownerID string) ([]domain.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Source, 0, len(s.sources))
	for _, src := range s.sources {
		if src.OwnerID == ownerID {
			out = append(out, src)
		}
	}
	sortByCreated(out, func(src domain.Source) time.Time { return src.CreatedAt })
	return out, nil
}

func (s *Store) CreateCustomer(_ context.Context, c domain.Customer) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.OwnerID == "" || strings.TrimSpace(c.Name) == "" {
		return nil, fmt.Errorf("%w: customer name required", store.ErrInvalidInput)
	}
	if c.CreditLimitCents < 0 {
		return nil, fmt.Errorf("%w: credit limit must not be negative", store.ErrInvalidAmount)
	}
	c.ID = xid.New("customer")
	c.CreatedAt = time.Now().UTC()
	s.customers[c.ID] = c
	return &c, nil
}

func (s *Store) GetCustomer(_ context.Context, ownerID string, customerID string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.customers[customerID]
	if !ok || c.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Store) ListCustomers(_ context.Context, ownerID string) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Customer, 0, len(s.customers))
	for _, c := range s.customers {
		if c.OwnerID == ownerID {
			out = append(out, c)
		}
	}
	sortByCreated(out, func(c domain.Customer) time.Time { return c.CreatedAt })
	return out, nil
}

func (s *Store) UpdateCustomer(_ context.Context, ownerID string, customerID string, req domain.CustomerUpdateRequest) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.customers[customerID]
	if !ok || c.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	if req.Name != nil {
		if strings.TrimSpace(*req.Name) == "" {
			return nil, fmt.Errorf("%w: customer name required", store.ErrInvalidInput)
		}
		c.Name = *req.Name
	}
	if req.Phone != nil {
		c.Phone = *req.Phone
	}
	if req.CreditLimitCents != nil {
		if *req.CreditLimitCents < 0 {
			return nil, fmt.Errorf("%w: credit limit must not be negative", store.ErrInvalidAmount)
		}
		c.CreditLimitCents = *req.CreditLimitCents
	}
	s.customers[customerID] = c
	return &c, nil
}

func (s *Store) ListProducts(_ context.Context, ownerID string, storeID string) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if p.OwnerID != ownerID {
			continue
		}
		if storeID != "" && p.StoreID != storeID {
			continue
		}
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b domain.Product) int {
		if a.Code != b.Code {
			return int(a.Code - b.Code)
		}
		return strings.Compare(a.StoreID, b.StoreID)
	})
	return out, nil
}

func (s *Store) GetProductByCode(_ context.Context, ownerID string, storeID string, code int64) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.findRowLocked(ownerID, storeID, code)
	if !ok {
		return nil, store.ErrProductNotFound
	}
	return &p, nil
}

func (s *Store) NextProductCode(_ context.Context, ownerID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var maxCode int64 = 1000
	for _, inv := range s.invoices {
		if inv.OwnerID != ownerID || inv.Kind != domain.InvoiceKindSource {
			continue
		}
		for _, line := range inv.Lines {
			if line.Code > maxCode {
				maxCode = line.Code
			}
		}
	}
	for _, p := range s.products {
		if p.OwnerID == ownerID && p.Code > maxCode {
			maxCode = p.Code
		}
	}
	return maxCode + 1, nil
}

func (s *Store) TransferStock(_ context.Context, ownerID string, req domain.StockTransferRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.FromStoreID == "" || req.ToStoreID == "" || req.FromStoreID == req.ToStoreID {
		return fmt.Errorf("%w: transfer requires two distinct stores", store.ErrInvalidInput)
	}
	if len(req.Items) == 0 {
		return fmt.Errorf("%w: transfer requires items", store.ErrInvalidInput)
	}

	// Validate the whole batch before touching anything.
	for _, item := range req.Items {
		if item.Quantity < 1 {
			return fmt.Errorf("%w: transfer quantity must be positive", store.ErrInvalidAmount)
		}
		p, ok := s.findRowLocked(ownerID, req.FromStoreID, item.Code)
		if !ok {
			return fmt.Errorf("%w: code %d in store %s", store.ErrProductNotFound, item.Code, req.FromStoreID)
		}
		if p.Quantity < item.Quantity {
			return fmt.Errorf("%w: code %d has %d, need %d", store.ErrInsufficientStock, item.Code, p.Quantity, item.Quantity)
		}
	}

	for _, item := range req.Items {
		src, _ := s.findRowLocked(ownerID, req.FromStoreID, item.Code)
		s.adjustRowLocked(src.ID, -item.Quantity)
		line := domain.InvoiceLine{Code: src.Code, Name: src.Name, Quantity: item.Quantity, PriceCents: src.PriceCents}
		s.receiveStockLocked(ownerID, req.ToStoreID, line)
	}
	return nil
}

func (s *Store) EnsureRegister(_ context.Context, ownerID string, userID *string) (*domain.CashRegister, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg := s.ensureRegisterLocked(ownerID, userID)
	return &reg, nil
}

func (s *Store) GetRegister(_ context.Context, ownerID string, registerID string) (*domain.CashRegister, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reg, ok := s.registers[registerID]
	if !ok || reg.OwnerID != ownerID {
		return nil, store.ErrRegisterNotFound
	}
	return &reg, nil
}

func (s *Store) ListRegisters(_ context.Context, ownerID string) ([]domain.CashRegister, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.CashRegister, 0, len(s.registers))
	for _, reg := range s.registers {
		if reg.OwnerID == ownerID {
			out = append(out, reg)
		}
	}
	sortByCreated(out, func(reg domain.CashRegister) time.Time { return reg.CreatedAt })
	return out, nil
}

func (s *Store) TransferCash(_ context.Context, transfer domain.CashTransfer) (*domain.CashTransfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if transfer.AmountCents < 1 {
		return nil, fmt.Errorf("%w: transfer amount must be positive", store.ErrInvalidAmount)
	}
	if transfer.FromRegisterID == transfer.ToRegisterID {
		return nil, fmt.Errorf("%w: transfer requires two distinct registers", store.ErrInvalidInput)
	}
	from, ok := s.registers[transfer.FromRegisterID]
	if !ok || from.OwnerID != transfer.OwnerID {
		return nil, fmt.Errorf("%w: %s", store.ErrRegisterNotFound, transfer.FromRegisterID)
	}
	to, ok := s.registers[transfer.ToRegisterID]
	if !ok || to.OwnerID != transfer.OwnerID {
		return nil, fmt.Errorf("%w: %s", store.ErrRegisterNotFound, transfer.ToRegisterID)
	}
	if from.BalanceCents < transfer.AmountCents {
		return nil, fmt.Errorf("%w: register %s has %d, need %d", store.ErrInsufficientBalance, from.ID, from.BalanceCents, transfer.AmountCents)
	}

	transfer.ID = xid.New("transfer")
	transfer.CreatedAt = time.Now().UTC()

	from.BalanceCents -= transfer.AmountCents
	to.BalanceCents += transfer.AmountCents
	s.saveRegisterLocked(from)
	s.saveRegisterLocked(to)

	s.recordMovementLocked(transfer.OwnerID, from.ID, domain.FlowOut, domain.MovementKindTransfer, transfer.AmountCents, transfer.ID, "transfer", transfer.Note)
	s.recordMovementLocked(transfer.OwnerID, to.ID, domain.FlowIn, domain.MovementKindTransfer, transfer.AmountCents, transfer.ID, "transfer", transfer.Note)

	s.transfers[transfer.ID] = transfer
	return &transfer, nil
}

func (s *Store) DeleteCashTransfer(_ context.Context, ownerID string, transferID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	transfer, ok := s.transfers[transferID]
	if !ok || transfer.OwnerID != ownerID {
		return store.ErrNotFound
	}
	to, ok := s.registers[transfer.ToRegisterID]
	if !ok {
		return store.ErrRegisterNotFound
	}
	from, ok := s.registers[transfer.FromRegisterID]
	if !ok {
		return store.ErrRegisterNotFound
	}
	if to.BalanceCents < transfer.AmountCents {
		return fmt.Errorf("%w: register %s has %d, need %d to undo transfer", store.ErrInsufficientBalance, to.ID, to.BalanceCents, transfer.AmountCents)
	}

	to.BalanceCents -= transfer.AmountCents
	from.BalanceCents += transfer.AmountCents
	s.saveRegisterLocked(to)
	s.saveRegisterLocked(from)

	s.deleteMovementsByRefLocked(transferID)
	delete(s.transfers, transferID)
	return nil
}

func (s *Store) ListCashTransfers(_ context.Context, ownerID string) ([]domain.CashTransfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.CashTransfer, 0, len(s.transfers))
	for _, t := range s.transfers {
		if t.OwnerID == ownerID {
			out = append(out, t)
		}
	}
	sortByCreated(out, func(t domain.CashTransfer) time.Time { return t.CreatedAt })
	return out, nil
}

func (s *Store) RecordExpense(_ context.Context, expense domain.Expense) (*domain.Expense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if expense.AmountCents < 1 {
		return nil, fmt.Errorf("%w: expense amount must be positive", store.ErrInvalidAmount)
	}
	reg, ok := s.registers[expense.RegisterID]
	if !ok || reg.OwnerID != expense.OwnerID {
		return nil, fmt.Errorf("%w: %s", store.ErrRegisterNotFound, expense.RegisterID)
	}
	if reg.BalanceCents < expense.AmountCents {
		return nil, fmt.Errorf("%w: register %s has %d, need %d", store.ErrInsufficientBalance, reg.ID, reg.BalanceCents, expense.AmountCents)
	}

	expense.ID = xid.New("expense")
	expense.CreatedAt = time.Now().UTC()

	reg.BalanceCents -= expense.AmountCents
	s.saveRegisterLocked(reg)
	s.recordMovementLocked(expense.OwnerID, reg.ID, domain.FlowOut, domain.MovementKindExpense, expense.AmountCents, expense.ID, "expense", expense.Note)

	s.expenses[expense.ID] = expense
	return &expense, nil
}

func (s *Store) DeleteExpense(_ context.Context, ownerID string, expenseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	expense, ok := s.expenses[expenseID]
	if !ok || expense.OwnerID != ownerID {
		return store.ErrNotFound
	}
	reg, ok := s.registers[expense.RegisterID]
	if !ok {
		return store.ErrRegisterNotFound
	}

	reg.BalanceCents += expense.AmountCents
	s.saveRegisterLocked(reg)
	s.deleteMovementsByRefLocked(expenseID)
	delete(s.expenses, expenseID)
	return nil
}

func (s *Store) ListExpenses(_ context.Context, ownerID string) ([]domain.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Expense, 0, len(s.expenses))
	for _, e := range s.expenses {
		if e.OwnerID == ownerID {
			out = append(out, e)
		}
	}
	sortByCreated(out, func(e domain.Expense) time.Time { return e.CreatedAt })
	return out, nil
}

func (s *Store) ListMovements(_ context.Context, ownerID string, registerID string, limit int) ([]domain.CashMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.CashMovement, 0, len(s.movements))
	for _, m := range s.movements {
		if m.OwnerID != ownerID {
			continue
		}
		if registerID != "" && m.RegisterID != registerID {
			continue
		}
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b domain.CashMovement) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CreateSourceInvoice(_ context.Context, inv domain.Invoice) (*domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := validateLines(inv.Lines); err != nil {
		return nil, err
	}
	if _, ok := s.sources[inv.PartyID]; !ok {
		return nil, fmt.Errorf("%w: source %s", store.ErrNotFound, inv.PartyID)
	}

	inv.ID = xid.New("inv")
	inv.Kind = domain.InvoiceKindSource
	inv.TotalCents = ledger.InvoiceTotal(inv.Lines)
	inv.PaidCents = 0
	inv.RemainingCents = inv.TotalCents
	inv.Status = ""
	inv.Overpaid = false
	now := time.Now().UTC()
	inv.CreatedAt = now
	inv.UpdatedAt = now
	inv.Lines = slices.Clone(inv.Lines)

	// Goods arrive from the supplier: merge each line into the stock rows.
	for _, line := range inv.Lines {
		s.receiveStockLocked(inv.OwnerID, inv.StoreID, line)
	}

	s.invoices[inv.ID] = inv
	return cloneInvoice(inv), nil
}

func (s *Store) CreateCustomerInvoice(_ context.Context, inv domain.Invoice) (*domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := validateLines(inv.Lines); err != nil {
		return nil, err
	}
	customer, ok := s.customers[inv.PartyID]
	if !ok || customer.OwnerID != inv.OwnerID {
		return nil, fmt.Errorf("%w: customer %s", store.ErrNotFound, inv.PartyID)
	}
	if inv.PaidCents < 0 {
		return nil, fmt.Errorf("%w: paid amount must not be negative", store.ErrInvalidAmount)
	}

	inv.ID = xid.New("inv")
	inv.Kind = domain.InvoiceKindCustomer
	inv.TotalCents = ledger.InvoiceTotal(inv.Lines)
	if inv.PaidCents > inv.TotalCents {
		return nil, fmt.Errorf("%w: paid amount exceeds invoice total", store.ErrInvalidAmount)
	}
	inv.RemainingCents = inv.TotalCents - inv.PaidCents
	inv.Overpaid = false
	now := time.Now().UTC()
	inv.CreatedAt = now
	inv.UpdatedAt = now
	inv.Lines = slices.Clone(inv.Lines)

	inv.Status = ledger.CustomerStatus(inv.RemainingCents, customer.CreditLimitCents)
	if inv.Status == domain.InvoiceStatusActive {
		// Goods leave for the customer only while the invoice is active.
		if err := s.applyInvoiceStockLocked(inv); err != nil {
			return nil, err
		}
	}

	if inv.Status == domain.InvoiceStatusActive && inv.PaidCents > 0 {
		reg := s.ensureRegisterLocked(inv.OwnerID, nil)
		reg.BalanceCents += inv.PaidCents
		s.saveRegisterLocked(reg)
	}

	s.invoices[inv.ID] = inv
	return cloneInvoice(inv), nil
}

func (s *Store) GetInvoice(_ context.Context, ownerID string, kind string, invoiceID string) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invoices[invoiceID]
	if !ok || inv.OwnerID != ownerID || inv.Kind != kind {
		return nil, store.ErrInvoiceNotFound
	}
	return cloneInvoice(inv), nil
}

func (s *Store) ListInvoices(_ context.Context, ownerID string, kind string, partyID string) ([]domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Invoice, 0, len(s.invoices))
	for _, inv := range s.invoices {
		if inv.OwnerID != ownerID || inv.Kind != kind {
			continue
		}
		if partyID != "" && inv.PartyID != partyID {
			continue
		}
		out = append(out, *cloneInvoice(inv))
	}
	sortByCreated(out, func(inv domain.Invoice) time.Time { return inv.CreatedAt })
	return out, nil
}

func (s *Store) ReturnInvoice(_ context.Context, ownerID string, kind string, invoiceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoices[invoiceID]
	if !ok || inv.OwnerID != ownerID || inv.Kind != kind {
		return store.ErrInvoiceNotFound
	}

	switch kind {
	case domain.InvoiceKindSource:
		// Goods go back to the supplier. The rows are found by code alone
		// so stock that migrated to another store is still withdrawn.
		for _, line := range inv.Lines {
			s.withdrawStockByCodeLocked(ownerID, line.Code, line.Quantity)
		}
		delete(s.invoices, invoiceID)
	case domain.InvoiceKindCustomer:
		if inv.Status == domain.InvoiceStatusReturned {
			return fmt.Errorf("%w: invoice already returned", store.ErrInvalidInput)
		}
		if inv.Status == domain.InvoiceStatusActive {
			for _, line := range inv.Lines {
				s.releaseStockLocked(ownerID, inv.StoreID, line)
			}
		}
		inv.Status = domain.InvoiceStatusReturned
		inv.RemainingCents = 0
		inv.UpdatedAt = time.Now().UTC()
		s.invoices[invoiceID] = inv
	default:
		return fmt.Errorf("%w: unknown invoice kind %q", store.ErrInvalidInput, kind)
	}
	return nil
}

func (s *Store) ReturnInvoiceLine(_ context.Context, ownerID string, kind string, invoiceID string, code int64) (*domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoices[invoiceID]
	if !ok || inv.OwnerID != ownerID || inv.Kind != kind {
		return nil, store.ErrInvoiceNotFound
	}
	if inv.Status == domain.InvoiceStatusReturned {
		return nil, fmt.Errorf("%w: invoice already returned", store.ErrInvalidInput)
	}

	idx := -1
	for i, line := range inv.Lines {
		if line.Code == code {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: line with code %d", store.ErrNotFound, code)
	}
	line := inv.Lines[idx]

	switch kind {
	case domain.InvoiceKindSource:
		s.withdrawStockByCodeLocked(ownerID, line.Code, line.Quantity)
	case domain.InvoiceKindCustomer:
		if inv.Status == domain.InvoiceStatusActive {
			s.releaseStockLocked(ownerID, inv.StoreID, line)
		}
	default:
		return nil, fmt.Errorf("%w: unknown invoice kind %q", store.ErrInvalidInput, kind)
	}

	inv.Lines = append(slices.Clone(inv.Lines[:idx]), inv.Lines[idx+1:]...)
	if len(inv.Lines) == 0 {
		delete(s.invoices, invoiceID)
		return nil, nil
	}

	inv.TotalCents = ledger.InvoiceTotal(inv.Lines)
	inv.RemainingCents = inv.TotalCents - inv.PaidCents
	inv.Overpaid = kind == domain.InvoiceKindSource && inv.PaidCents > inv.TotalCents
	if inv.RemainingCents < 0 {
		inv.RemainingCents = 0
	}
	inv.UpdatedAt = time.Now().UTC()

	if kind == domain.InvoiceKindCustomer {
		s.syncCustomerStatusLocked(&inv)
	}

	s.invoices[invoiceID] = inv
	return cloneInvoice(inv), nil
}

func (s *Store) AllocatePayment(_ context.Context, payment domain.Payment) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if payment.AmountCents < 1 {
		return nil, fmt.Errorf("%w: payment amount must be positive", store.ErrInvalidAmount)
	}
	if payment.Kind != domain.InvoiceKindSource && payment.Kind != domain.InvoiceKindCustomer {
		return nil, fmt.Errorf("%w: unknown payment kind %q", store.ErrInvalidInput, payment.Kind)
	}
	reg, ok := s.registers[payment.RegisterID]
	if !ok || reg.OwnerID != payment.OwnerID {
		return nil, fmt.Errorf("%w: %s", store.ErrRegisterNotFound, payment.RegisterID)
	}

	open := s.openInvoicesLocked(payment.OwnerID, payment.Kind, payment.PartyID)
	if payment.AmountCents > ledger.TotalRemaining(open) {
		return nil, fmt.Errorf("%w: amount exceeds total remaining", store.ErrInvalidAmount)
	}

	if payment.Kind == domain.InvoiceKindSource {
		// Paying a supplier takes cash out of the register.
		if reg.BalanceCents < payment.AmountCents {
			return nil, fmt.Errorf("%w: register %s has %d, need %d", store.ErrInsufficientBalance, reg.ID, reg.BalanceCents, payment.AmountCents)
		}
		reg.BalanceCents -= payment.AmountCents
	} else {
		reg.BalanceCents += payment.AmountCents
	}
	s.saveRegisterLocked(reg)

	payment.ID = xid.New("pay")
	payment.CreatedAt = time.Now().UTC()
	payment.InvoiceIDs = nil

	allocations, _ := ledger.DistributePayment(open, payment.AmountCents)
	for _, alloc := range allocations {
		s.applyAllocationLocked(alloc.InvoiceID, alloc.AmountCents)
		payment.InvoiceIDs = append(payment.InvoiceIDs, alloc.InvoiceID)
	}

	if payment.Kind == domain.InvoiceKindSource {
		// Supplier payments leave an audit trail in the movement log;
		// customer payments deliberately do not.
		s.recordMovementLocked(payment.OwnerID, reg.ID, domain.FlowOut, domain.MovementKindPayment, payment.AmountCents, payment.ID, "payment", payment.Note)
	}

	s.payments[payment.ID] = payment
	return clonePayment(payment), nil
}

func (s *Store) GetPayment(_ context.Context, ownerID string, paymentID string) (*domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[paymentID]
	if !ok || p.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	return clonePayment(p), nil
}

func (s *Store) ListPayments(_ context.Context, ownerID string, kind string, partyID string) ([]domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Payment, 0, len(s.payments))
	for _, p := range s.payments {
		if p.OwnerID != ownerID {
			continue
		}
		if kind != "" && p.Kind != kind {
			continue
		}
		if partyID != "" && p.PartyID != partyID {
			continue
		}
		out = append(out, *clonePayment(p))
	}
	sortByCreated(out, func(p domain.Payment) time.Time { return p.CreatedAt })
	return out, nil
}

func (s *Store) ReversePayment(_ context.Context, ownerID string, paymentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[paymentID]
	if !ok || p.OwnerID != ownerID {
		return store.ErrNotFound
	}

	reg, ok := s.registers[p.RegisterID]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrRegisterNotFound, p.RegisterID)
	}
	if p.Kind == domain.InvoiceKindCustomer && reg.BalanceCents < p.AmountCents {
		return fmt.Errorf("%w: register %s has %d, need %d to reverse payment", store.ErrInsufficientBalance, reg.ID, reg.BalanceCents, p.AmountCents)
	}

	if err := s.reverseAllocationsLocked(p, p.AmountCents); err != nil {
		return err
	}

	if p.Kind == domain.InvoiceKindSource {
		reg.BalanceCents += p.AmountCents
	} else {
		reg.BalanceCents -= p.AmountCents
	}
	s.saveRegisterLocked(reg)

	s.deleteMovementsByRefLocked(paymentID)
	delete(s.payments, paymentID)
	return nil
}

func (s *Store) EditPayment(_ context.Context, ownerID string, paymentID string, req domain.PaymentEditRequest) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[paymentID]
	if !ok || p.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	if req.AmountCents < 1 {
		return nil, fmt.Errorf("%w: payment amount must be positive", store.ErrInvalidAmount)
	}

	newRegisterID := p.RegisterID
	if req.RegisterID != "" {
		newRegisterID = req.RegisterID
	}
	newReg, ok := s.registers[newRegisterID]
	if !ok || newReg.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: %s", store.ErrRegisterNotFound, newRegisterID)
	}

	// Validate the register arithmetic before any invoice is touched;
	// there is no rollback inside a lock hold.
	delta := req.AmountCents - p.AmountCents
	oldReg, ok := s.registers[p.RegisterID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrRegisterNotFound, p.RegisterID)
	}
	if newRegisterID == p.RegisterID {
		if p.Kind == domain.InvoiceKindSource && delta > 0 && oldReg.BalanceCents < delta {
			return nil, fmt.Errorf("%w: register %s has %d, need %d", store.ErrInsufficientBalance, oldReg.ID, oldReg.BalanceCents, delta)
		}
		if p.Kind == domain.InvoiceKindCustomer && delta < 0 && oldReg.BalanceCents < -delta {
			return nil, fmt.Errorf("%w: register %s has %d, need %d to reverse payment", store.ErrInsufficientBalance, oldReg.ID, oldReg.BalanceCents, -delta)
		}
	} else {
		if p.Kind == domain.InvoiceKindSource && newReg.BalanceCents < req.AmountCents {
			return nil, fmt.Errorf("%w: register %s has %d, need %d", store.ErrInsufficientBalance, newReg.ID, newReg.BalanceCents, req.AmountCents)
		}
		if p.Kind == domain.InvoiceKindCustomer && oldReg.BalanceCents < p.AmountCents {
			return nil, fmt.Errorf("%w: register %s has %d, need %d to move payment", store.ErrInsufficientBalance, oldReg.ID, oldReg.BalanceCents, p.AmountCents)
		}
	}

	switch {
	case delta > 0:
		open := s.openInvoicesLocked(p.OwnerID, p.Kind, p.PartyID)
		if delta > ledger.TotalRemaining(open) {
			return nil, fmt.Errorf("%w: amount exceeds total remaining", store.ErrInvalidAmount)
		}
		allocations, _ := ledger.DistributePayment(open, delta)
		for _, alloc := range allocations {
			s.applyAllocationLocked(alloc.InvoiceID, alloc.AmountCents)
			if !slices.Contains(p.InvoiceIDs, alloc.InvoiceID) {
				p.InvoiceIDs = append(p.InvoiceIDs, alloc.InvoiceID)
			}
		}
	case delta < 0:
		if err := s.reverseAllocationsLocked(p, -delta); err != nil {
			return nil, err
		}
	}

	if newRegisterID == p.RegisterID {
		if p.Kind == domain.InvoiceKindSource {
			oldReg.BalanceCents -= delta
		} else {
			oldReg.BalanceCents += delta
		}
		s.saveRegisterLocked(oldReg)
	} else {
		// Register switch: refund the old register in full, then charge
		// the new one in full.
		if p.Kind == domain.InvoiceKindSource {
			oldReg.BalanceCents += p.AmountCents
			newReg.BalanceCents -= req.AmountCents
		} else {
			oldReg.BalanceCents -= p.AmountCents
			newReg.BalanceCents += req.AmountCents
		}
		s.saveRegisterLocked(oldReg)
		s.saveRegisterLocked(newReg)
	}

	p.AmountCents = req.AmountCents
	p.RegisterID = newRegisterID

	if p.Kind == domain.InvoiceKindSource {
		s.deleteMovementsByRefLocked(p.ID)
		s.recordMovementLocked(p.OwnerID, p.RegisterID, domain.FlowOut, domain.MovementKindPayment, p.AmountCents, p.ID, "payment", p.Note)
	}

	s.payments[p.ID] = p
	return clonePayment(p), nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.Username == "" || user.Password == "" {
		return fmt.Errorf("%w: username and password required", store.ErrInvalidInput)
	}
	if _, exists := s.users[user.Username]; exists {
		return fmt.Errorf("%w: username %s taken", store.ErrConflict, user.Username)
	}
	if user.ID == "" {
		user.ID = xid.New("user")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.users[user.Username] = user
	return nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

func (s *Store) ListUsers(_ context.Context, ownerID string) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.UserAccount, 0, len(s.users))
	for _, u := range s.users {
		if u.OwnerID == ownerID {
			out = append(out, u)
		}
	}
	sortByCreated(out, func(u domain.UserAccount) time.Time { return u.CreatedAt })
	return out, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	if !ok {
		return store.ErrNotFound
	}
	u.Password = password
	s.users[username] = u
	return nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, ownerID string, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AuditLog, 0, len(s.auditLogs))
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		if s.auditLogs[i].OwnerID != ownerID {
			continue
		}
		out = append(out, s.auditLogs[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// --- helpers, all assume the write lock is held ---

func (s *Store) ensureRegisterLocked(ownerID string, userID *string) domain.CashRegister {
	for _, reg := range s.registers {
		if reg.OwnerID != ownerID {
			continue
		}
		if userID == nil && reg.UserID == nil {
			return reg
		}
		if userID != nil && reg.UserID != nil && *reg.UserID == *userID {
			return reg
		}
	}

	name := "Main Register"
	if userID != nil {
		name = "Staff Register"
	}
	now := time.Now().UTC()
	reg := domain.CashRegister{
		ID:        xid.New("reg"),
		OwnerID:   ownerID,
		UserID:    userID,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.registers[reg.ID] = reg
	return reg
}

// saveRegisterLocked stores a register back after a balance change and
// stamps it.
func (s *Store) saveRegisterLocked(reg domain.CashRegister) {
	reg.UpdatedAt = time.Now().UTC()
	s.registers[reg.ID] = reg
}

func (s *Store) findRowLocked(ownerID string, storeID string, code int64) (domain.Product, bool) {
	for _, p := range s.products {
		if p.OwnerID == ownerID && p.StoreID == storeID && p.Code == code {
			return p, true
		}
	}
	return domain.Product{}, false
}

// rowsByCodeLocked returns the owner's stock rows carrying a code, oldest
// first, regardless of store.
func (s *Store) rowsByCodeLocked(ownerID string, code int64) []domain.Product {
	rows := make([]domain.Product, 0, 2)
	for _, p := range s.products {
		if p.OwnerID == ownerID && p.Code == code {
			rows = append(rows, p)
		}
	}
	slices.SortFunc(rows, func(a, b domain.Product) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return rows
}

func (s *Store) adjustRowLocked(productID string, delta int) {
	p := s.products[productID]
	p.Quantity += delta
	if p.Quantity <= 0 {
		delete(s.products, productID)
		return
	}
	s.products[productID] = p
}

func (s *Store) receiveStockLocked(ownerID string, storeID string, line domain.InvoiceLine) {
	if p, ok := s.findRowLocked(ownerID, storeID, line.Code); ok {
		p.Quantity += line.Quantity
		s.products[p.ID] = p
		return
	}
	p := domain.Product{
		ID:         xid.New("prod"),
		OwnerID:    ownerID,
		StoreID:    storeID,
		Code:       line.Code,
		Name:       line.Name,
		Quantity:   line.Quantity,
		PriceCents: line.PriceCents,
		CreatedAt:  time.Now().UTC(),
	}
	s.products[p.ID] = p
}

// applyInvoiceStockLocked takes an invoice's goods out of its store's stock.
// Quantities are summed per code first, so duplicate lines on the same code
// are checked against the row as one demand. The whole batch is checked
// before anything is decremented.
func (s *Store) applyInvoiceStockLocked(inv domain.Invoice) error {
	need := make(map[int64]int, len(inv.Lines))
	order := make([]int64, 0, len(inv.Lines))
	for _, line := range inv.Lines {
		if _, ok := need[line.Code]; !ok {
			order = append(order, line.Code)
		}
		need[line.Code] += line.Quantity
	}
	for _, code := range order {
		p, ok := s.findRowLocked(inv.OwnerID, inv.StoreID, code)
		if !ok {
			return fmt.Errorf("%w: code %d in store %s", store.ErrProductNotFound, code, inv.StoreID)
		}
		if p.Quantity < need[code] {
			return fmt.Errorf("%w: code %d has %d, need %d", store.ErrInsufficientStock, code, p.Quantity, need[code])
		}
	}
	for _, code := range order {
		if err := s.applyStockLocked(inv.OwnerID, inv.StoreID, code, need[code]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyStockLocked(ownerID string, storeID string, code int64, qty int) error {
	p, ok := s.findRowLocked(ownerID, storeID, code)
	if !ok {
		return fmt.Errorf("%w: code %d in store %s", store.ErrProductNotFound, code, storeID)
	}
	if p.Quantity < qty {
		return fmt.Errorf("%w: code %d has %d, need %d", store.ErrInsufficientStock, code, p.Quantity, qty)
	}
	s.adjustRowLocked(p.ID, -qty)
	return nil
}

// releaseStockLocked puts goods back after a customer return or a pending
// transition. The first row carrying the code is topped up wherever it
// lives; if no row is left the line is recreated at its invoice's store.
func (s *Store) releaseStockLocked(ownerID string, storeID string, line domain.InvoiceLine) {
	rows := s.rowsByCodeLocked(ownerID, line.Code)
	if len(rows) > 0 {
		s.adjustRowLocked(rows[0].ID, line.Quantity)
		return
	}
	s.receiveStockLocked(ownerID, storeID, line)
}

// withdrawStockByCodeLocked removes goods going back to a supplier. Rows are
// matched by code across all stores and drained oldest first, clamped at
// what is actually on hand.
func (s *Store) withdrawStockByCodeLocked(ownerID string, code int64, qty int) {
	remaining := qty
	for _, row := range s.rowsByCodeLocked(ownerID, code) {
		if remaining <= 0 {
			return
		}
		take := row.Quantity
		if take > remaining {
			take = remaining
		}
		s.adjustRowLocked(row.ID, -take)
		remaining -= take
	}
}

func (s *Store) openInvoicesLocked(ownerID string, kind string, partyID string) []domain.Invoice {
	open := make([]domain.Invoice, 0, 8)
	for _, inv := range s.invoices {
		if inv.OwnerID != ownerID || inv.Kind != kind || inv.PartyID != partyID {
			continue
		}
		if inv.Status == domain.InvoiceStatusReturned {
			continue
		}
		if inv.RemainingCents > 0 {
			open = append(open, inv)
		}
	}
	return open
}

func (s *Store) applyAllocationLocked(invoiceID string, amount int64) {
	inv := s.invoices[invoiceID]
	inv.PaidCents += amount
	inv.RemainingCents -= amount
	inv.UpdatedAt = time.Now().UTC()
	if inv.Kind == domain.InvoiceKindCustomer {
		s.syncCustomerStatusLocked(&inv)
	}
	s.invoices[invoiceID] = inv
}

// reverseAllocationsLocked pulls amount back out of the invoices the payment
// was spread over, walking the recorded order backwards. Any portion that no
// longer has an invoice to land on means the ledger has drifted.
func (s *Store) reverseAllocationsLocked(p domain.Payment, amount int64) error {
	paidByInvoice := make(map[string]int64, len(p.InvoiceIDs))
	for _, id := range p.InvoiceIDs {
		if inv, ok := s.invoices[id]; ok {
			paidByInvoice[id] = inv.PaidCents
		}
	}
	allocations, leftover := ledger.ReverseDistribution(p.InvoiceIDs, paidByInvoice, amount)
	if leftover > 0 {
		return fmt.Errorf("%w: %d could not be reversed", store.ErrInconsistentPayment, leftover)
	}
	for _, alloc := range allocations {
		inv := s.invoices[alloc.InvoiceID]
		inv.PaidCents -= alloc.AmountCents
		// Returned lines may have shrunk the total below what was paid, so
		// the balance is recomputed from the totals rather than shifted.
		inv.RemainingCents = inv.TotalCents - inv.PaidCents
		if inv.RemainingCents < 0 {
			inv.RemainingCents = 0
		}
		if inv.Kind == domain.InvoiceKindSource {
			inv.Overpaid = inv.PaidCents > inv.TotalCents
		}
		inv.UpdatedAt = time.Now().UTC()
		if inv.Kind == domain.InvoiceKindCustomer {
			s.syncCustomerStatusLocked(&inv)
		}
		s.invoices[alloc.InvoiceID] = inv
	}
	return nil
}

// syncCustomerStatusLocked re-evaluates a customer invoice against its
// customer's credit limit. A pending invoice whose balance dropped under the
// limit goes active and its goods leave stock; if stock is short the
// transition is skipped and the invoice stays pending. An active invoice
// pushed back over the limit releases its goods and goes pending.
func (s *Store) syncCustomerStatusLocked(inv *domain.Invoice) {
	if inv.Status == domain.InvoiceStatusReturned {
		return
	}
	customer, ok := s.customers[inv.PartyID]
	if !ok {
		return
	}
	want := ledger.CustomerStatus(inv.RemainingCents, customer.CreditLimitCents)
	if want == inv.Status {
		return
	}
	if want == domain.InvoiceStatusActive {
		// The money stays applied either way. Until stock arrives the
		// invoice can sit pending with a balance under the limit; the
		// next payment or line change retries the transition.
		if err := s.applyInvoiceStockLocked(*inv); err != nil {
			return
		}
	} else {
		for _, line := range inv.Lines {
			s.releaseStockLocked(inv.OwnerID, inv.StoreID, line)
		}
	}
	inv.Status = want
}

func (s *Store) recordMovementLocked(ownerID string, registerID string, flow string, kind string, amount int64, refID string, refType string, note string) {
	m := domain.CashMovement{
		ID:          xid.New("mov"),
		OwnerID:     ownerID,
		RegisterID:  registerID,
		Flow:        flow,
		Kind:        kind,
		AmountCents: amount,
		RefID:       refID,
		RefType:     refType,
		Note:        note,
		CreatedAt:   time.Now().UTC(),
	}
	s.movements[m.ID] = m
}

func (s *Store) deleteMovementsByRefLocked(refID string) {
	for id, m := range s.movements {
		if m.RefID == refID {
			delete(s.movements, id)
		}
	}
}

func validateLines(lines []domain.InvoiceLine) error {
	if len(lines) == 0 {
		return fmt.Errorf("%w: invoice requires lines", store.ErrInvalidInput)
	}
	for _, line := range lines {
		if line.Code < 1 {
			return fmt.Errorf("%w: line code required", store.ErrInvalidInput)
		}
		if line.Quantity < 1 {
			return fmt.Errorf("%w: line quantity must be positive", store.ErrInvalidAmount)
		}
		if line.PriceCents < 0 {
			return fmt.Errorf("%w: line price must not be negative", store.ErrInvalidAmount)
		}
	}
	return nil
}

func cloneInvoice(inv domain.Invoice) *domain.Invoice {
	inv.Lines = slices.Clone(inv.Lines)
	return &inv
}

func clonePayment(p domain.Payment) *domain.Payment {
	p.InvoiceIDs = slices.Clone(p.InvoiceIDs)
	return &p
}

func sortByCreated[T any](items []T, at func(T) time.Time) {
	slices.SortFunc(items, func(a, b T) int {
		return at(a).Compare(at(b))
	})
}
