package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"mizan/backend/internal/domain"
	"mizan/backend/internal/feed"
	"mizan/backend/internal/store"
	"mizan/backend/internal/xid"
)

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("owner role required")
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo store.Repository
	feed feed.Publisher
}

func New(repo store.Repository, publisher feed.Publisher) *Service {
	if publisher == nil {
		publisher = feed.NoopPublisher{}
	}

	return &Service{
		repo: repo,
		feed: publisher,
	}
}

func requireActor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.OwnerID == "" {
		return domain.Actor{}, ErrUnauthenticated
	}
	return actor, nil
}

func requireOwner(ctx context.Context) (domain.Actor, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Actor{}, err
	}
	if actor.Role != domain.RoleOwner {
		return domain.Actor{}, ErrForbidden
	}
	return actor, nil
}

func (s *Service) CreateStore(ctx context.Context, req domain.StoreCreateRequest) (domain.Store, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Store{}, err
	}
	created, err := s.repo.CreateStore(ctx, domain.Store{
		OwnerID:    actor.OwnerID,
		Name:       strings.TrimSpace(req.Name),
		Visibility: normalizeVisibility(req.Visibility),
	})
	if err != nil {
		return domain.Store{}, err
	}
	s.logAudit(ctx, "store_create", "store", created.ID, created.Name)
	s.publish(ctx, actor, "store_create", "store", created.ID)
	return *created, nil
}

func (s *Service) ListStores(ctx context.Context) ([]domain.Store, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.ListStores(ctx, actor.OwnerID)
}

func (s *Service) CreateSource(ctx context.Context, req domain.SourceCreateRequest) (domain.Source, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Source{}, err
	}
	created, err := s.repo.CreateSource(ctx, domain.Source{
		OwnerID:    actor.OwnerID,
		Name:       strings.TrimSpace(req.Name),
		Phone:      strings.TrimSpace(req.Phone),
		Visibility: normalizeVisibility(req.Visibility),
	})
	if err != nil {
		return domain.Source{}, err
	}
	s.logAudit(ctx, "source_create", "source", created.ID, created.Name)
	s.publish(ctx, actor, "source_create", "source", created.ID)
	return *created, nil
}

func (s *Service) ListSources(ctx context.Context) ([]domain.Source, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.ListSources(ctx, actor.OwnerID)
}

func (s *Service) CreateCustomer(ctx context.Context, req domain.CustomerCreateRequest) (domain.Customer, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Customer{}, err
	}
	created, err := s.repo.CreateCustomer(ctx, domain.Customer{
		OwnerID:          actor.OwnerID,
		Name:             strings.TrimSpace(req.Name),
		Phone:            strings.TrimSpace(req.Phone),
		CreditLimitCents: req.CreditLimitCents,
		Visibility:       normalizeVisibility(req.Visibility),
	})
	if err != nil {
		return domain.Customer{}, err
	}
	s.logAudit(ctx, "customer_create", "customer", created.ID, created.Name)
	s.publish(ctx, actor, "customer_create", "customer", created.ID)
	return *created, nil
}

func (s *Service) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.ListCustomers(ctx, actor.OwnerID)
}

// UpdateCustomer is owner-only because raising a credit limit can flip
// pending invoices active, which moves stock.
func (s *Service) UpdateCustomer(ctx context.Context, customerID string, req domain.CustomerUpdateRequest) (domain.Customer, error) {
	actor, err := requireOwner(ctx)
	if err != nil {
		return domain.Customer{}, err
	}
	updated, err := s.repo.UpdateCustomer(ctx, actor.OwnerID, customerID, req)
	if err != nil {
		return domain.Customer{}, err
	}
	s.logAudit(ctx, "customer_update", "customer", updated.ID, fmt.Sprintf("credit_limit=%d", updated.CreditLimitCents))
	s.publish(ctx, actor, "customer_update", "customer", updated.ID)
	return *updated, nil
}

func (s *Service) ListProducts(ctx context.Context, storeID string) ([]domain.Product, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.ListProducts(ctx, actor.OwnerID, storeID)
}

func (s *Service) NextProductCode(ctx context.Context) (int64, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return 0, err
	}
	return s.repo.NextProductCode(ctx, actor.OwnerID)
}

func (s *Service) TransferStock(ctx context.Context, req domain.StockTransferRequest) error {
	actor, err := requireActor(ctx)
	if err != nil {
		return err
	}
	if err := s.repo.TransferStock(ctx, actor.OwnerID, req); err != nil {
		return err
	}
	s.logAudit(ctx, "stock_transfer", "store", req.ToStoreID, fmt.Sprintf("from=%s,items=%d", req.FromStoreID, len(req.Items)))
	s.publish(ctx, actor, "stock_transfer", "store", req.ToStoreID)
	return nil
}

// MyRegister resolves the actor's drawer, creating it on first reference:
// the owner gets the main register, staff get one register each.
func (s *Service) MyRegister(ctx context.Context) (domain.CashRegister, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.CashRegister{}, err
	}
	reg, err := s.repo.EnsureRegister(ctx, actor.OwnerID, registerUserID(actor))
	if err != nil {
		return domain.CashRegister{}, err
	}
	return *reg, nil
}

func (s *Service) ListRegisters(ctx context.Context) ([]domain.CashRegister, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.ListRegisters(ctx, actor.OwnerID)
}

func (s *Service) TransferCash(ctx context.Context, req domain.CashTransferRequest) (domain.CashTransfer, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.CashTransfer{}, err
	}
	created, err := s.repo.TransferCash(ctx, domain.CashTransfer{
		OwnerID:        actor.OwnerID,
		FromRegisterID: req.FromRegisterID,
		ToRegisterID:   req.ToRegisterID,
		AmountCents:    req.AmountCents,
		Note:           strings.TrimSpace(req.Note),
	})
	if err != nil {
		return domain.CashTransfer{}, err
	}
	s.logAudit(ctx, "cash_transfer", "cash_transfer", created.ID, fmt.Sprintf("from=%s,to=%s,amount=%d", created.FromRegisterID, created.ToRegisterID, created.AmountCents))
	s.publish(ctx, actor, "cash_transfer", "cash_transfer", created.ID)
	return *created, nil
}

func (s *Service) DeleteCashTransfer(ctx context.Context, transferID string) error {
	actor, err := requireOwner(ctx)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteCashTransfer(ctx, actor.OwnerID, transferID); err != nil {
		return err
	}
	s.logAudit(ctx, "cash_transfer_delete", "cash_transfer", transferID, "")
	s.publish(ctx, actor, "cash_transfer_delete", "cash_transfer", transferID)
	return nil
}

func (s *Service) ListCashTransfers(ctx context.Context) ([]domain.CashTransfer, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.ListCashTransfers(ctx, actor.OwnerID)
}

func (s *Service) RecordExpense(ctx context.Context, req domain.ExpenseRequest) (domain.Expense, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Expense{}, err
	}
	registerID, err := s.resolveRegister(ctx, actor, req.RegisterID)
	if err != nil {
		return domain.Expense{}, err
	}
	created, err := s.repo.RecordExpense(ctx, domain.Expense{
		OwnerID:     actor.OwnerID,
		RegisterID:  registerID,
		AmountCents: req.AmountCents,
		Category:    strings.TrimSpace(req.Category),
		Note:        strings.TrimSpace(req.Note),
	})
	if err != nil {
		return domain.Expense{}, err
	}
	s.logAudit(ctx, "expense_record", "expense", created.ID, fmt.Sprintf("register=%s,amount=%d,category=%s", created.RegisterID, created.AmountCents, created.Category))
	s.publish(ctx, actor, "expense_record", "expense", created.ID)
	return *created, nil
}

func (s *Service) DeleteExpense(ctx context.Context, expenseID string) error {
	actor, err := requireOwner(ctx)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteExpense(ctx, actor.OwnerID, expenseID); err != nil {
		return err
	}
	s.logAudit(ctx, "expense_delete", "expense", expenseID, "")
	s.publish(ctx, actor, "expense_delete", "expense", expenseID)
	return nil
}

func (s *Service) ListExpenses(ctx context.Context) ([]domain.Expense, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.ListExpenses(ctx, actor.OwnerID)
}

func (s *Service) ListMovements(ctx context.Context, registerID string, limit int) ([]domain.CashMovement, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.ListMovements(ctx, actor.OwnerID, registerID, limit)
}

func (s *Service) CreateSourceInvoice(ctx context.Context, req domain.InvoiceCreateRequest) (domain.Invoice, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Invoice{}, err
	}
	if req.StoreID == "" {
		return domain.Invoice{}, fmt.Errorf("%w: store required", store.ErrInvalidInput)
	}
	created, err := s.repo.CreateSourceInvoice(ctx, domain.Invoice{
		OwnerID: actor.OwnerID,
		PartyID: req.PartyID,
		StoreID: req.StoreID,
		Lines:   req.Lines,
	})
	if err != nil {
		return domain.Invoice{}, err
	}
	s.logAudit(ctx, "source_invoice_create", "invoice", created.ID, fmt.Sprintf("source=%s,total=%d,lines=%d", created.PartyID, created.TotalCents, len(created.Lines)))
	s.publish(ctx, actor, "source_invoice_create", "invoice", created.ID)
	return *created, nil
}

func (s *Service) CreateCustomerInvoice(ctx context.Context, req domain.InvoiceCreateRequest) (domain.Invoice, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Invoice{}, err
	}
	if req.StoreID == "" {
		return domain.Invoice{}, fmt.Errorf("%w: store required", store.ErrInvalidInput)
	}
	created, err := s.repo.CreateCustomerInvoice(ctx, domain.Invoice{
		OwnerID:   actor.OwnerID,
		PartyID:   req.PartyID,
		StoreID:   req.StoreID,
		Lines:     req.Lines,
		PaidCents: req.PaidCents,
	})
	if err != nil {
		return domain.Invoice{}, err
	}
	s.logAudit(ctx, "customer_invoice_create", "invoice", created.ID, fmt.Sprintf("customer=%s,total=%d,status=%s", created.PartyID, created.TotalCents, created.Status))
	s.publish(ctx, actor, "customer_invoice_create", "invoice", created.ID)
	return *created, nil
}

func (s *Service) GetInvoice(ctx context.Context, kind string, invoiceID string) (domain.Invoice, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Invoice{}, err
	}
	inv, err := s.repo.GetInvoice(ctx, actor.OwnerID, kind, invoiceID)
	if err != nil {
		return domain.Invoice{}, err
	}
	return *inv, nil
}

func (s *Service) ListInvoices(ctx context.Context, kind string, partyID string) ([]domain.Invoice, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.ListInvoices(ctx, actor.OwnerID, kind, partyID)
}

func (s *Service) ReturnInvoice(ctx context.Context, kind string, invoiceID string) error {
	actor, err := requireOwner(ctx)
	if err != nil {
		return err
	}
	if err := s.repo.ReturnInvoice(ctx, actor.OwnerID, kind, invoiceID); err != nil {
		return err
	}
	s.logAudit(ctx, "invoice_return", "invoice", invoiceID, "kind="+kind)
	s.publish(ctx, actor, "invoice_return", "invoice", invoiceID)
	return nil
}

func (s *Service) ReturnInvoiceLine(ctx context.Context, kind string, invoiceID string, code int64) (*domain.Invoice, error) {
	actor, err := requireOwner(ctx)
	if err != nil {
		return nil, err
	}
	updated, err := s.repo.ReturnInvoiceLine(ctx, actor.OwnerID, kind, invoiceID, code)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "invoice_line_return", "invoice", invoiceID, fmt.Sprintf("kind=%s,code=%d", kind, code))
	s.publish(ctx, actor, "invoice_line_return", "invoice", invoiceID)
	return updated, nil
}

// PaySource settles supplier invoices from a register, largest open balance
// first. Without an explicit register the actor's own drawer is charged.
func (s *Service) PaySource(ctx context.Context, req domain.PaymentRequest) (domain.Payment, error) {
	return s.allocate(ctx, domain.InvoiceKindSource, req)
}

// CollectCustomer takes a customer's repayment into a register and spreads
// it over their open invoices.
func (s *Service) CollectCustomer(ctx context.Context, req domain.PaymentRequest) (domain.Payment, error) {
	return s.allocate(ctx, domain.InvoiceKindCustomer, req)
}

func (s *Service) allocate(ctx context.Context, kind string, req domain.PaymentRequest) (domain.Payment, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Payment{}, err
	}
	registerID, err := s.resolveRegister(ctx, actor, req.RegisterID)
	if err != nil {
		return domain.Payment{}, err
	}
	created, err := s.repo.AllocatePayment(ctx, domain.Payment{
		OwnerID:     actor.OwnerID,
		Kind:        kind,
		PartyID:     req.PartyID,
		RegisterID:  registerID,
		AmountCents: req.AmountCents,
		Note:        strings.TrimSpace(req.Note),
	})
	if err != nil {
		return domain.Payment{}, err
	}
	s.logAudit(ctx, "payment_allocate", "payment", created.ID, fmt.Sprintf("kind=%s,party=%s,amount=%d,invoices=%d", kind, created.PartyID, created.AmountCents, len(created.InvoiceIDs)))
	s.publish(ctx, actor, "payment_allocate", "payment", created.ID)
	return *created, nil
}

func (s *Service) EditPayment(ctx context.Context, paymentID string, req domain.PaymentEditRequest) (domain.Payment, error) {
	actor, err := requireOwner(ctx)
	if err != nil {
		return domain.Payment{}, err
	}
	updated, err := s.repo.EditPayment(ctx, actor.OwnerID, paymentID, req)
	if err != nil {
		return domain.Payment{}, err
	}
	s.logAudit(ctx, "payment_edit", "payment", updated.ID, fmt.Sprintf("amount=%d,register=%s", updated.AmountCents, updated.RegisterID))
	s.publish(ctx, actor, "payment_edit", "payment", updated.ID)
	return *updated, nil
}

func (s *Service) DeletePayment(ctx context.Context, paymentID string) error {
	actor, err := requireOwner(ctx)
	if err != nil {
		return err
	}
	if err := s.repo.ReversePayment(ctx, actor.OwnerID, paymentID); err != nil {
		return err
	}
	s.logAudit(ctx, "payment_delete", "payment", paymentID, "")
	s.publish(ctx, actor, "payment_delete", "payment", paymentID)
	return nil
}

func (s *Service) GetPayment(ctx context.Context, paymentID string) (domain.Payment, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Payment{}, err
	}
	p, err := s.repo.GetPayment(ctx, actor.OwnerID, paymentID)
	if err != nil {
		return domain.Payment{}, err
	}
	return *p, nil
}

func (s *Service) ListPayments(ctx context.Context, kind string, partyID string) ([]domain.Payment, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.ListPayments(ctx, actor.OwnerID, kind, partyID)
}

func (s *Service) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	actor, err := requireOwner(ctx)
	if err != nil {
		return nil, err
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, actor.OwnerID, limit)
}

// resolveRegister picks the register an operation charges: the explicit one
// when given, the actor's own drawer otherwise.
func (s *Service) resolveRegister(ctx context.Context, actor domain.Actor, registerID string) (string, error) {
	if registerID != "" {
		return registerID, nil
	}
	reg, err := s.repo.EnsureRegister(ctx, actor.OwnerID, registerUserID(actor))
	if err != nil {
		return "", err
	}
	return reg.ID, nil
}

func registerUserID(actor domain.Actor) *string {
	if actor.Role == domain.RoleOwner {
		return nil
	}
	userID := actor.UserID
	return &userID
}

func normalizeVisibility(v domain.Visibility) domain.Visibility {
	switch v.Scope {
	case domain.VisibilityAllUsers:
		v.UserIDs = nil
	case domain.VisibilitySpecificUsers:
		// keep the list
	default:
		v.Scope = domain.VisibilityOwner
		v.UserIDs = nil
	}
	return v
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{UserID: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:         xid.New("audit"),
		OwnerID:    actor.OwnerID,
		ActorID:    actor.UserID,
		ActorRole:  actor.Role,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

func (s *Service) publish(ctx context.Context, actor domain.Actor, action string, entityType string, entityID string) {
	err := s.feed.Publish(ctx, feed.Event{
		OwnerID:    actor.OwnerID,
		ActorID:    actor.UserID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		log.Printf("[feed] WARN: failed to publish %s %s/%s: %v", action, entityType, entityID, err)
	}
}
