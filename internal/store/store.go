package store

import (
	"context"
	"errors"

	"mizan/backend/internal/domain"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrRegisterNotFound       = errors.New("cash register not found")
	ErrInvoiceNotFound        = errors.New("invoice not found")
	ErrProductNotFound        = errors.New("product not found")
	ErrInsufficientBalance    = errors.New("insufficient register balance")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrInconsistentPayment    = errors.New("inconsistent payment state")
	ErrInvalidInput           = errors.New("invalid input")
	ErrConflict               = errors.New("conflict")
)

// Repository is the persistence contract. Every method that touches more
// than one entity runs as a single atomic unit: one database transaction in
// the postgres implementation, one mutex hold in the memory implementation.
// All lookups are scoped by ownerID.
type Repository interface {
	CreateStore(ctx context.Context, st domain.Store) (*domain.Store, error)
	GetStore(ctx context.Context, ownerID string, storeID string) (*domain.Store, error)
	ListStores(ctx context.Context, ownerID string) ([]domain.Store, error)

	CreateSource(ctx context.Context, src domain.Source) (*domain.Source, error)
	GetSource(ctx context.Context, ownerID string, sourceID string) (*domain.Source, error)
	ListSources(ctx context.Context, ownerID string) ([]domain.Source, error)

	CreateCustomer(ctx context.Context, c domain.Customer) (*domain.Customer, error)
	GetCustomer(ctx context.Context, ownerID string, customerID string) (*domain.Customer, error)
	ListCustomers(ctx context.Context, ownerID string) ([]domain.Customer, error)
	UpdateCustomer(ctx context.Context, ownerID string, customerID string, req domain.CustomerUpdateRequest) (*domain.Customer, error)

	ListProducts(ctx context.Context, ownerID string, storeID string) ([]domain.Product, error)
	GetProductByCode(ctx context.Context, ownerID string, storeID string, code int64) (*domain.Product, error)
	NextProductCode(ctx context.Context, ownerID string) (int64, error)
	TransferStock(ctx context.Context, ownerID string, req domain.StockTransferRequest) error

	EnsureRegister(ctx context.Context, ownerID string, userID *string) (*domain.CashRegister, error)
	GetRegister(ctx context.Context, ownerID string, registerID string) (*domain.CashRegister, error)
	ListRegisters(ctx context.Context, ownerID string) ([]domain.CashRegister, error)
	TransferCash(ctx context.Context, transfer domain.CashTransfer) (*domain.CashTransfer, error)
	DeleteCashTransfer(ctx context.Context, ownerID string, transferID string) error
	ListCashTransfers(ctx context.Context, ownerID string) ([]domain.CashTransfer, error)
	RecordExpense(ctx context.Context, expense domain.Expense) (*domain.Expense, error)
	DeleteExpense(ctx context.Context, ownerID string, expenseID string) error
	ListExpenses(ctx context.Context, ownerID string) ([]domain.Expense, error)
	ListMovements(ctx context.Context, ownerID string, registerID string, limit int) ([]domain.CashMovement, error)

	CreateSourceInvoice(ctx context.Context, inv domain.Invoice) (*domain.Invoice, error)
	CreateCustomerInvoice(ctx context.Context, inv domain.Invoice) (*domain.Invoice, error)
	GetInvoice(ctx context.Context, ownerID string, kind string, invoiceID string) (*domain.Invoice, error)
	ListInvoices(ctx context.Context, ownerID string, kind string, partyID string) ([]domain.Invoice, error)
	ReturnInvoice(ctx context.Context, ownerID string, kind string, invoiceID string) error
	// ReturnInvoiceLine removes one line and restores its stock. A nil
	// invoice in the result means the last line was returned and the
	// invoice itself was removed.
	ReturnInvoiceLine(ctx context.Context, ownerID string, kind string, invoiceID string, code int64) (*domain.Invoice, error)

	AllocatePayment(ctx context.Context, payment domain.Payment) (*domain.Payment, error)
	GetPayment(ctx context.Context, ownerID string, paymentID string) (*domain.Payment, error)
	ListPayments(ctx context.Context, ownerID string, kind string, partyID string) ([]domain.Payment, error)
	ReversePayment(ctx context.Context, ownerID string, paymentID string) error
	EditPayment(ctx context.Context, ownerID string, paymentID string, req domain.PaymentEditRequest) (*domain.Payment, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error)
	ListUsers(ctx context.Context, ownerID string) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, ownerID string, limit int) ([]domain.AuditLog, error)
}
