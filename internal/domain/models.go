package domain

import "time"

// Visibility controls which users of an owner account can see an entity.
// Scope is one of VisibilityOwner, VisibilityAllUsers, VisibilitySpecificUsers;
// UserIDs is only populated for the specific-users scope.
type Visibility struct {
	Scope   string   `json:"scope"`
	UserIDs []string `json:"user_ids,omitempty"`
}

type Store struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"owner_id"`
	Name       string     `json:"name"`
	Visibility Visibility `json:"visibility"`
	CreatedAt  time.Time  `json:"created_at"`
}

type StoreCreateRequest struct {
	Name       string     `json:"name"`
	Visibility Visibility `json:"visibility"`
}

// Source is a supplier the business buys goods from.
type Source struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"owner_id"`
	Name       string     `json:"name"`
	Phone      string     `json:"phone"`
	Visibility Visibility `json:"visibility"`
	CreatedAt  time.Time  `json:"created_at"`
}

type SourceCreateRequest struct {
	Name       string     `json:"name"`
	Phone      string     `json:"phone"`
	Visibility Visibility `json:"visibility"`
}

type Customer struct {
	ID               string     `json:"id"`
	OwnerID          string     `json:"owner_id"`
	Name             string     `json:"name"`
	Phone            string     `json:"phone"`
	CreditLimitCents int64      `json:"credit_limit_cents"`
	Visibility       Visibility `json:"visibility"`
	CreatedAt        time.Time  `json:"created_at"`
}

type CustomerCreateRequest struct {
	Name             string     `json:"name"`
	Phone            string     `json:"phone"`
	CreditLimitCents int64      `json:"credit_limit_cents"`
	Visibility       Visibility `json:"visibility"`
}

type CustomerUpdateRequest struct {
	Name             *string `json:"name,omitempty"`
	Phone            *string `json:"phone,omitempty"`
	CreditLimitCents *int64  `json:"credit_limit_cents,omitempty"`
}

// Product is a stock row: one (store, code) pair with its current quantity.
// Codes are unique per owner and survive inter-store transfers, so returns
// can locate goods by code even after they moved.
type Product struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	StoreID    string    `json:"store_id"`
	Code       int64     `json:"code"`
	Name       string    `json:"name"`
	Quantity   int       `json:"quantity"`
	PriceCents int64     `json:"price_cents"`
	CreatedAt  time.Time `json:"created_at"`
}

type InvoiceLine struct {
	Code       int64  `json:"code"`
	Name       string `json:"name"`
	Quantity   int    `json:"quantity"`
	PriceCents int64  `json:"price_cents"`
}

// Invoice covers both kinds of the ledger. Source invoices record goods
// bought from a supplier and carry the Overpaid flag; customer invoices
// record goods sold on credit and carry a Status driven by the customer's
// credit limit.
type Invoice struct {
	ID             string        `json:"id"`
	OwnerID        string        `json:"owner_id"`
	Kind           string        `json:"kind"`
	PartyID        string        `json:"party_id"`
	StoreID        string        `json:"store_id"`
	Lines          []InvoiceLine `json:"lines"`
	TotalCents     int64         `json:"total_cents"`
	PaidCents      int64         `json:"paid_cents"`
	RemainingCents int64         `json:"remaining_cents"`
	Status         string        `json:"status,omitempty"`
	Overpaid       bool          `json:"overpaid,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

type InvoiceCreateRequest struct {
	PartyID   string        `json:"party_id"`
	StoreID   string        `json:"store_id"`
	Lines     []InvoiceLine `json:"lines"`
	PaidCents int64         `json:"paid_cents"`
}

// Payment records a single cash amount spread across one party's open
// invoices. InvoiceIDs keeps the allocation order so a later reversal can
// walk it backwards.
type Payment struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Kind        string    `json:"kind"`
	PartyID     string    `json:"party_id"`
	RegisterID  string    `json:"register_id"`
	AmountCents int64     `json:"amount_cents"`
	InvoiceIDs  []string  `json:"invoice_ids"`
	Note        string    `json:"note,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type PaymentRequest struct {
	PartyID     string `json:"party_id"`
	RegisterID  string `json:"register_id"`
	AmountCents int64  `json:"amount_cents"`
	Note        string `json:"note"`
}

type PaymentEditRequest struct {
	AmountCents int64  `json:"amount_cents"`
	RegisterID  string `json:"register_id"`
}

// CashRegister is a drawer of physical cash. UserID is nil for the owner's
// main register and set for per-staff registers; both are created lazily on
// first reference.
type CashRegister struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	UserID       *string   `json:"user_id,omitempty"`
	Name         string    `json:"name"`
	BalanceCents int64     `json:"balance_cents"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type CashMovement struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	RegisterID  string    `json:"register_id"`
	Flow        string    `json:"flow"`
	Kind        string    `json:"kind"`
	AmountCents int64     `json:"amount_cents"`
	RefID       string    `json:"ref_id,omitempty"`
	RefType     string    `json:"ref_type,omitempty"`
	Note        string    `json:"note,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type CashTransfer struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id"`
	FromRegisterID string    `json:"from_register_id"`
	ToRegisterID   string    `json:"to_register_id"`
	AmountCents    int64     `json:"amount_cents"`
	Note           string    `json:"note,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type CashTransferRequest struct {
	FromRegisterID string `json:"from_register_id"`
	ToRegisterID   string `json:"to_register_id"`
	AmountCents    int64  `json:"amount_cents"`
	Note           string `json:"note"`
}

type Expense struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	RegisterID  string    `json:"register_id"`
	AmountCents int64     `json:"amount_cents"`
	Category    string    `json:"category"`
	Note        string    `json:"note,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type ExpenseRequest struct {
	RegisterID  string `json:"register_id"`
	AmountCents int64  `json:"amount_cents"`
	Category    string `json:"category"`
	Note        string `json:"note"`
}

type StockTransferItem struct {
	Code     int64 `json:"code"`
	Quantity int   `json:"quantity"`
}

type StockTransferRequest struct {
	FromStoreID string              `json:"from_store_id"`
	ToStoreID   string              `json:"to_store_id"`
	Items       []StockTransferItem `json:"items"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

// Actor is the authenticated principal of a request. OwnerID is the account
// whose data the actor may touch; for staff users it differs from UserID.
type Actor struct {
	UserID  string
	OwnerID string
	Role    string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	ID        string
	Username  string
	Password  string
	Role      string
	OwnerID   string
	Active    bool
	CreatedAt time.Time
}

type UserCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type AuditLog struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	ActorID    string    `json:"actor_id"`
	ActorRole  string    `json:"actor_role"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

const (
	InvoiceKindSource   = "source"
	InvoiceKindCustomer = "customer"
)

const (
	InvoiceStatusActive   = "active"
	InvoiceStatusPending  = "pending"
	InvoiceStatusReturned = "returned"
)

const (
	FlowIn  = "in"
	FlowOut = "out"
)

const (
	MovementKindPayment  = "payment"
	MovementKindExpense  = "expense"
	MovementKindTransfer = "transfer"
	MovementKindInvoice  = "invoice"
)

const (
	VisibilityOwner         = "owner"
	VisibilityAllUsers      = "all_users"
	VisibilitySpecificUsers = "specific_users"
)

const (
	RoleOwner = "owner"
	RoleStaff = "staff"
)
