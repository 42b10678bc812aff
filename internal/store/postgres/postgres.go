package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"mizan/backend/internal/domain"
	"mizan/backend/internal/ledger"
	"mizan/backend/internal/store"
	"mizan/backend/internal/xid"
)

// txAttempts bounds the retry loop for serialization failures before the
// operation surfaces ErrConcurrentModification.
const txAttempts = 3

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn in one serializable transaction and retries it on
// serialization failures. fn must not keep state across attempts.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < txAttempts; attempt++ {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return err
		}
		err = fn(tx)
		if err == nil {
			err = tx.Commit()
		}
		if err == nil {
			return nil
		}
		_ = tx.Rollback()
		if !isSerializationFailure(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %v", store.ErrConcurrentModification, lastErr)
}

func (s *Store) CreateStore(ctx context.Context, st domain.Store) (*domain.Store, error) {
	if st.OwnerID == "" || strings.TrimSpace(st.Name) == "" {
		return nil, fmt.Errorf("%w: store name required", store.ErrInvalidInput)
	}
	st.ID = xid.New("store")
	st.CreatedAt = time.Now().UTC()

	userIDs, err := json.Marshal(st.Visibility.UserIDs)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO stores (id, owner_id, name, visibility_scope, visibility_user_ids, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, st.ID, st.OwnerID, st.Name, st.Visibility.Scope, userIDs, st.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) GetStore(ctx context.Context, ownerID string, storeID string) (*domain.Store, error) {
	var st domain.Store
	var userIDs []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, visibility_scope, visibility_user_ids, created_at
		FROM stores
		WHERE id = $1 AND owner_id = $2
	`, storeID, ownerID).Scan(&st.ID, &st.OwnerID, &st.Name, &st.Visibility.Scope, &userIDs, &st.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(userIDs, &st.Visibility.UserIDs); err != nil {
		return nil, err
	}
	st.CreatedAt = st.CreatedAt.UTC()
	return &st, nil
}

func (s *Store) ListStores(ctx context.Context, ownerID string) ([]domain.Store, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, name, visibility_scope, visibility_user_ids, created_at
		FROM stores
		WHERE owner_id = $1
		ORDER BY created_at
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Store, 0, 16)
	for rows.Next() {
		var st domain.Store
		var userIDs []byte
		if err := rows.Scan(&st.ID, &st.OwnerID, &st.Name, &st.Visibility.Scope, &userIDs, &st.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(userIDs, &st.Visibility.UserIDs); err != nil {
			return nil, err
		}
		st.CreatedAt = st.CreatedAt.UTC()
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) CreateSource(ctx context.Context, src domain.Source) (*domain.Source, error) {
	if src.OwnerID == "" || strings.TrimSpace(src.Name) == "" {
		return nil, fmt.Errorf("%w: source name required", store.ErrInvalidInput)
	}
	src.ID = xid.New("source")
	src.CreatedAt = time.Now().UTC()

	userIDs, err := json.Marshal(src.Visibility.UserIDs)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sources (id, owner_id, name, phone, visibility_scope, visibility_user_ids, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, src.ID, src.OwnerID, src.Name, src.Phone, src.Visibility.Scope, userIDs, src.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &src, nil
}

func (s *Store) GetSource(ctx context.Context, ownerID string, sourceID string) (*domain.Source, error) {
	var src domain.Source
	var userIDs []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, phone, visibility_scope, visibility_user_ids, created_at
		FROM sources
		WHERE id = $1 AND owner_id = $2
	`, sourceID, ownerID).Scan(&src.ID, &src.OwnerID, &src.Name, &src.Phone, &src.Visibility.Scope, &userIDs, &src.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(userIDs, &src.Visibility.UserIDs); err != nil {
		return nil, err
	}
	src.CreatedAt = src.CreatedAt.UTC()
	return &src, nil
}

func (s *Store) ListSources(ctx context.Context, ownerID string) ([]domain.Source, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, name, phone, visibility_scope, visibility_user_ids, created_at
		FROM sources
		WHERE owner_id = $1
		ORDER BY created_at
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Source, 0, 32)
	for rows.Next() {
		var src domain.Source
		var userIDs []byte
		if err := rows.Scan(&src.ID, &src.OwnerID, &src.Name, &src.Phone, &src.Visibility.Scope, &userIDs, &src.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(userIDs, &src.Visibility.UserIDs); err != nil {
			return nil, err
		}
		src.CreatedAt = src.CreatedAt.UTC()
		out = append(out, src)
	}
	return out, rows.Err()
}

func (s *Store) CreateCustomer(ctx context.Context, c domain.Customer) (*domain.Customer, error) {
	if c.OwnerID == "" || strings.TrimSpace(c.Name) == "" {
		return nil, fmt.Errorf("%w: customer name required", store.ErrInvalidInput)
	}
	if c.CreditLimitCents < 0 {
		return nil, fmt.Errorf("%w: credit limit must not be negative", store.ErrInvalidAmount)
	}
	c.ID = xid.New("customer")
	c.CreatedAt = time.Now().UTC()

	userIDs, err := json.Marshal(c.Visibility.UserIDs)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO customers (id, owner_id, name, phone, credit_limit_cents, visibility_scope, visibility_user_ids, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, c.ID, c.OwnerID, c.Name, c.Phone, c.CreditLimitCents, c.Visibility.Scope, userIDs, c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) GetCustomer(ctx context.Context, ownerID string, customerID string) (*domain.Customer, error) {
	var c domain.Customer
	var userIDs []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, phone, credit_limit_cents, visibility_scope, visibility_user_ids, created_at
		FROM customers
		WHERE id = $1 AND owner_id = $2
	`, customerID, ownerID).Scan(&c.ID, &c.OwnerID, &c.Name, &c.Phone, &c.CreditLimitCents, &c.Visibility.Scope, &userIDs, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(userIDs, &c.Visibility.UserIDs); err != nil {
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

func (s *Store) ListCustomers(ctx context.Context, ownerID string) ([]domain.Customer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, name, phone, credit_limit_cents, visibility_scope, visibility_user_ids, created_at
		FROM customers
		WHERE owner_id = $1
		ORDER BY created_at
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Customer, 0, 32)
	for rows.Next() {
		var c domain.Customer
		var userIDs []byte
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Name, &c.Phone, &c.CreditLimitCents, &c.Visibility.Scope, &userIDs, &c.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(userIDs, &c.Visibility.UserIDs); err != nil {
			return nil, err
		}
		c.CreatedAt = c.CreatedAt.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateCustomer(ctx context.Context, ownerID string, customerID string, req domain.CustomerUpdateRequest) (*domain.Customer, error) {
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		return nil, fmt.Errorf("%w: customer name required", store.ErrInvalidInput)
	}
	if req.CreditLimitCents != nil && *req.CreditLimitCents < 0 {
		return nil, fmt.Errorf("%w: credit limit must not be negative", store.ErrInvalidAmount)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE customers
		SET name = COALESCE($3, name),
			phone = COALESCE($4, phone),
			credit_limit_cents = COALESCE($5, credit_limit_cents)
		WHERE id = $1 AND owner_id = $2
	`, customerID, ownerID, req.Name, req.Phone, req.CreditLimitCents)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetCustomer(ctx, ownerID, customerID)
}

func (s *Store) ListProducts(ctx context.Context, ownerID string, storeID string) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, store_id, code, name, quantity, price_cents, created_at
		FROM products
		WHERE owner_id = $1 AND ($2 = '' OR store_id = $2)
		ORDER BY code, store_id
	`, ownerID, storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.StoreID, &p.Code, &p.Name, &p.Quantity, &p.PriceCents, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt = p.CreatedAt.UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) GetProductByCode(ctx context.Context, ownerID string, storeID string, code int64) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, store_id, code, name, quantity, price_cents, created_at
		FROM products
		WHERE owner_id = $1 AND store_id = $2 AND code = $3
	`, ownerID, storeID, code).Scan(&p.ID, &p.OwnerID, &p.StoreID, &p.Code, &p.Name, &p.Quantity, &p.PriceCents, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrProductNotFound
		}
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

func (s *Store) NextProductCode(ctx context.Context, ownerID string) (int64, error) {
	var maxCode int64
	err := s.db.QueryRowContext(ctx, `
		SELECT GREATEST(
			1000,
			COALESCE((
				SELECT MAX((line->>'code')::bigint)
				FROM invoices, jsonb_array_elements(lines) AS line
				WHERE owner_id = $1 AND kind = 'source'
			), 0),
			COALESCE((SELECT MAX(code) FROM products WHERE owner_id = $1), 0)
		)
	`, ownerID).Scan(&maxCode)
	if err != nil {
		return 0, err
	}
	return maxCode + 1, nil
}

func (s *Store) TransferStock(ctx context.Context, ownerID string, req domain.StockTransferRequest) error {
	if req.FromStoreID == "" || req.ToStoreID == "" || req.FromStoreID == req.ToStoreID {
		return fmt.Errorf("%w: transfer requires two distinct stores", store.ErrInvalidInput)
	}
	if len(req.Items) == 0 {
		return fmt.Errorf("%w: transfer requires items", store.ErrInvalidInput)
	}
	for _, item := range req.Items {
		if item.Quantity < 1 {
			return fmt.Errorf("%w: transfer quantity must be positive", store.ErrInvalidAmount)
		}
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, item := range req.Items {
			src, err := getRowForUpdate(ctx, tx, ownerID, req.FromStoreID, item.Code)
			if err != nil {
				return err
			}
			if src.Quantity < item.Quantity {
				return fmt.Errorf("%w: code %d has %d, need %d", store.ErrInsufficientStock, item.Code, src.Quantity, item.Quantity)
			}
			if err := adjustRow(ctx, tx, src.ID, -item.Quantity); err != nil {
				return err
			}
			line := domain.InvoiceLine{Code: src.Code, Name: src.Name, Quantity: item.Quantity, PriceCents: src.PriceCents}
			if err := receiveStock(ctx, tx, ownerID, req.ToStoreID, line); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) EnsureRegister(ctx context.Context, ownerID string, userID *string) (*domain.CashRegister, error) {
	var reg *domain.CashRegister
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		reg, err = ensureRegister(ctx, tx, ownerID, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return reg, nil
}

func (s *Store) GetRegister(ctx context.Context, ownerID string, registerID string) (*domain.CashRegister, error) {
	var reg domain.CashRegister
	var userID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, user_id, name, balance_cents, created_at, updated_at
		FROM cash_registers
		WHERE id = $1 AND owner_id = $2
	`, registerID, ownerID).Scan(&reg.ID, &reg.OwnerID, &userID, &reg.Name, &reg.BalanceCents, &reg.CreatedAt, &reg.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrRegisterNotFound
		}
		return nil, err
	}
	if userID.Valid {
		reg.UserID = &userID.String
	}
	reg.CreatedAt = reg.CreatedAt.UTC()
	reg.UpdatedAt = reg.UpdatedAt.UTC()
	return &reg, nil
}

func (s *Store) ListRegisters(ctx context.Context, ownerID string) ([]domain.CashRegister, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, user_id, name, balance_cents, created_at, updated_at
		FROM cash_registers
		WHERE owner_id = $1
		ORDER BY created_at
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.CashRegister, 0, 8)
	for rows.Next() {
		var reg domain.CashRegister
		var userID sql.NullString
		if err := rows.Scan(&reg.ID, &reg.OwnerID, &userID, &reg.Name, &reg.BalanceCents, &reg.CreatedAt, &reg.UpdatedAt); err != nil {
			return nil, err
		}
		if userID.Valid {
			reg.UserID = &userID.String
		}
		reg.CreatedAt = reg.CreatedAt.UTC()
		reg.UpdatedAt = reg.UpdatedAt.UTC()
		out = append(out, reg)
	}
	return out, rows.Err()
}

func (s *Store) TransferCash(ctx context.Context, transfer domain.CashTransfer) (*domain.CashTransfer, error) {
	if transfer.AmountCents < 1 {
		return nil, fmt.Errorf("%w: transfer amount must be positive", store.ErrInvalidAmount)
	}
	if transfer.FromRegisterID == transfer.ToRegisterID {
		return nil, fmt.Errorf("%w: transfer requires two distinct registers", store.ErrInvalidInput)
	}

	transfer.ID = xid.New("transfer")
	transfer.CreatedAt = time.Now().UTC()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		from, err := getRegisterForUpdate(ctx, tx, transfer.OwnerID, transfer.FromRegisterID)
		if err != nil {
			return err
		}
		if _, err := getRegisterForUpdate(ctx, tx, transfer.OwnerID, transfer.ToRegisterID); err != nil {
			return err
		}
		if from.BalanceCents < transfer.AmountCents {
			return fmt.Errorf("%w: register %s has %d, need %d", store.ErrInsufficientBalance, from.ID, from.BalanceCents, transfer.AmountCents)
		}
		if err := adjustRegister(ctx, tx, transfer.FromRegisterID, -transfer.AmountCents); err != nil {
			return err
		}
		if err := adjustRegister(ctx, tx, transfer.ToRegisterID, transfer.AmountCents); err != nil {
			return err
		}
		if err := recordMovement(ctx, tx, transfer.OwnerID, transfer.FromRegisterID, domain.FlowOut, domain.MovementKindTransfer, transfer.AmountCents, transfer.ID, "transfer", transfer.Note); err != nil {
			return err
		}
		if err := recordMovement(ctx, tx, transfer.OwnerID, transfer.ToRegisterID, domain.FlowIn, domain.MovementKindTransfer, transfer.AmountCents, transfer.ID, "transfer", transfer.Note); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO cash_transfers (id, owner_id, from_register_id, to_register_id, amount_cents, note, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, transfer.ID, transfer.OwnerID, transfer.FromRegisterID, transfer.ToRegisterID, transfer.AmountCents, transfer.Note, transfer.CreatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &transfer, nil
}

func (s *Store) DeleteCashTransfer(ctx context.Context, ownerID string, transferID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var transfer domain.CashTransfer
		err := tx.QueryRowContext(ctx, `
			SELECT id, owner_id, from_register_id, to_register_id, amount_cents
			FROM cash_transfers
			WHERE id = $1 AND owner_id = $2
			FOR UPDATE
		`, transferID, ownerID).Scan(&transfer.ID, &transfer.OwnerID, &transfer.FromRegisterID, &transfer.ToRegisterID, &transfer.AmountCents)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			return err
		}

		to, err := getRegisterForUpdate(ctx, tx, ownerID, transfer.ToRegisterID)
		if err != nil {
			return err
		}
		if to.BalanceCents < transfer.AmountCents {
			return fmt.Errorf("%w: register %s has %d, need %d to undo transfer", store.ErrInsufficientBalance, to.ID, to.BalanceCents, transfer.AmountCents)
		}
		if err := adjustRegister(ctx, tx, transfer.ToRegisterID, -transfer.AmountCents); err != nil {
			return err
		}
		if err := adjustRegister(ctx, tx, transfer.FromRegisterID, transfer.AmountCents); err != nil {
			return err
		}
		if err := deleteMovementsByRef(ctx, tx, transferID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM cash_transfers WHERE id = $1`, transferID)
		return err
	})
}

func (s *Store) ListCashTransfers(ctx context.Context, ownerID string) ([]domain.CashTransfer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, from_register_id, to_register_id, amount_cents, note, created_at
		FROM cash_transfers
		WHERE owner_id = $1
		ORDER BY created_at
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.CashTransfer, 0, 32)
	for rows.Next() {
		var t domain.CashTransfer
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.FromRegisterID, &t.ToRegisterID, &t.AmountCents, &t.Note, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.CreatedAt = t.CreatedAt.UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) RecordExpense(ctx context.Context, expense domain.Expense) (*domain.Expense, error) {
	if expense.AmountCents < 1 {
		return nil, fmt.Errorf("%w: expense amount must be positive", store.ErrInvalidAmount)
	}

	expense.ID = xid.New("expense")
	expense.CreatedAt = time.Now().UTC()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		reg, err := getRegisterForUpdate(ctx, tx, expense.OwnerID, expense.RegisterID)
		if err != nil {
			return err
		}
		if reg.BalanceCents < expense.AmountCents {
			return fmt.Errorf("%w: register %s has %d, need %d", store.ErrInsufficientBalance, reg.ID, reg.BalanceCents, expense.AmountCents)
		}
		if err := adjustRegister(ctx, tx, expense.RegisterID, -expense.AmountCents); err != nil {
			return err
		}
		if err := recordMovement(ctx, tx, expense.OwnerID, expense.RegisterID, domain.FlowOut, domain.MovementKindExpense, expense.AmountCents, expense.ID, "expense", expense.Note); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO expenses (id, owner_id, register_id, amount_cents, category, note, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, expense.ID, expense.OwnerID, expense.RegisterID, expense.AmountCents, expense.Category, expense.Note, expense.CreatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &expense, nil
}

func (s *Store) DeleteExpense(ctx context.Context, ownerID string, expenseID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var registerID string
		var amount int64
		err := tx.QueryRowContext(ctx, `
			SELECT register_id, amount_cents
			FROM expenses
			WHERE id = $1 AND owner_id = $2
			FOR UPDATE
		`, expenseID, ownerID).Scan(&registerID, &amount)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			return err
		}
		if _, err := getRegisterForUpdate(ctx, tx, ownerID, registerID); err != nil {
			return err
		}
		if err := adjustRegister(ctx, tx, registerID, amount); err != nil {
			return err
		}
		if err := deleteMovementsByRef(ctx, tx, expenseID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM expenses WHERE id = $1`, expenseID)
		return err
	})
}

func (s *Store) ListExpenses(ctx context.Context, ownerID string) ([]domain.Expense, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, register_id, amount_cents, category, note, created_at
		FROM expenses
		WHERE owner_id = $1
		ORDER BY created_at
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Expense, 0, 32)
	for rows.Next() {
		var e domain.Expense
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.RegisterID, &e.AmountCents, &e.Category, &e.Note, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ListMovements(ctx context.Context, ownerID string, registerID string, limit int) ([]domain.CashMovement, error) {
	if limit < 1 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, register_id, flow, kind, amount_cents, ref_id, ref_type, note, created_at
		FROM cash_movements
		WHERE owner_id = $1 AND ($2 = '' OR register_id = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, ownerID, registerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.CashMovement, 0, limit)
	for rows.Next() {
		var m domain.CashMovement
		if err := rows.Scan(&m.ID, &m.OwnerID, &m.RegisterID, &m.Flow, &m.Kind, &m.AmountCents, &m.RefID, &m.RefType, &m.Note, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) CreateSourceInvoice(ctx context.Context, inv domain.Invoice) (*domain.Invoice, error) {
	if err := validateLines(inv.Lines); err != nil {
		return nil, err
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

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM sources WHERE id = $1 AND owner_id = $2)
		`, inv.PartyID, inv.OwnerID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: source %s", store.ErrNotFound, inv.PartyID)
		}
		// Goods arrive from the supplier: merge each line into the stock rows.
		for _, line := range inv.Lines {
			if err := receiveStock(ctx, tx, inv.OwnerID, inv.StoreID, line); err != nil {
				return err
			}
		}
		return insertInvoice(ctx, tx, inv)
	})
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (s *Store) CreateCustomerInvoice(ctx context.Context, inv domain.Invoice) (*domain.Invoice, error) {
	if err := validateLines(inv.Lines); err != nil {
		return nil, err
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

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var creditLimit int64
		err := tx.QueryRowContext(ctx, `
			SELECT credit_limit_cents FROM customers WHERE id = $1 AND owner_id = $2
		`, inv.PartyID, inv.OwnerID).Scan(&creditLimit)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: customer %s", store.ErrNotFound, inv.PartyID)
			}
			return err
		}

		inv.Status = ledger.CustomerStatus(inv.RemainingCents, creditLimit)
		if inv.Status == domain.InvoiceStatusActive {
			// Goods leave for the customer only while the invoice is active.
			for _, line := range inv.Lines {
				if err := applyStock(ctx, tx, inv.OwnerID, inv.StoreID, line.Code, line.Quantity); err != nil {
					return err
				}
			}
		}

		// Cash handed over against a pending invoice sits on the invoice
		// itself; the main register is credited only for active ones.
		if inv.Status == domain.InvoiceStatusActive && inv.PaidCents > 0 {
			reg, err := ensureRegister(ctx, tx, inv.OwnerID, nil)
			if err != nil {
				return err
			}
			if err := adjustRegister(ctx, tx, reg.ID, inv.PaidCents); err != nil {
				return err
			}
		}
		return insertInvoice(ctx, tx, inv)
	})
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (s *Store) GetInvoice(ctx context.Context, ownerID string, kind string, invoiceID string) (*domain.Invoice, error) {
	inv, err := scanInvoice(s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, kind, party_id, store_id, lines, total_cents, paid_cents, remaining_cents, status, overpaid, created_at, updated_at
		FROM invoices
		WHERE id = $1 AND owner_id = $2 AND kind = $3
	`, invoiceID, ownerID, kind))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrInvoiceNotFound
		}
		return nil, err
	}
	return inv, nil
}

func (s *Store) ListInvoices(ctx context.Context, ownerID string, kind string, partyID string) ([]domain.Invoice, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, kind, party_id, store_id, lines, total_cents, paid_cents, remaining_cents, status, overpaid, created_at, updated_at
		FROM invoices
		WHERE owner_id = $1 AND kind = $2 AND ($3 = '' OR party_id = $3)
		ORDER BY created_at
	`, ownerID, kind, partyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Invoice, 0, 64)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inv)
	}
	return out, rows.Err()
}

func (s *Store) ReturnInvoice(ctx context.Context, ownerID string, kind string, invoiceID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		inv, err := getInvoiceForUpdate(ctx, tx, ownerID, kind, invoiceID)
		if err != nil {
			return err
		}

		switch kind {
		case domain.InvoiceKindSource:
			// Goods go back to the supplier. Rows are matched by code alone
			// so stock that migrated to another store is still withdrawn.
			for _, line := range inv.Lines {
				if err := withdrawStockByCode(ctx, tx, ownerID, line.Code, line.Quantity); err != nil {
					return err
				}
			}
			_, err = tx.ExecContext(ctx, `DELETE FROM invoices WHERE id = $1`, invoiceID)
			return err
		case domain.InvoiceKindCustomer:
			if inv.Status == domain.InvoiceStatusReturned {
				return fmt.Errorf("%w: invoice already returned", store.ErrInvalidInput)
			}
			if inv.Status == domain.InvoiceStatusActive {
				for _, line := range inv.Lines {
					if err := releaseStock(ctx, tx, ownerID, inv.StoreID, line); err != nil {
						return err
					}
				}
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE invoices
				SET status = $2, remaining_cents = 0, updated_at = now()
				WHERE id = $1
			`, invoiceID, domain.InvoiceStatusReturned)
			return err
		default:
			return fmt.Errorf("%w: unknown invoice kind %q", store.ErrInvalidInput, kind)
		}
	})
}

func (s *Store) ReturnInvoiceLine(ctx context.Context, ownerID string, kind string, invoiceID string, code int64) (*domain.Invoice, error) {
	var result *domain.Invoice
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result = nil
		inv, err := getInvoiceForUpdate(ctx, tx, ownerID, kind, invoiceID)
		if err != nil {
			return err
		}
		if inv.Status == domain.InvoiceStatusReturned {
			return fmt.Errorf("%w: invoice already returned", store.ErrInvalidInput)
		}

		idx := -1
		for i, line := range inv.Lines {
			if line.Code == code {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("%w: line with code %d", store.ErrNotFound, code)
		}
		line := inv.Lines[idx]

		switch kind {
		case domain.InvoiceKindSource:
			if err := withdrawStockByCode(ctx, tx, ownerID, line.Code, line.Quantity); err != nil {
				return err
			}
		case domain.InvoiceKindCustomer:
			if inv.Status == domain.InvoiceStatusActive {
				if err := releaseStock(ctx, tx, ownerID, inv.StoreID, line); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("%w: unknown invoice kind %q", store.ErrInvalidInput, kind)
		}

		inv.Lines = append(inv.Lines[:idx], inv.Lines[idx+1:]...)
		if len(inv.Lines) == 0 {
			_, err = tx.ExecContext(ctx, `DELETE FROM invoices WHERE id = $1`, invoiceID)
			return err
		}

		inv.TotalCents = ledger.InvoiceTotal(inv.Lines)
		inv.RemainingCents = inv.TotalCents - inv.PaidCents
		inv.Overpaid = kind == domain.InvoiceKindSource && inv.PaidCents > inv.TotalCents
		if inv.RemainingCents < 0 {
			inv.RemainingCents = 0
		}

		if kind == domain.InvoiceKindCustomer {
			if err := syncCustomerStatus(ctx, tx, inv); err != nil {
				return err
			}
		}
		if err := updateInvoice(ctx, tx, *inv); err != nil {
			return err
		}
		result = inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) AllocatePayment(ctx context.Context, payment domain.Payment) (*domain.Payment, error) {
	if payment.AmountCents < 1 {
		return nil, fmt.Errorf("%w: payment amount must be positive", store.ErrInvalidAmount)
	}
	if payment.Kind != domain.InvoiceKindSource && payment.Kind != domain.InvoiceKindCustomer {
		return nil, fmt.Errorf("%w: unknown payment kind %q", store.ErrInvalidInput, payment.Kind)
	}

	payment.ID = xid.New("pay")
	payment.CreatedAt = time.Now().UTC()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		payment.InvoiceIDs = nil

		reg, err := getRegisterForUpdate(ctx, tx, payment.OwnerID, payment.RegisterID)
		if err != nil {
			return err
		}

		open, err := openInvoicesForUpdate(ctx, tx, payment.OwnerID, payment.Kind, payment.PartyID)
		if err != nil {
			return err
		}
		if payment.AmountCents > ledger.TotalRemaining(open) {
			return fmt.Errorf("%w: amount exceeds total remaining", store.ErrInvalidAmount)
		}

		if payment.Kind == domain.InvoiceKindSource {
			// Paying a supplier takes cash out of the register.
			if reg.BalanceCents < payment.AmountCents {
				return fmt.Errorf("%w: register %s has %d, need %d", store.ErrInsufficientBalance, reg.ID, reg.BalanceCents, payment.AmountCents)
			}
			if err := adjustRegister(ctx, tx, reg.ID, -payment.AmountCents); err != nil {
				return err
			}
		} else {
			if err := adjustRegister(ctx, tx, reg.ID, payment.AmountCents); err != nil {
				return err
			}
		}

		allocations, _ := ledger.DistributePayment(open, payment.AmountCents)
		for _, alloc := range allocations {
			if err := applyAllocation(ctx, tx, alloc.InvoiceID, alloc.AmountCents); err != nil {
				return err
			}
			payment.InvoiceIDs = append(payment.InvoiceIDs, alloc.InvoiceID)
		}

		if payment.Kind == domain.InvoiceKindSource {
			// Supplier payments leave an audit trail in the movement log;
			// customer payments deliberately do not.
			if err := recordMovement(ctx, tx, payment.OwnerID, reg.ID, domain.FlowOut, domain.MovementKindPayment, payment.AmountCents, payment.ID, "payment", payment.Note); err != nil {
				return err
			}
		}
		return insertPayment(ctx, tx, payment)
	})
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (s *Store) GetPayment(ctx context.Context, ownerID string, paymentID string) (*domain.Payment, error) {
	p, err := scanPayment(s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, kind, party_id, register_id, amount_cents, invoice_ids, note, created_at
		FROM payments
		WHERE id = $1 AND owner_id = $2
	`, paymentID, ownerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func (s *Store) ListPayments(ctx context.Context, ownerID string, kind string, partyID string) ([]domain.Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, kind, party_id, register_id, amount_cents, invoice_ids, note, created_at
		FROM payments
		WHERE owner_id = $1 AND ($2 = '' OR kind = $2) AND ($3 = '' OR party_id = $3)
		ORDER BY created_at
	`, ownerID, kind, partyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Payment, 0, 64)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *Store) ReversePayment(ctx context.Context, ownerID string, paymentID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		p, err := getPaymentForUpdate(ctx, tx, ownerID, paymentID)
		if err != nil {
			return err
		}

		reg, err := getRegisterForUpdate(ctx, tx, ownerID, p.RegisterID)
		if err != nil {
			return err
		}
		if p.Kind == domain.InvoiceKindCustomer && reg.BalanceCents < p.AmountCents {
			return fmt.Errorf("%w: register %s has %d, need %d to reverse payment", store.ErrInsufficientBalance, reg.ID, reg.BalanceCents, p.AmountCents)
		}

		if err := reverseAllocations(ctx, tx, *p, p.AmountCents); err != nil {
			return err
		}

		delta := p.AmountCents
		if p.Kind == domain.InvoiceKindCustomer {
			delta = -delta
		}
		if err := adjustRegister(ctx, tx, reg.ID, delta); err != nil {
			return err
		}
		if err := deleteMovementsByRef(ctx, tx, paymentID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM payments WHERE id = $1`, paymentID)
		return err
	})
}

func (s *Store) EditPayment(ctx context.Context, ownerID string, paymentID string, req domain.PaymentEditRequest) (*domain.Payment, error) {
	if req.AmountCents < 1 {
		return nil, fmt.Errorf("%w: payment amount must be positive", store.ErrInvalidAmount)
	}

	var result *domain.Payment
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		p, err := getPaymentForUpdate(ctx, tx, ownerID, paymentID)
		if err != nil {
			return err
		}

		newRegisterID := p.RegisterID
		if req.RegisterID != "" {
			newRegisterID = req.RegisterID
		}
		oldReg, err := getRegisterForUpdate(ctx, tx, ownerID, p.RegisterID)
		if err != nil {
			return err
		}
		newReg := oldReg
		if newRegisterID != p.RegisterID {
			newReg, err = getRegisterForUpdate(ctx, tx, ownerID, newRegisterID)
			if err != nil {
				return err
			}
		}

		delta := req.AmountCents - p.AmountCents
		if newRegisterID == p.RegisterID {
			if p.Kind == domain.InvoiceKindSource && delta > 0 && oldReg.BalanceCents < delta {
				return fmt.Errorf("%w: register %s has %d, need %d", store.ErrInsufficientBalance, oldReg.ID, oldReg.BalanceCents, delta)
			}
			if p.Kind == domain.InvoiceKindCustomer && delta < 0 && oldReg.BalanceCents < -delta {
				return fmt.Errorf("%w: register %s has %d, need %d to reverse payment", store.ErrInsufficientBalance, oldReg.ID, oldReg.BalanceCents, -delta)
			}
		} else {
			if p.Kind == domain.InvoiceKindSource && newReg.BalanceCents < req.AmountCents {
				return fmt.Errorf("%w: register %s has %d, need %d", store.ErrInsufficientBalance, newReg.ID, newReg.BalanceCents, req.AmountCents)
			}
			if p.Kind == domain.InvoiceKindCustomer && oldReg.BalanceCents < p.AmountCents {
				return fmt.Errorf("%w: register %s has %d, need %d to move payment", store.ErrInsufficientBalance, oldReg.ID, oldReg.BalanceCents, p.AmountCents)
			}
		}

		switch {
		case delta > 0:
			open, err := openInvoicesForUpdate(ctx, tx, p.OwnerID, p.Kind, p.PartyID)
			if err != nil {
				return err
			}
			if delta > ledger.TotalRemaining(open) {
				return fmt.Errorf("%w: amount exceeds total remaining", store.ErrInvalidAmount)
			}
			allocations, _ := ledger.DistributePayment(open, delta)
			for _, alloc := range allocations {
				if err := applyAllocation(ctx, tx, alloc.InvoiceID, alloc.AmountCents); err != nil {
					return err
				}
				if !containsString(p.InvoiceIDs, alloc.InvoiceID) {
					p.InvoiceIDs = append(p.InvoiceIDs, alloc.InvoiceID)
				}
			}
		case delta < 0:
			if err := reverseAllocations(ctx, tx, *p, -delta); err != nil {
				return err
			}
		}

		if newRegisterID == p.RegisterID {
			regDelta := -delta
			if p.Kind == domain.InvoiceKindCustomer {
				regDelta = delta
			}
			if err := adjustRegister(ctx, tx, oldReg.ID, regDelta); err != nil {
				return err
			}
		} else {
			// Register switch: refund the old register in full, then charge
			// the new one in full.
			oldDelta, newDelta := p.AmountCents, -req.AmountCents
			if p.Kind == domain.InvoiceKindCustomer {
				oldDelta, newDelta = -p.AmountCents, req.AmountCents
			}
			if err := adjustRegister(ctx, tx, oldReg.ID, oldDelta); err != nil {
				return err
			}
			if err := adjustRegister(ctx, tx, newReg.ID, newDelta); err != nil {
				return err
			}
		}

		p.AmountCents = req.AmountCents
		p.RegisterID = newRegisterID

		if p.Kind == domain.InvoiceKindSource {
			if err := deleteMovementsByRef(ctx, tx, p.ID); err != nil {
				return err
			}
			if err := recordMovement(ctx, tx, p.OwnerID, p.RegisterID, domain.FlowOut, domain.MovementKindPayment, p.AmountCents, p.ID, "payment", p.Note); err != nil {
				return err
			}
		}

		invoiceIDs, err := json.Marshal(p.InvoiceIDs)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE payments
			SET amount_cents = $2, register_id = $3, invoice_ids = $4
			WHERE id = $1
		`, p.ID, p.AmountCents, p.RegisterID, invoiceIDs); err != nil {
			return err
		}
		result = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return fmt.Errorf("%w: username and password required", store.ErrInvalidInput)
	}
	if user.ID == "" {
		user.ID = xid.New("user")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password, role, owner_id, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, user.ID, user.Username, user.Password, user.Role, user.OwnerID, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: username %s taken", store.ErrConflict, user.Username)
		}
		return err
	}
	return nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error) {
	var u domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password, role, owner_id, active, created_at
		FROM users
		WHERE username = $1
	`, username).Scan(&u.ID, &u.Username, &u.Password, &u.Role, &u.OwnerID, &u.Active, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

func (s *Store) ListUsers(ctx context.Context, ownerID string) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, password, role, owner_id, active, created_at
		FROM users
		WHERE owner_id = $1
		ORDER BY created_at
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.ID, &u.Username, &u.Password, &u.Role, &u.OwnerID, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.CreatedAt = u.CreatedAt.UTC()
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password = $2 WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, owner_id, actor_id, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.OwnerID, entry.ActorID, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, ownerID string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, actor_id, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.OwnerID, &entry.ActorID, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		out = append(out, entry)
	}
	return out, rows.Err()
}

// --- transaction helpers ---

func ensureRegister(ctx context.Context, tx *sql.Tx, ownerID string, userID *string) (*domain.CashRegister, error) {
	var reg domain.CashRegister
	var scanned sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT id, owner_id, user_id, name, balance_cents, created_at, updated_at
		FROM cash_registers
		WHERE owner_id = $1 AND user_id IS NOT DISTINCT FROM $2
		FOR UPDATE
	`, ownerID, nullIfNilString(userID)).Scan(&reg.ID, &reg.OwnerID, &scanned, &reg.Name, &reg.BalanceCents, &reg.CreatedAt, &reg.UpdatedAt)
	if err == nil {
		if scanned.Valid {
			reg.UserID = &scanned.String
		}
		reg.CreatedAt = reg.CreatedAt.UTC()
		reg.UpdatedAt = reg.UpdatedAt.UTC()
		return &reg, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	name := "Main Register"
	if userID != nil {
		name = "Staff Register"
	}
	now := time.Now().UTC()
	reg = domain.CashRegister{
		ID:        xid.New("reg"),
		OwnerID:   ownerID,
		UserID:    userID,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO cash_registers (id, owner_id, user_id, name, balance_cents, created_at, updated_at)
		VALUES ($1,$2,$3,$4,0,$5,$5)
	`, reg.ID, reg.OwnerID, nullIfNilString(reg.UserID), reg.Name, reg.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &reg, nil
}

func getRegisterForUpdate(ctx context.Context, tx *sql.Tx, ownerID string, registerID string) (*domain.CashRegister, error) {
	var reg domain.CashRegister
	var userID sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT id, owner_id, user_id, name, balance_cents, created_at, updated_at
		FROM cash_registers
		WHERE id = $1 AND owner_id = $2
		FOR UPDATE
	`, registerID, ownerID).Scan(&reg.ID, &reg.OwnerID, &userID, &reg.Name, &reg.BalanceCents, &reg.CreatedAt, &reg.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrRegisterNotFound, registerID)
		}
		return nil, err
	}
	if userID.Valid {
		reg.UserID = &userID.String
	}
	reg.CreatedAt = reg.CreatedAt.UTC()
	reg.UpdatedAt = reg.UpdatedAt.UTC()
	return &reg, nil
}

func adjustRegister(ctx context.Context, tx *sql.Tx, registerID string, delta int64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE cash_registers SET balance_cents = balance_cents + $2, updated_at = now() WHERE id = $1
	`, registerID, delta)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", store.ErrRegisterNotFound, registerID)
	}
	return nil
}

func getRowForUpdate(ctx context.Context, tx *sql.Tx, ownerID string, storeID string, code int64) (*domain.Product, error) {
	var p domain.Product
	err := tx.QueryRowContext(ctx, `
		SELECT id, owner_id, store_id, code, name, quantity, price_cents, created_at
		FROM products
		WHERE owner_id = $1 AND store_id = $2 AND code = $3
		FOR UPDATE
	`, ownerID, storeID, code).Scan(&p.ID, &p.OwnerID, &p.StoreID, &p.Code, &p.Name, &p.Quantity, &p.PriceCents, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: code %d in store %s", store.ErrProductNotFound, code, storeID)
		}
		return nil, err
	}
	return &p, nil
}

func adjustRow(ctx context.Context, tx *sql.Tx, productID string, delta int) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE products SET quantity = quantity + $2 WHERE id = $1
	`, productID, delta); err != nil {
		return err
	}
	// Zero-quantity rows are purged so code lookups never land on husks.
	_, err := tx.ExecContext(ctx, `DELETE FROM products WHERE id = $1 AND quantity <= 0`, productID)
	return err
}

func receiveStock(ctx context.Context, tx *sql.Tx, ownerID string, storeID string, line domain.InvoiceLine) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO products (id, owner_id, store_id, code, name, quantity, price_cents, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now())
		ON CONFLICT (owner_id, store_id, code)
		DO UPDATE SET quantity = products.quantity + EXCLUDED.quantity
	`, xid.New("prod"), ownerID, storeID, line.Code, line.Name, line.Quantity, line.PriceCents)
	return err
}

func applyStock(ctx context.Context, tx *sql.Tx, ownerID string, storeID string, code int64, qty int) error {
	p, err := getRowForUpdate(ctx, tx, ownerID, storeID, code)
	if err != nil {
		return err
	}
	if p.Quantity < qty {
		return fmt.Errorf("%w: code %d has %d, need %d", store.ErrInsufficientStock, code, p.Quantity, qty)
	}
	return adjustRow(ctx, tx, p.ID, -qty)
}

// releaseStock puts goods back after a customer return or a pending
// transition. The oldest row carrying the code is topped up wherever it
// lives; if no row is left the line is recreated at its invoice's store.
func releaseStock(ctx context.Context, tx *sql.Tx, ownerID string, storeID string, line domain.InvoiceLine) error {
	var productID string
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM products
		WHERE owner_id = $1 AND code = $2
		ORDER BY created_at, id
		LIMIT 1
		FOR UPDATE
	`, ownerID, line.Code).Scan(&productID)
	if err == nil {
		return adjustRow(ctx, tx, productID, line.Quantity)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	return receiveStock(ctx, tx, ownerID, storeID, line)
}

// withdrawStockByCode removes goods going back to a supplier. Rows are
// matched by code across all stores and drained oldest first, clamped at
// what is actually on hand.
func withdrawStockByCode(ctx context.Context, tx *sql.Tx, ownerID string, code int64, qty int) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, quantity FROM products
		WHERE owner_id = $1 AND code = $2
		ORDER BY created_at, id
		FOR UPDATE
	`, ownerID, code)
	if err != nil {
		return err
	}
	type row struct {
		id  string
		qty int
	}
	matches := make([]row, 0, 2)
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.qty); err != nil {
			rows.Close()
			return err
		}
		matches = append(matches, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	remaining := qty
	for _, r := range matches {
		if remaining <= 0 {
			break
		}
		take := r.qty
		if take > remaining {
			take = remaining
		}
		if err := adjustRow(ctx, tx, r.id, -take); err != nil {
			return err
		}
		remaining -= take
	}
	return nil
}

func insertInvoice(ctx context.Context, tx *sql.Tx, inv domain.Invoice) error {
	lines, err := json.Marshal(inv.Lines)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO invoices (id, owner_id, kind, party_id, store_id, lines, total_cents, paid_cents, remaining_cents, status, overpaid, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, inv.ID, inv.OwnerID, inv.Kind, inv.PartyID, inv.StoreID, lines, inv.TotalCents, inv.PaidCents, inv.RemainingCents, inv.Status, inv.Overpaid, inv.CreatedAt, inv.UpdatedAt)
	return err
}

func updateInvoice(ctx context.Context, tx *sql.Tx, inv domain.Invoice) error {
	lines, err := json.Marshal(inv.Lines)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE invoices
		SET lines = $2, total_cents = $3, paid_cents = $4, remaining_cents = $5, status = $6, overpaid = $7, updated_at = now()
		WHERE id = $1
	`, inv.ID, lines, inv.TotalCents, inv.PaidCents, inv.RemainingCents, inv.Status, inv.Overpaid)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(sc rowScanner) (*domain.Invoice, error) {
	var inv domain.Invoice
	var lines []byte
	if err := sc.Scan(&inv.ID, &inv.OwnerID, &inv.Kind, &inv.PartyID, &inv.StoreID, &lines, &inv.TotalCents, &inv.PaidCents, &inv.RemainingCents, &inv.Status, &inv.Overpaid, &inv.CreatedAt, &inv.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(lines, &inv.Lines); err != nil {
		return nil, err
	}
	inv.CreatedAt = inv.CreatedAt.UTC()
	inv.UpdatedAt = inv.UpdatedAt.UTC()
	return &inv, nil
}

func getInvoiceForUpdate(ctx context.Context, tx *sql.Tx, ownerID string, kind string, invoiceID string) (*domain.Invoice, error) {
	inv, err := scanInvoice(tx.QueryRowContext(ctx, `
		SELECT id, owner_id, kind, party_id, store_id, lines, total_cents, paid_cents, remaining_cents, status, overpaid, created_at, updated_at
		FROM invoices
		WHERE id = $1 AND owner_id = $2 AND kind = $3
		FOR UPDATE
	`, invoiceID, ownerID, kind))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrInvoiceNotFound
		}
		return nil, err
	}
	return inv, nil
}

func openInvoicesForUpdate(ctx context.Context, tx *sql.Tx, ownerID string, kind string, partyID string) ([]domain.Invoice, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, owner_id, kind, party_id, store_id, lines, total_cents, paid_cents, remaining_cents, status, overpaid, created_at, updated_at
		FROM invoices
		WHERE owner_id = $1 AND kind = $2 AND party_id = $3
			AND remaining_cents > 0 AND status IS DISTINCT FROM $4
		ORDER BY created_at
		FOR UPDATE
	`, ownerID, kind, partyID, domain.InvoiceStatusReturned)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Invoice, 0, 8)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inv)
	}
	return out, rows.Err()
}

func applyAllocation(ctx context.Context, tx *sql.Tx, invoiceID string, amount int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE invoices
		SET paid_cents = paid_cents + $2, remaining_cents = remaining_cents - $2, updated_at = now()
		WHERE id = $1
	`, invoiceID, amount)
	if err != nil {
		return err
	}
	return syncCustomerStatusByID(ctx, tx, invoiceID)
}

// reverseAllocations pulls amount back out of the invoices the payment was
// spread over, walking the recorded order backwards. Any portion with no
// invoice left to land on means the ledger has drifted.
func reverseAllocations(ctx context.Context, tx *sql.Tx, p domain.Payment, amount int64) error {
	paidByInvoice := make(map[string]int64, len(p.InvoiceIDs))
	for _, id := range p.InvoiceIDs {
		var paid int64
		err := tx.QueryRowContext(ctx, `
			SELECT paid_cents FROM invoices WHERE id = $1 FOR UPDATE
		`, id).Scan(&paid)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return err
		}
		paidByInvoice[id] = paid
	}

	allocations, leftover := ledger.ReverseDistribution(p.InvoiceIDs, paidByInvoice, amount)
	if leftover > 0 {
		return fmt.Errorf("%w: %d could not be reversed", store.ErrInconsistentPayment, leftover)
	}
	for _, alloc := range allocations {
		// Returned lines may have shrunk the total below what was paid, so
		// the balance is recomputed from the totals rather than shifted.
		if _, err := tx.ExecContext(ctx, `
			UPDATE invoices
			SET paid_cents = paid_cents - $2,
			    remaining_cents = GREATEST(total_cents - (paid_cents - $2), 0),
			    overpaid = (kind = $3 AND paid_cents - $2 > total_cents),
			    updated_at = now()
			WHERE id = $1
		`, alloc.InvoiceID, alloc.AmountCents, domain.InvoiceKindSource); err != nil {
			return err
		}
		if err := syncCustomerStatusByID(ctx, tx, alloc.InvoiceID); err != nil {
			return err
		}
	}
	return nil
}

func syncCustomerStatusByID(ctx context.Context, tx *sql.Tx, invoiceID string) error {
	inv, err := scanInvoice(tx.QueryRowContext(ctx, `
		SELECT id, owner_id, kind, party_id, store_id, lines, total_cents, paid_cents, remaining_cents, status, overpaid, created_at, updated_at
		FROM invoices
		WHERE id = $1
	`, invoiceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}
	if inv.Kind != domain.InvoiceKindCustomer {
		return nil
	}
	if err := syncCustomerStatus(ctx, tx, inv); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE invoices SET status = $2, updated_at = now() WHERE id = $1
	`, inv.ID, inv.Status)
	return err
}

// syncCustomerStatus re-evaluates a customer invoice against its customer's
// credit limit and moves goods in or out of stock accordingly. A pending
// invoice whose balance dropped under the limit goes active; if stock is
// short the transition is skipped and the invoice stays pending. An active
// invoice pushed back over the limit releases its goods and goes pending.
// The caller persists inv.Status.
func syncCustomerStatus(ctx context.Context, tx *sql.Tx, inv *domain.Invoice) error {
	if inv.Status == domain.InvoiceStatusReturned {
		return nil
	}
	var creditLimit int64
	err := tx.QueryRowContext(ctx, `
		SELECT credit_limit_cents FROM customers WHERE id = $1
	`, inv.PartyID).Scan(&creditLimit)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}
	want := ledger.CustomerStatus(inv.RemainingCents, creditLimit)
	if want == inv.Status {
		return nil
	}
	if want == domain.InvoiceStatusActive {
		// The money stays applied either way. Until stock arrives the
		// invoice can sit pending with a balance under the limit; the next
		// payment or line change retries the transition. Quantities are
		// summed per code so duplicate lines count as one demand.
		need := make(map[int64]int, len(inv.Lines))
		order := make([]int64, 0, len(inv.Lines))
		for _, line := range inv.Lines {
			if _, ok := need[line.Code]; !ok {
				order = append(order, line.Code)
			}
			need[line.Code] += line.Quantity
		}
		for _, code := range order {
			p, err := getRowForUpdate(ctx, tx, inv.OwnerID, inv.StoreID, code)
			if err != nil || p.Quantity < need[code] {
				if err != nil && !errors.Is(err, store.ErrProductNotFound) {
					return err
				}
				return nil
			}
		}
		for _, code := range order {
			if err := applyStock(ctx, tx, inv.OwnerID, inv.StoreID, code, need[code]); err != nil {
				return err
			}
		}
	} else {
		for _, line := range inv.Lines {
			if err := releaseStock(ctx, tx, inv.OwnerID, inv.StoreID, line); err != nil {
				return err
			}
		}
	}
	inv.Status = want
	return nil
}

func getPaymentForUpdate(ctx context.Context, tx *sql.Tx, ownerID string, paymentID string) (*domain.Payment, error) {
	p, err := scanPayment(tx.QueryRowContext(ctx, `
		SELECT id, owner_id, kind, party_id, register_id, amount_cents, invoice_ids, note, created_at
		FROM payments
		WHERE id = $1 AND owner_id = $2
		FOR UPDATE
	`, paymentID, ownerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func scanPayment(sc rowScanner) (*domain.Payment, error) {
	var p domain.Payment
	var invoiceIDs []byte
	if err := sc.Scan(&p.ID, &p.OwnerID, &p.Kind, &p.PartyID, &p.RegisterID, &p.AmountCents, &invoiceIDs, &p.Note, &p.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(invoiceIDs, &p.InvoiceIDs); err != nil {
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

func insertPayment(ctx context.Context, tx *sql.Tx, p domain.Payment) error {
	invoiceIDs, err := json.Marshal(p.InvoiceIDs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO payments (id, owner_id, kind, party_id, register_id, amount_cents, invoice_ids, note, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, p.ID, p.OwnerID, p.Kind, p.PartyID, p.RegisterID, p.AmountCents, invoiceIDs, p.Note, p.CreatedAt)
	return err
}

func recordMovement(ctx context.Context, tx *sql.Tx, ownerID string, registerID string, flow string, kind string, amount int64, refID string, refType string, note string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO cash_movements (id, owner_id, register_id, flow, kind, amount_cents, ref_id, ref_type, note, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
	`, xid.New("mov"), ownerID, registerID, flow, kind, amount, refID, refType, note)
	return err
}

func deleteMovementsByRef(ctx context.Context, tx *sql.Tx, refID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM cash_movements WHERE ref_id = $1`, refID)
	return err
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

func containsString(items []string, want string) bool {
	for _, item := range items {
		if item == want {
			return true
		}
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func nullIfNilString(val *string) any {
	if val == nil {
		return nil
	}
	return *val
}
