package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ArionMiles/ledgerlink/internal/store"
	"github.com/ArionMiles/ledgerlink/pkg/api"
)

// Expenses implements store.ExpenseStore.
type Expenses struct {
	pool *pgxpool.Pool
}

var _ store.ExpenseStore = (*Expenses)(nil)

// Create implements store.ExpenseStore.
func (r *Expenses) Create(ctx context.Context, e *api.Expense) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	var tax *string
	if e.Tax != nil {
		s := e.Tax.String()
		tax = &s
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO expenses (
			id, vendor_name, expense_date, amount, tax, memo, receipt_path,
			qbo_account_id, qbo_payment_account_id, qbo_class_id, qbo_vendor_id
		) VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.VendorName, e.Date, e.Amount.String(), tax, e.Memo, e.ReceiptPath,
		e.AccountID, e.PaymentAccountID, e.ClassID, e.VendorID,
	)
	if err != nil {
		return fmt.Errorf("inserting expense: %w", err)
	}
	return nil
}

// Get implements store.ExpenseStore.
func (r *Expenses) Get(ctx context.Context, id uuid.UUID) (*api.Expense, error) {
	var (
		e      api.Expense
		amount string
		tax    *string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, vendor_name, expense_date, amount::text, tax::text, memo, receipt_path,
			qbo_vendor_id, qbo_account_id, qbo_payment_account_id, qbo_class_id,
			qbo_purchase_id, qbo_pushed_at, qbo_attachment_id, qbo_error, qbo_sync_attempts
		FROM expenses WHERE id = $1`, id,
	).Scan(
		&e.ID, &e.VendorName, &e.Date, &amount, &tax, &e.Memo, &e.ReceiptPath,
		&e.VendorID, &e.AccountID, &e.PaymentAccountID, &e.ClassID,
		&e.PurchaseID, &e.PushedAt, &e.AttachmentID, &e.Error, &e.SyncAttempts,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading expense %s: %w", id, err)
	}

	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parsing amount of expense %s: %w", id, err)
	}
	if tax != nil {
		t, err := decimal.NewFromString(*tax)
		if err != nil {
			return nil, fmt.Errorf("parsing tax of expense %s: %w", id, err)
		}
		e.Tax = &t
	}
	return &e, nil
}

// SetVendorID implements store.ExpenseStore.
func (r *Expenses) SetVendorID(ctx context.Context, id uuid.UUID, vendorID string) error {
	return r.exec(ctx, id,
		`UPDATE expenses SET qbo_vendor_id = $2, updated_at = NOW() WHERE id = $1`,
		vendorID)
}

// RecordFailure implements store.ExpenseStore.
func (r *Expenses) RecordFailure(ctx context.Context, id uuid.UUID, message string) error {
	return r.exec(ctx, id, `
		UPDATE expenses
		SET qbo_error = $2, qbo_sync_attempts = qbo_sync_attempts + 1, updated_at = NOW()
		WHERE id = $1`,
		message)
}

// RecordSuccess implements store.ExpenseStore.
func (r *Expenses) RecordSuccess(ctx context.Context, id uuid.UUID, result api.SubmitResult) error {
	return r.exec(ctx, id, `
		UPDATE expenses SET
			qbo_purchase_id = $2,
			qbo_pushed_at = $3,
			qbo_attachment_id = $4,
			qbo_error = NULL,
			qbo_sync_attempts = qbo_sync_attempts + 1,
			updated_at = NOW()
		WHERE id = $1`,
		result.PurchaseID, ts(result.PushedAt), result.AttachmentID)
}

func (r *Expenses) exec(ctx context.Context, id uuid.UUID, sql string, args ...any) error {
	tag, err := r.pool.Exec(ctx, sql, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("updating expense %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
