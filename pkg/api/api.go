// Package api defines the core data structures shared by the ledger connector.
package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Connection is the single credential record for the linked ledger company.
type Connection struct {
	ID                    int64
	RealmID               string
	AccessToken           string
	RefreshToken          string
	TokenExpiresAt        time.Time
	RefreshTokenExpiresAt time.Time
	CompanyName           string
	IsActive              bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// AccessTokenValidFor reports whether the access token stays valid for at least d from now.
func (c *Connection) AccessTokenValidFor(now time.Time, d time.Duration) bool {
	return c.TokenExpiresAt.After(now.Add(d))
}

// TokenSet is the material written on every refresh.
type TokenSet struct {
	AccessToken           string
	RefreshToken          string
	TokenExpiresAt        time.Time
	RefreshTokenExpiresAt time.Time
}

// ConnectionStatus is the public view of the connection. It never carries tokens.
type ConnectionStatus struct {
	Connected             bool       `json:"connected"`
	CompanyName           string     `json:"company_name"`
	TokenHealthy          bool       `json:"token_healthy"`
	RefreshTokenWarning   bool       `json:"refresh_token_warning"`
	RefreshTokenExpiresAt *time.Time `json:"refresh_token_expires_at"`
}

// EntityType names one of the mirrored reference collections.
type EntityType string

const (
	EntityAccount EntityType = "account"
	EntityClass   EntityType = "class"
	EntityVendor  EntityType = "vendor"
)

// EntityTypes lists every mirrored collection.
var EntityTypes = []EntityType{EntityAccount, EntityClass, EntityVendor}

// Valid reports whether t is a known collection.
func (t EntityType) Valid() bool {
	switch t {
	case EntityAccount, EntityClass, EntityVendor:
		return true
	}
	return false
}

// Entity is a locally mirrored ledger reference object.
type Entity struct {
	Type               EntityType `json:"type"`
	RealmID            string     `json:"realm_id"`
	ProviderID         string     `json:"id"`
	Name               string     `json:"name"`
	FullyQualifiedName string     `json:"fully_qualified_name,omitempty"`
	// AccountType is only set for accounts, e.g. "Expense" or "Credit Card".
	AccountType string    `json:"account_type,omitempty"`
	IsActive    bool      `json:"is_active"`
	SyncedAt    time.Time `json:"synced_at"`
}

// LedgerFields are the expense columns owned by the connector.
type LedgerFields struct {
	VendorID         *string    `json:"qbo_vendor_id"`
	AccountID        *string    `json:"qbo_account_id"`
	PaymentAccountID *string    `json:"qbo_payment_account_id"`
	ClassID          *string    `json:"qbo_class_id"`
	PurchaseID       *string    `json:"qbo_purchase_id"`
	PushedAt         *time.Time `json:"qbo_pushed_at"`
	AttachmentID     *string    `json:"qbo_attachment_id"`
	Error            *string    `json:"qbo_error"`
	SyncAttempts     int        `json:"qbo_sync_attempts"`
}

// MaxAutoSyncAttempts is the attempt count after which a failed expense needs manual attention.
const MaxAutoSyncAttempts = 3

// Expense is a locally captured expense as produced by the receipt parser.
type Expense struct {
	ID         uuid.UUID        `json:"id"`
	VendorName string           `json:"vendor_name"`
	Date       time.Time        `json:"date"`
	Amount     decimal.Decimal  `json:"amount"`
	Tax        *decimal.Decimal `json:"tax,omitempty"`
	Memo       string           `json:"memo,omitempty"`
	// ReceiptPath locates the receipt image in the receipt store, empty if none.
	ReceiptPath string `json:"receipt_path,omitempty"`

	LedgerFields
}

// Pushed reports whether the expense already exists in the ledger.
func (e *Expense) Pushed() bool {
	return e.PushedAt != nil
}

// NeedsManualAttention reports the terminal failure state.
func (e *Expense) NeedsManualAttention() bool {
	return e.Error != nil && e.SyncAttempts >= MaxAutoSyncAttempts
}

// SubmitResult is returned after a successful submission.
type SubmitResult struct {
	PurchaseID   string    `json:"purchase_id"`
	PushedAt     time.Time `json:"pushed_at"`
	AttachmentID *string   `json:"attachment_id"`
}
