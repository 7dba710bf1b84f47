package qbo

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	// ErrNoActiveConnection means no ledger company is linked.
	ErrNoActiveConnection = errors.New("no active QuickBooks connection")
	// ErrAuthorizationExpired means the provider rejected the token even after a forced refresh.
	ErrAuthorizationExpired = errors.New("QuickBooks authorization expired")
	// ErrRefreshTokenRevoked means the stored refresh token was rejected and no
	// concurrent refresh replaced it. The user has to reconnect.
	ErrRefreshTokenRevoked = errors.New("QuickBooks refresh token revoked or expired")
	// ErrMissingRequiredFields means the expense lacks an account or payment account.
	ErrMissingRequiredFields = errors.New("expense is missing qbo_account_id or qbo_payment_account_id")
	// ErrExpenseNotFound means the expense does not exist.
	ErrExpenseNotFound = errors.New("expense not found")
	// ErrAlreadyPushed means the expense already exists in the ledger.
	ErrAlreadyPushed = errors.New("expense already pushed to QuickBooks")
)

// maxErrorBody bounds provider bodies kept in errors and in qbo_error.
const maxErrorBody = 1000

// ProviderError is a non-auth 4xx/5xx answer from the ledger API.
type ProviderError struct {
	Status int
	Body   string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("QuickBooks API returned status %d: %s", e.Status, e.Body)
}

// Is lets a ProviderError carrying 401 match ErrAuthorizationExpired.
func (e *ProviderError) Is(target error) bool {
	return target == ErrAuthorizationExpired && e.Status == 401
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
