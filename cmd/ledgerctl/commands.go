package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/ArionMiles/ledgerlink/internal/daemon"
	"github.com/ArionMiles/ledgerlink/internal/qbo"
	"github.com/ArionMiles/ledgerlink/internal/store"
	"github.com/ArionMiles/ledgerlink/pkg/api"
)

var out io.Writer = os.Stdout

// runStatus prints connection health without token material.
func runStatus(ctx context.Context, c *daemon.Components) error {
	fmt.Fprintln(out, "=== QuickBooks Connection ===")
	fmt.Fprintln(out)

	status, err := c.Handshake.Status(ctx)
	if err != nil {
		return fmt.Errorf("reading connection: %w", err)
	}
	printStatus(status, time.Now())
	return nil
}

func printStatus(status api.ConnectionStatus, now time.Time) {
	if !status.Connected {
		fmt.Fprintln(out, "Connection: ✗ Not connected")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Run 'ledgerctl connect' to link a company.")
		return
	}

	company := status.CompanyName
	if company == "" {
		company = "(name unavailable)"
	}
	fmt.Fprintf(out, "Connection: ✓ %s\n", company)

	fmt.Fprint(out, "Refresh token: ")
	switch {
	case status.RefreshTokenExpiresAt == nil:
		fmt.Fprintln(out, "? expiry unknown")
	case !status.TokenHealthy:
		fmt.Fprintf(out, "✗ Expired %s (reconnect required)\n", status.RefreshTokenExpiresAt.Format(time.RFC3339))
	case status.RefreshTokenWarning:
		days := int(status.RefreshTokenExpiresAt.Sub(now).Hours() / 24)
		fmt.Fprintf(out, "⚠ Expires in %d days (%s)\n", days, status.RefreshTokenExpiresAt.Format(time.RFC3339))
	default:
		fmt.Fprintf(out, "✓ Valid (expires: %s)\n", status.RefreshTokenExpiresAt.Format(time.RFC3339))
	}
}

func runConnect(c *daemon.Components) error {
	fmt.Fprintln(out, "Open this link within 10 minutes to authorize access:")
	fmt.Fprintln(out)
	fmt.Fprintln(out, c.Handshake.Start())
	return nil
}

func runSync(ctx context.Context, c *daemon.Components, force bool) error {
	realmID, err := c.Coordinator.ActiveRealm(ctx)
	if err != nil {
		return err
	}
	if force {
		if err := c.Entities.Invalidate(ctx, realmID); err != nil {
			return fmt.Errorf("invalidating cache: %w", err)
		}
	}

	for _, t := range api.EntityTypes {
		fmt.Fprintf(out, "%-8s ", t+":")
		rows, err := c.Entities.Sync(ctx, t, realmID, force)
		if err != nil {
			fmt.Fprintln(out, "✗")
			return err
		}
		fmt.Fprintf(out, "✓ %d active\n", len(rows))
	}
	return nil
}

func runSubmit(ctx context.Context, c *daemon.Components, rawID string) error {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return fmt.Errorf("expense id must be a UUID: %w", err)
	}

	expense, err := c.Stores.Expenses.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return qbo.ErrExpenseNotFound
	}
	if err != nil {
		return err
	}
	if expense.Pushed() {
		return fmt.Errorf("%w as purchase %s", qbo.ErrAlreadyPushed, deref(expense.PurchaseID))
	}
	if expense.NeedsManualAttention() {
		fmt.Fprintf(out, "⚠ %d previous attempts failed, last error: %s\n", expense.SyncAttempts, deref(expense.Error))
	}

	result, err := c.Submitter.Submit(ctx, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "✓ Purchase %s created at %s\n", result.PurchaseID, result.PushedAt.Format(time.RFC3339))
	if result.AttachmentID != nil {
		fmt.Fprintf(out, "✓ Receipt attached (%s)\n", *result.AttachmentID)
	} else if expense.ReceiptPath != "" {
		fmt.Fprintln(out, "⚠ Receipt could not be attached")
	}
	return nil
}

func runDisconnect(ctx context.Context, c *daemon.Components) error {
	if err := c.Handshake.Disconnect(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, "✓ Disconnected")
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
