// Package receipts fetches receipt images referenced by expenses.
package receipts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/ArionMiles/ledgerlink/pkg/config"
)

// MaxSize caps a receipt download.
const MaxSize = 20 << 20

// ErrTooLarge is returned for receipts above MaxSize.
var ErrTooLarge = errors.New("receipt exceeds maximum size")

// Receipt is a downloaded receipt image.
type Receipt struct {
	Data        []byte
	ContentType string
	Filename    string
}

// Fetcher loads the receipt stored at ref.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) (*Receipt, error)
}

// New returns the Fetcher selected by cfg.Store.
func New(ctx context.Context, cfg config.Receipts, httpClient *http.Client, logger *slog.Logger) (Fetcher, error) {
	switch cfg.Store {
	case "s3":
		return NewS3(ctx, cfg, logger)
	case "http", "":
		return NewHTTP(cfg.BaseURL, httpClient, logger), nil
	default:
		return nil, fmt.Errorf("unknown receipt store %q", cfg.Store)
	}
}

// filename derives a display name from a reference, dropping any query string.
func filename(ref string) string {
	ref, _, _ = strings.Cut(ref, "?")
	name := path.Base(ref)
	if name == "." || name == "/" || name == "" {
		return "receipt"
	}
	return name
}

// contentType prefers the declared type and falls back to sniffing.
func contentType(declared string, data []byte) string {
	if declared != "" && declared != "application/octet-stream" && declared != "binary/octet-stream" {
		return declared
	}
	return http.DetectContentType(data)
}
