package qbo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/google/uuid"

	"github.com/ArionMiles/ledgerlink/internal/receipts"
	"github.com/ArionMiles/ledgerlink/internal/store"
	"github.com/ArionMiles/ledgerlink/pkg/api"
)

const (
	purchasePath = "/v3/company/" + RealmPlaceholder + "/purchase"
	uploadPath   = "/v3/company/" + RealmPlaceholder + "/upload"

	paymentTypeCash       = "Cash"
	paymentTypeCreditCard = "CreditCard"
	accountTypeCreditCard = "Credit Card"
)

// Ledger is the subset of *Client the pipeline needs.
type Ledger interface {
	Caller
	Call(ctx context.Context, req Request) (*Response, error)
}

// RealmSource names the connected realm. *Coordinator satisfies it.
type RealmSource interface {
	ActiveRealm(ctx context.Context) (string, error)
}

type ref struct {
	Value string `json:"value"`
	Name  string `json:"name,omitempty"`
	Type  string `json:"type,omitempty"`
}

type lineDetail struct {
	AccountRef ref  `json:"AccountRef"`
	ClassRef   *ref `json:"ClassRef,omitempty"`
}

type purchaseLine struct {
	Amount                        json.Number `json:"Amount"`
	DetailType                    string      `json:"DetailType"`
	Description                   string      `json:"Description,omitempty"`
	AccountBasedExpenseLineDetail lineDetail  `json:"AccountBasedExpenseLineDetail"`
}

type purchase struct {
	PaymentType string         `json:"PaymentType"`
	AccountRef  ref            `json:"AccountRef"`
	TxnDate     string         `json:"TxnDate,omitempty"`
	EntityRef   *ref           `json:"EntityRef,omitempty"`
	PrivateNote string         `json:"PrivateNote,omitempty"`
	Line        []purchaseLine `json:"Line"`
}

// Submitter pushes expenses into the ledger as purchases.
type Submitter struct {
	ledger   Ledger
	realms   RealmSource
	entities *EntityCache
	expenses store.ExpenseStore
	cached   store.EntityStore
	receipts receipts.Fetcher
	now      func() time.Time
	logger   *slog.Logger
}

// NewSubmitter wires the pipeline. fetcher may be nil, in which case receipts are not attached.
func NewSubmitter(
	ledger Ledger,
	realms RealmSource,
	entities *EntityCache,
	expenses store.ExpenseStore,
	cached store.EntityStore,
	fetcher receipts.Fetcher,
	logger *slog.Logger,
) *Submitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{
		ledger:   ledger,
		realms:   realms,
		entities: entities,
		expenses: expenses,
		cached:   cached,
		receipts: fetcher,
		now:      time.Now,
		logger:   logger.With("component", "submitter"),
	}
}

// Submit creates a purchase for the expense and attaches its receipt when
// possible. It does not check qbo_pushed_at; callers must.
func (s *Submitter) Submit(ctx context.Context, id uuid.UUID) (*api.SubmitResult, error) {
	expense, err := s.expenses.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrExpenseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading expense: %w", err)
	}

	if empty(expense.AccountID) || empty(expense.PaymentAccountID) {
		return nil, ErrMissingRequiredFields
	}

	logger := s.logger.With("expense_id", id)

	realmID, err := s.realms.ActiveRealm(ctx)
	if err != nil {
		return nil, err
	}

	vendorID, err := s.resolveVendor(ctx, realmID, expense)
	if err != nil {
		return nil, s.fail(ctx, logger, id, err)
	}

	payload := purchase{
		PaymentType: s.paymentType(ctx, realmID, *expense.PaymentAccountID),
		AccountRef:  ref{Value: *expense.PaymentAccountID},
		PrivateNote: expense.Memo,
		Line: []purchaseLine{{
			Amount:     json.Number(expense.Amount.StringFixed(2)),
			DetailType: "AccountBasedExpenseLineDetail",
			AccountBasedExpenseLineDetail: lineDetail{
				AccountRef: ref{Value: *expense.AccountID},
			},
		}},
	}
	if !expense.Date.IsZero() {
		payload.TxnDate = expense.Date.Format(time.DateOnly)
	}
	if !empty(expense.ClassID) {
		payload.Line[0].AccountBasedExpenseLineDetail.ClassRef = &ref{Value: *expense.ClassID}
	}
	if vendorID != "" {
		payload.EntityRef = &ref{Value: vendorID, Type: "Vendor"}
	}

	var created struct {
		Purchase struct {
			ID string `json:"Id"`
		} `json:"Purchase"`
	}
	if _, err := s.ledger.Do(ctx, http.MethodPost, purchasePath, nil, payload, &created); err != nil {
		return nil, s.fail(ctx, logger, id, err)
	}
	if created.Purchase.ID == "" {
		return nil, s.fail(ctx, logger, id, errors.New("purchase response carried no Id"))
	}

	result := api.SubmitResult{PurchaseID: created.Purchase.ID, PushedAt: s.now().UTC()}
	if expense.ReceiptPath != "" && s.receipts != nil {
		attachmentID, err := s.attach(ctx, created.Purchase.ID, expense.ReceiptPath)
		if err != nil {
			logger.Warn("receipt attachment failed, purchase kept",
				"purchase_id", created.Purchase.ID,
				"error", err,
			)
		} else {
			result.AttachmentID = &attachmentID
		}
	}

	if err := s.expenses.RecordSuccess(ctx, id, result); err != nil {
		logger.Error("purchase created but not recorded on expense",
			"purchase_id", result.PurchaseID,
			"error", err,
		)
		return nil, fmt.Errorf("recording purchase %s: %w", result.PurchaseID, err)
	}

	logger.Info("expense pushed", "purchase_id", result.PurchaseID, "attached", result.AttachmentID != nil)
	return &result, nil
}

func (s *Submitter) resolveVendor(ctx context.Context, realmID string, e *api.Expense) (string, error) {
	if !empty(e.VendorID) {
		return *e.VendorID, nil
	}
	if e.VendorName == "" {
		return "", nil
	}

	vendor, err := s.entities.FindOrCreateVendor(ctx, realmID, e.VendorName)
	if err != nil {
		return "", err
	}
	if err := s.expenses.SetVendorID(ctx, e.ID, vendor.ProviderID); err != nil {
		return "", fmt.Errorf("saving vendor id: %w", err)
	}
	return vendor.ProviderID, nil
}

// paymentType follows the cached type of the payment account.
func (s *Submitter) paymentType(ctx context.Context, realmID, accountID string) string {
	acct, err := s.cached.Get(ctx, api.EntityAccount, realmID, accountID)
	if err == nil && acct.AccountType == accountTypeCreditCard {
		return paymentTypeCreditCard
	}
	return paymentTypeCash
}

// fail records the error on the expense and returns it.
func (s *Submitter) fail(ctx context.Context, logger *slog.Logger, id uuid.UUID, cause error) error {
	message := cause.Error()
	var pe *ProviderError
	if errors.As(cause, &pe) {
		message = fmt.Sprintf("%d: %s", pe.Status, pe.Body)
	}
	message = truncate(message, maxErrorBody)

	if err := s.expenses.RecordFailure(ctx, id, message); err != nil {
		logger.Error("recording submission failure", "error", err)
	}
	logger.Warn("expense submission failed", "error", cause)
	return cause
}

// attach uploads the receipt as an Attachable linked to the purchase.
func (s *Submitter) attach(ctx context.Context, purchaseID, receiptRef string) (string, error) {
	receipt, err := s.receipts.Fetch(ctx, receiptRef)
	if err != nil {
		return "", fmt.Errorf("fetching receipt: %w", err)
	}

	body, contentType, err := attachmentBody(purchaseID, receipt)
	if err != nil {
		return "", err
	}

	resp, err := s.ledger.Call(ctx, Request{
		Method:      http.MethodPost,
		Path:        uploadPath,
		Body:        body,
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("uploading attachment: %w", err)
	}

	var uploaded struct {
		AttachableResponse []struct {
			Attachable struct {
				ID string `json:"Id"`
			} `json:"Attachable"`
		} `json:"AttachableResponse"`
	}
	if err := json.Unmarshal(resp.Body, &uploaded); err != nil {
		return "", fmt.Errorf("decoding upload response: %w", err)
	}
	if len(uploaded.AttachableResponse) == 0 || uploaded.AttachableResponse[0].Attachable.ID == "" {
		return "", errors.New("upload response carried no Attachable")
	}
	return uploaded.AttachableResponse[0].Attachable.ID, nil
}

func attachmentBody(purchaseID string, r *receipts.Receipt) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	meta := map[string]any{
		"AttachableRef": []map[string]any{{
			"EntityRef": ref{Type: "Purchase", Value: purchaseID},
		}},
		"FileName":    r.Filename,
		"ContentType": r.ContentType,
	}
	metaHeader := textproto.MIMEHeader{}
	metaHeader.Set("Content-Disposition", `form-data; name="file_metadata_01"; filename="attachment.json"`)
	metaHeader.Set("Content-Type", "application/json")
	part, err := mw.CreatePart(metaHeader)
	if err != nil {
		return nil, "", err
	}
	if err := json.NewEncoder(part).Encode(meta); err != nil {
		return nil, "", fmt.Errorf("encoding attachment metadata: %w", err)
	}

	fileHeader := textproto.MIMEHeader{}
	fileHeader.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file_content_01"; filename=%q`, r.Filename))
	fileHeader.Set("Content-Type", r.ContentType)
	part, err = mw.CreatePart(fileHeader)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(r.Data); err != nil {
		return nil, "", err
	}

	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

func empty(s *string) bool {
	return s == nil || *s == ""
}
