package payments

import (
	"time"

	"github.com/ariefcatur/go-live-orders.git/internal/apperr"
	"github.com/ariefcatur/go-live-orders.git/internal/entity"
	"github.com/shopspring/decimal"
)

type VerificationStatus string

const (
	StatusPending    VerificationStatus = "PENDING"
	StatusProcessing VerificationStatus = "PROCESSING"
	StatusVerified   VerificationStatus = "VERIFIED"
	StatusSuspicious VerificationStatus = "SUSPICIOUS"
	StatusFake       VerificationStatus = "FAKE"
	StatusDuplicate  VerificationStatus = "DUPLICATE"
	StatusExpired    VerificationStatus = "EXPIRED"
	StatusMismatched VerificationStatus = "MISMATCHED"
	StatusVoided     VerificationStatus = "VOIDED"
)

// Open reports whether the payment can still change through matching or a
// cancelled order.
func (s VerificationStatus) Open() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSuspicious, StatusMismatched:
		return true
	}
	return false
}

type Mode string

const (
	ModeAuto   Mode = "AUTO"
	ModeManual Mode = "MANUAL"
)

type Method string

const (
	MethodTransfer  Method = "TRANSFER"
	MethodPromptPay Method = "PROMPTPAY"
	MethodCash      Method = "CASH"
	MethodCOD       Method = "COD"
	MethodOther     Method = "OTHER"
)

type Payment struct {
	entity.Base
	OrderID string          `json:"order_id"`
	Amount  decimal.Decimal `json:"amount"`
	Method  Method          `json:"method"`

	SlipImageRef  string     `json:"slip_image_ref,omitempty"`
	BankName      string     `json:"bank_name,omitempty"`
	AccountNumber string     `json:"account_number,omitempty"`
	AccountName   string     `json:"account_name,omitempty"`
	TransferAt    *time.Time `json:"transfer_at,omitempty"`
	Reference     string     `json:"reference,omitempty"`

	Status           VerificationStatus `json:"status"`
	Mode             Mode               `json:"mode,omitempty"`
	Confidence       float64            `json:"confidence"`
	VerifiedBy       string             `json:"verified_by,omitempty"`
	VerifiedAt       *time.Time         `json:"verified_at,omitempty"`
	VerificationNote string             `json:"verification_note,omitempty"`
	Warnings         []string           `json:"warnings,omitempty"`
	BankSmsID        string             `json:"bank_sms_id,omitempty"`
	SuggestedSmsID   string             `json:"suggested_sms_id,omitempty"`
	ExpiresAt        time.Time          `json:"expires_at"`
}

// Outcome maps the verification status to the error kind callers report.
func (p *Payment) Outcome() error {
	switch p.Status {
	case StatusDuplicate:
		return apperr.ErrPaymentFraudSuspected
	case StatusFake:
		return apperr.ErrPaymentFraudSuspected
	case StatusMismatched:
		return apperr.ErrPaymentMismatch
	}
	return nil
}

func (p *Payment) clone() *Payment {
	cp := *p
	cp.Warnings = append([]string(nil), p.Warnings...)
	return &cp
}

// BankSms is one credit notification from the shop's bank account.
type BankSms struct {
	entity.Base
	Sender          string          `json:"sender"`
	Message         string          `json:"message"`
	ReceivedAt      time.Time       `json:"received_at"`
	BankName        string          `json:"bank_name,omitempty"`
	TransactionType string          `json:"transaction_type,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	TransferFrom    string          `json:"transfer_from,omitempty"`
	TransferAt      *time.Time      `json:"transfer_at,omitempty"`
	ReferenceNo     string          `json:"reference_no,omitempty"`
	Balance         decimal.Decimal `json:"balance"`
	// PaymentID is empty while the SMS is unmatched.
	PaymentID string `json:"payment_id,omitempty"`
}

// When returns the transfer time, falling back to the receive time.
func (s *BankSms) When() time.Time {
	if s.TransferAt != nil && !s.TransferAt.IsZero() {
		return *s.TransferAt
	}
	return s.ReceivedAt
}
