package model

import "time"

// Tracking carries the upstream versioning fields shared by every row
// record. AlterID is the CDC cursor published by the upstream; GUID is
// stable across modifications of the same voucher or master.
type Tracking struct {
	GUID         string
	AlterID      int64
	MasterID     int64
	ChangeStatus string
	IsDeleted    string // "Yes" / "No"
}

// Deleted reports whether the record arrived flagged as removed
// upstream.
func (t Tracking) Deleted() bool {
	return t.IsDeleted == "Yes" || t.ChangeStatus == StatusDeleted || t.ChangeStatus == "Delete"
}

// LedgerRow is one ledger master record.
type LedgerRow struct {
	Tracking
	CompanyName string
	Name        string
	Alias1      string
	Alias2      string
	Alias3      string
	ParentGroup string

	MailingName string
	Phone       string
	Email       string
	Address1    string
	Address2    string
	Address3    string
	State       string
	Pincode     string

	GSTIN string
	PAN   string

	BankAccountNumber string
	BankIFSC          string
	BankName          string

	OpeningBalance float64
	CreatedDate    *time.Time
	ModifiedDate   *time.Time
}

// InventoryVoucherRow is one item line of a sales / purchase / credit
// note / debit note voucher. A voucher with N items produces N rows
// sharing GUID, AlterID, VoucherNumber, Date and ChangeStatus.
type InventoryVoucherRow struct {
	Tracking
	CompanyName   string
	Date          *time.Time
	VoucherNumber string
	VoucherType   string
	PartyName     string
	PartyGSTIN    string

	LineNo   int
	ItemName string
	Quantity float64
	Unit     string
	AltQty   float64
	AltUnit  string

	BatchName string
	MfgDate   *time.Time
	Expiry    *time.Time
	HSNCode   string

	GSTRate  float64
	Rate     float64
	Amount   float64
	Discount float64

	CGST float64
	SGST float64
	IGST float64

	Freight      float64
	DCA          float64
	CF           float64
	OtherCharges float64

	TotalAmount  float64
	Currency     string
	ExchangeRate float64
	Narration    string
}

// LedgerVoucherRow is one ledger entry of a receipt / payment / journal
// / contra voucher.
type LedgerVoucherRow struct {
	Tracking
	CompanyName   string
	Date          *time.Time
	VoucherNumber string
	VoucherType   string

	LineNo     int
	LedgerName string
	Amount     float64
	AmountType string // "Debit" / "Credit"

	Currency     string
	ExchangeRate float64
	Narration    string
}

// TrialBalanceRow is the per-ledger balance for one reporting period.
type TrialBalanceRow struct {
	CompanyName string
	LedgerName  string
	ParentGroup string
	Opening     float64
	Net         float64
	Closing     float64
	StartDate   time.Time
	EndDate     time.Time
	AlterID     int64
}

// Debit / Credit labels for LedgerVoucherRow.AmountType.
const (
	AmountDebit  = "Debit"
	AmountCredit = "Credit"
)
