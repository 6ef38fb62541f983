package model

// EntityKind identifies one upstream entity family. The eight voucher
// kinds each carry their own watermark; Ledger and TrialBalance are
// fetched outside the chunked snapshot loop.
type EntityKind string

const (
	KindLedger       EntityKind = "Ledger"
	KindTrialBalance EntityKind = "TrialBalance"

	KindSales      EntityKind = "Sales"
	KindPurchase   EntityKind = "Purchase"
	KindCreditNote EntityKind = "CreditNote"
	KindDebitNote  EntityKind = "DebitNote"

	KindReceipt EntityKind = "Receipt"
	KindPayment EntityKind = "Payment"
	KindJournal EntityKind = "Journal"
	KindContra  EntityKind = "Contra"
)

// VoucherKinds lists the transactional kinds in the order the
// orchestrator fans them out.
var VoucherKinds = []EntityKind{
	KindSales, KindPurchase, KindCreditNote, KindDebitNote,
	KindReceipt, KindPayment, KindJournal, KindContra,
}

// IsInventoryKind reports whether rows of this kind are item lines
// (sales-family) as opposed to ledger entries (receipt-family).
func IsInventoryKind(k EntityKind) bool {
	switch k {
	case KindSales, KindPurchase, KindCreditNote, KindDebitNote:
		return true
	}
	return false
}

// Table returns the warehouse table name for the kind.
func (k EntityKind) Table() string {
	switch k {
	case KindLedger:
		return "ledgers"
	case KindTrialBalance:
		return "trial_balance"
	case KindSales:
		return "sales_vouchers"
	case KindPurchase:
		return "purchase_vouchers"
	case KindCreditNote:
		return "credit_note_vouchers"
	case KindDebitNote:
		return "debit_note_vouchers"
	case KindReceipt:
		return "receipt_vouchers"
	case KindPayment:
		return "payment_vouchers"
	case KindJournal:
		return "journal_vouchers"
	case KindContra:
		return "contra_vouchers"
	}
	return ""
}

// Change status values published on every voucher row.
const (
	StatusNew      = "New"
	StatusModified = "Modified"
	StatusDeleted  = "Deleted"
)
