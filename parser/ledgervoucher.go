package parser

import (
	"encoding/xml"
	"strings"

	"github.com/KBT0207/tally-project-sub000/currency"
	"github.com/KBT0207/tally-project-sub000/model"
)

// ParseLedgerVouchers parses a receipt / payment / journal / contra
// response into one row per ledger entry. The raw amount sign selects
// Debit or Credit; the stored amount is the absolute value.
func ParseLedgerVouchers(data []byte, companyName string) ([]model.LedgerVoucherRow, error) {
	var rows []model.LedgerVoucherRow

	err := forEachElement(data, "VOUCHER", func(d *xml.Decoder, start xml.StartElement) error {
		var v rawVoucher
		if err := d.DecodeElement(&v, &start); err != nil {
			return err
		}
		rows = append(rows, ledgerVoucherRows(&v, companyName)...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func ledgerVoucherRows(v *rawVoucher, companyName string) []model.LedgerVoucherRow {
	base := model.LedgerVoucherRow{
		Tracking: model.Tracking{
			GUID:         strings.TrimSpace(v.GUID),
			AlterID:      parseInt(v.AlterID),
			MasterID:     parseInt(v.MasterID),
			ChangeStatus: v.changeStatus(),
			IsDeleted:    yesNo(v.deleted()),
		},
		CompanyName:   companyName,
		Date:          parseBusinessDate(v.Date),
		VoucherNumber: strings.TrimSpace(v.VoucherNumber),
		VoucherType:   strings.TrimSpace(v.VoucherTypeName),
		Narration:     strings.TrimSpace(v.Narration),
	}

	entries := v.ledgerEntries()

	if v.deleted() && len(entries) == 0 {
		stub := base
		stub.ChangeStatus = model.StatusDeleted
		return []model.LedgerVoucherRow{stub}
	}

	vc := scanVoucherCurrency(entries, nil)

	var rows []model.LedgerVoucherRow
	for i, e := range entries {
		f := currency.ExtractForeign(e.Amount)

		row := base
		row.LineNo = i + 1
		row.LedgerName = strings.TrimSpace(e.LedgerName)
		row.Amount = f.ForeignAmount
		row.AmountType = model.AmountCredit
		if row.Amount < 0 {
			row.Amount = -row.Amount
			row.AmountType = model.AmountDebit
		}

		row.Currency = f.Currency
		row.ExchangeRate = f.ExchangeRate
		// An INR line inside a foreign-currency voucher inherits the
		// voucher currency and rate.
		if row.Currency == currency.Default && vc.Code != currency.Default && vc.Rate > 1 {
			row.Currency = vc.Code
			row.ExchangeRate = vc.Rate
		}

		rows = append(rows, row)
	}
	return rows
}
