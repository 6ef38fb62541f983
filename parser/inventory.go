package parser

import (
	"encoding/xml"
	"strings"

	"github.com/KBT0207/tally-project-sub000/currency"
	"github.com/KBT0207/tally-project-sub000/model"
)

// voucherCurrency is the result of the voucher-level scan: the first
// non-INR entry with an exchange rate above 1 wins, ledger entries
// before inventory entries.
type voucherCurrency struct {
	Code string
	Rate float64
}

func scanVoucherCurrency(ledger []rawLedgerEntry, inventory []rawInventoryEntry) voucherCurrency {
	for _, e := range ledger {
		f := currency.ExtractForeign(e.Amount)
		if f.Currency != currency.Default && f.ExchangeRate > 1.0 {
			return voucherCurrency{Code: f.Currency, Rate: f.ExchangeRate}
		}
	}
	for _, e := range inventory {
		f := currency.ExtractForeign(e.Amount)
		if f.Currency != currency.Default && f.ExchangeRate > 1.0 {
			return voucherCurrency{Code: f.Currency, Rate: f.ExchangeRate}
		}
		amt, code, base := currency.ExtractRateAndCurrency(e.Rate)
		if code != currency.Default && amt != 0 && base != 0 {
			return voucherCurrency{Code: code, Rate: base / amt}
		}
	}
	return voucherCurrency{Code: currency.Default}
}

// taxTotals aggregates the voucher's ledger entries into tax and charge
// buckets. Rates are first-seen per GST bucket, taken from the
// ledger-name "@ NN%" suffix.
type taxTotals struct {
	CGST, SGST, IGST             float64
	CGSTRate, SGSTRate, IGSTRate float64
	Freight, DCA, CF, Other      float64
}

func aggregateTaxes(c *Classifier, v *rawVoucher) taxTotals {
	var t taxTotals
	party := strings.TrimSpace(v.PartyLedgerName)
	if party == "" {
		party = strings.TrimSpace(v.PartyName)
	}

	for _, e := range v.ledgerEntries() {
		isParty := strings.EqualFold(strings.TrimSpace(e.IsPartyLedger), "Yes") ||
			(party != "" && strings.EqualFold(strings.TrimSpace(e.LedgerName), party))

		amt := currency.ExtractForeign(e.Amount).ForeignAmount
		if amt < 0 {
			amt = -amt
		}

		switch c.Classify(e.LedgerName, isParty) {
		case bucketCGST:
			t.CGST += amt
			if t.CGSTRate == 0 {
				t.CGSTRate = c.RateFromName(e.LedgerName)
			}
		case bucketSGST:
			t.SGST += amt
			if t.SGSTRate == 0 {
				t.SGSTRate = c.RateFromName(e.LedgerName)
			}
		case bucketIGST:
			t.IGST += amt
			if t.IGSTRate == 0 {
				t.IGSTRate = c.RateFromName(e.LedgerName)
			}
		case bucketFreight:
			t.Freight += amt
		case bucketDCA:
			t.DCA += amt
		case bucketCF:
			t.CF += amt
		case bucketOther:
			t.Other += amt
		}
	}
	return t
}

func (t taxTotals) gstRate() float64 {
	if t.IGSTRate > 0 {
		return t.IGSTRate
	}
	return t.CGSTRate + t.SGSTRate
}

func (t taxTotals) chargesTotal() float64 {
	return t.Freight + t.DCA + t.CF + t.Other
}

// ParseInventoryVouchers parses a sales / purchase / credit note /
// debit note response into one row per item line. Deleted vouchers with
// no entries produce a single stub row so the writer can fan out the
// soft delete.
func ParseInventoryVouchers(data []byte, companyName string, c *Classifier) ([]model.InventoryVoucherRow, error) {
	if c == nil {
		c = NewClassifier(nil)
	}
	var rows []model.InventoryVoucherRow

	err := forEachElement(data, "VOUCHER", func(d *xml.Decoder, start xml.StartElement) error {
		var v rawVoucher
		if err := d.DecodeElement(&v, &start); err != nil {
			return err
		}
		rows = append(rows, inventoryRows(&v, companyName, c)...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func inventoryRows(v *rawVoucher, companyName string, c *Classifier) []model.InventoryVoucherRow {
	base := model.InventoryVoucherRow{
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
		PartyName:     strings.TrimSpace(v.PartyLedgerName),
		PartyGSTIN:    strings.TrimSpace(v.PartyGSTIN),
		Narration:     strings.TrimSpace(v.Narration),
	}
	if base.PartyName == "" {
		base.PartyName = strings.TrimSpace(v.PartyName)
	}

	entries := v.inventoryEntries()

	// Deleted voucher with nothing left: emit exactly one stub row.
	if v.deleted() && len(entries) == 0 && len(v.ledgerEntries()) == 0 {
		stub := base
		stub.ChangeStatus = model.StatusDeleted
		return []model.InventoryVoucherRow{stub}
	}

	vc := scanVoucherCurrency(v.ledgerEntries(), entries)
	taxes := aggregateTaxes(c, v)

	// Line amounts first: apportionment weights need the sum.
	type line struct {
		entry  rawInventoryEntry
		amount float64
	}
	var lines []line
	var amountSum float64
	for _, e := range entries {
		f := currency.ExtractForeign(e.Amount)
		amt := f.ForeignAmount
		if amt < 0 {
			amt = -amt
		}
		lines = append(lines, line{entry: e, amount: amt})
		amountSum += amt
	}

	if amountSum == 0 {
		if v.deleted() {
			stub := base
			stub.ChangeStatus = model.StatusDeleted
			return []model.InventoryVoucherRow{stub}
		}
		// Charges-only voucher: one carrier row with the buckets.
		row := base
		row.LineNo = 1
		row.ItemName = "No Item"
		row.Unit = "No Unit"
		row.GSTRate = taxes.gstRate()
		row.CGST = taxes.CGST
		row.SGST = taxes.SGST
		row.IGST = taxes.IGST
		row.Freight = taxes.Freight
		row.DCA = taxes.DCA
		row.CF = taxes.CF
		row.OtherCharges = taxes.Other
		row.TotalAmount = taxes.CGST + taxes.SGST + taxes.IGST + taxes.chargesTotal()
		row.Currency = vc.Code
		row.ExchangeRate = vc.Rate
		return []model.InventoryVoucherRow{row}
	}

	total := amountSum + taxes.CGST + taxes.SGST + taxes.IGST + taxes.chargesTotal()

	var rows []model.InventoryVoucherRow
	for i, ln := range lines {
		e := ln.entry
		row := base
		row.LineNo = i + 1
		row.ItemName = strings.TrimSpace(e.StockItemName)

		row.Quantity, row.Unit = parseQuantity(e.ActualQty)
		if row.Unit == "" {
			row.Unit = currency.UnitFromRate(e.Rate)
		}
		row.AltQty, row.AltUnit = parseQuantity(e.BilledQty)

		if len(e.Batches) > 0 {
			b := e.Batches[0]
			row.BatchName = strings.TrimSpace(b.Name)
			row.MfgDate = parseMasterDate(b.MfgDate)
			row.Expiry = parseExpiry(b.Expiry)
		}
		if len(e.Allocations) > 0 {
			row.HSNCode = strings.TrimSpace(e.Allocations[0].hsn())
		}

		rate, rateCur, _ := currency.ExtractRateAndCurrency(e.Rate)
		row.Rate = rate
		row.Amount = ln.amount
		row.Discount = parseFloat(e.Discount)

		row.Currency = currency.ExtractForeign(e.Amount).Currency
		if row.Currency == currency.Default && rateCur != currency.Default {
			row.Currency = rateCur
		}
		// Lines reporting INR inside a foreign-currency voucher carry
		// the voucher currency and rate.
		if row.Currency == currency.Default && vc.Code != currency.Default && vc.Rate > 1 {
			row.Currency = vc.Code
			row.ExchangeRate = vc.Rate
		} else if row.Currency == vc.Code {
			row.ExchangeRate = vc.Rate
		}
		if row.Currency == "" {
			row.Currency = currency.Default
		}

		weight := ln.amount / amountSum
		row.GSTRate = taxes.gstRate()
		row.CGST = taxes.CGST * weight
		row.SGST = taxes.SGST * weight
		row.IGST = taxes.IGST * weight

		// Ancillary charges are not apportioned; every line carries
		// the full bucket and the total column counts them once.
		row.Freight = taxes.Freight
		row.DCA = taxes.DCA
		row.CF = taxes.CF
		row.OtherCharges = taxes.Other

		row.TotalAmount = total
		rows = append(rows, row)
	}
	return rows
}

// parseQuantity splits "5 nos" / "2.50 kg" into the numeric quantity
// and its unit.
func parseQuantity(s string) (float64, string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ""
	}
	fields := strings.Fields(s)
	qty := parseFloat(fields[0])
	if len(fields) > 1 {
		return qty, fields[1]
	}
	return qty, ""
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
