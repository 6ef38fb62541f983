package parser

import (
	"math"
	"testing"

	"github.com/KBT0207/tally-project-sub000/model"
)

const receiptXML = `<ENVELOPE>
<VOUCHER ACTION="Alter">
  <GUID>g-rcpt-1</GUID><ALTERID>501</ALTERID>
  <DATE>20240601</DATE><VOUCHERNUMBER>R-7</VOUCHERNUMBER>
  <VOUCHERTYPENAME>Receipt</VOUCHERTYPENAME>
  <NARRATION>advance received</NARRATION>
  <ALLLEDGERENTRIES.LIST>
    <LEDGERNAME>HDFC Bank</LEDGERNAME>
    <AMOUNT>-61600.00</AMOUNT>
  </ALLLEDGERENTRIES.LIST>
  <ALLLEDGERENTRIES.LIST>
    <LEDGERNAME>Acme Inc</LEDGERNAME>
    <AMOUNT>700.00 USD @ 88.00/USD = 61600.00</AMOUNT>
  </ALLLEDGERENTRIES.LIST>
</VOUCHER>
</ENVELOPE>`

func TestParseLedgerVouchers(t *testing.T) {
	rows, err := ParseLedgerVouchers([]byte(receiptXML), "ACME")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}

	bank, party := rows[0], rows[1]

	if bank.LedgerName != "HDFC Bank" || bank.AmountType != model.AmountDebit {
		t.Errorf("bank row: %+v", bank)
	}
	if math.Abs(bank.Amount-61600) > 0.001 {
		t.Errorf("bank amount = %v, want absolute 61600", bank.Amount)
	}
	// INR line inside a foreign voucher inherits the voucher currency.
	if bank.Currency != "USD" || math.Abs(bank.ExchangeRate-88) > 0.001 {
		t.Errorf("bank currency = %q @ %v, want USD 88", bank.Currency, bank.ExchangeRate)
	}

	if party.AmountType != model.AmountCredit || math.Abs(party.Amount-700) > 0.001 {
		t.Errorf("party row: %+v", party)
	}
	if party.Currency != "USD" || math.Abs(party.ExchangeRate-88) > 0.001 {
		t.Errorf("party currency = %q @ %v", party.Currency, party.ExchangeRate)
	}

	for _, r := range rows {
		if r.GUID != "g-rcpt-1" || r.AlterID != 501 || r.ChangeStatus != "Modified" {
			t.Errorf("voucher-level fields differ: %+v", r)
		}
	}
}

func TestParseLedgerVouchersDeletedStub(t *testing.T) {
	const deleted = `<ENVELOPE>
<VOUCHER><GUID>g-del</GUID><ALTERID>900</ALTERID><ISDELETED>Yes</ISDELETED></VOUCHER>
</ENVELOPE>`

	rows, err := ParseLedgerVouchers([]byte(deleted), "ACME")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want one stub", len(rows))
	}
	if rows[0].IsDeleted != "Yes" || rows[0].ChangeStatus != model.StatusDeleted {
		t.Errorf("stub flags: %+v", rows[0].Tracking)
	}
}
