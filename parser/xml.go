// Package parser turns sanitized upstream XML into typed row records.
// One tokenization pass is shared by all parser families; they diverge
// only on the row shape they emit.
package parser

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// jdText is an element whose value may arrive either as display text or
// as a Julian day-number attribute.
type jdText struct {
	JD   string `xml:"JD,attr"`
	Text string `xml:",chardata"`
}

type rawLedgerEntry struct {
	LedgerName    string `xml:"LEDGERNAME"`
	Amount        string `xml:"AMOUNT"`
	IsPartyLedger string `xml:"ISPARTYLEDGER"`
	IsDeemedPos   string `xml:"ISDEEMEDPOSITIVE"`
	CurrencyName  string `xml:"CURRENCYNAME"`
}

type rawBatch struct {
	Name    string `xml:"BATCHNAME"`
	MfgDate string `xml:"MFDON"`
	Expiry  jdText `xml:"EXPIRYPERIOD"`
}

type rawAccAlloc struct {
	LedgerName string `xml:"LEDGERNAME"`
	HSNCode    string `xml:"GSTHSNCODE"`
	AltHSNCode string `xml:"HSNCODE"`
}

func (a rawAccAlloc) hsn() string {
	if a.HSNCode != "" {
		return a.HSNCode
	}
	return a.AltHSNCode
}

type rawInventoryEntry struct {
	StockItemName string `xml:"STOCKITEMNAME"`
	Rate          string `xml:"RATE"`
	Amount        string `xml:"AMOUNT"`
	ActualQty     string `xml:"ACTUALQTY"`
	BilledQty     string `xml:"BILLEDQTY"`
	Discount      string `xml:"DISCOUNT"`

	Batches     []rawBatch    `xml:"BATCHALLOCATIONS.LIST"`
	Allocations []rawAccAlloc `xml:"ACCOUNTINGALLOCATIONS.LIST"`
}

type rawVoucher struct {
	Action          string `xml:"ACTION,attr"`
	GUID            string `xml:"GUID"`
	AlterID         string `xml:"ALTERID"`
	MasterID        string `xml:"MASTERID"`
	Date            string `xml:"DATE"`
	VoucherNumber   string `xml:"VOUCHERNUMBER"`
	VoucherTypeName string `xml:"VOUCHERTYPENAME"`
	PartyLedgerName string `xml:"PARTYLEDGERNAME"`
	PartyName       string `xml:"PARTYNAME"`
	PartyGSTIN      string `xml:"PARTYGSTIN"`
	Narration       string `xml:"NARRATION"`
	IsDeleted       string `xml:"ISDELETED"`
	IsCancelled     string `xml:"ISCANCELLED"`

	AllLedgerEntries    []rawLedgerEntry    `xml:"ALLLEDGERENTRIES.LIST"`
	LedgerEntries       []rawLedgerEntry    `xml:"LEDGERENTRIES.LIST"`
	AllInventoryEntries []rawInventoryEntry `xml:"ALLINVENTORYENTRIES.LIST"`
	InventoryEntries    []rawInventoryEntry `xml:"INVENTORYENTRIES.LIST"`
}

// ledgerEntries returns whichever ledger-entry list the export carried.
func (v *rawVoucher) ledgerEntries() []rawLedgerEntry {
	if len(v.AllLedgerEntries) > 0 {
		return v.AllLedgerEntries
	}
	return v.LedgerEntries
}

func (v *rawVoucher) inventoryEntries() []rawInventoryEntry {
	if len(v.AllInventoryEntries) > 0 {
		return v.AllInventoryEntries
	}
	return v.InventoryEntries
}

func (v *rawVoucher) deleted() bool {
	if strings.EqualFold(strings.TrimSpace(v.IsDeleted), "Yes") {
		return true
	}
	switch strings.TrimSpace(v.Action) {
	case "Delete", "Deleted":
		return true
	}
	return false
}

func (v *rawVoucher) changeStatus() string {
	if v.deleted() {
		return "Deleted"
	}
	switch strings.TrimSpace(v.Action) {
	case "Alter", "Modify":
		return "Modified"
	default:
		return "New"
	}
}

type rawLanguageName struct {
	Names []string `xml:"NAME.LIST>NAME"`
}

type rawLedgerMaster struct {
	NameAttr string `xml:"NAME,attr"`
	Name     string `xml:"NAME"`
	Parent   string `xml:"PARENT"`
	Alias    string `xml:"ALIAS"`

	LanguageNames []rawLanguageName `xml:"LANGUAGENAME.LIST"`
	AddressList   []string          `xml:"ADDRESS.LIST>ADDRESS"`
	MailingName   string            `xml:"MAILINGNAME.LIST>MAILINGNAME"`

	State   string `xml:"LEDSTATENAME"`
	Pincode string `xml:"PINCODE"`
	Phone   string `xml:"LEDGERPHONE"`
	Email   string `xml:"EMAIL"`

	GSTIN    string `xml:"PARTYGSTIN"`
	AltGSTIN string `xml:"GSTREGISTRATIONNUMBER"`
	PAN      string `xml:"INCOMETAXNUMBER"`

	BankAccountNumber string `xml:"BANKDETAILS"`
	BankIFSC          string `xml:"IFSCODE"`
	BankName          string `xml:"BANKNAME"`

	OpeningBalance string `xml:"OPENINGBALANCE"`
	ClosingBalance string `xml:"CLOSINGBALANCE"`
	CreatedDate    string `xml:"CREATEDDATE"`
	AlteredOn      string `xml:"ALTEREDON"`

	GUID      string `xml:"GUID"`
	AlterID   string `xml:"ALTERID"`
	MasterID  string `xml:"MASTERID"`
	IsDeleted string `xml:"ISDELETED"`
	Action    string `xml:"ACTION,attr"`
}

func (l *rawLedgerMaster) name() string {
	if n := strings.TrimSpace(l.NameAttr); n != "" {
		return n
	}
	return strings.TrimSpace(l.Name)
}

// forEachElement decodes every element named local under data and hands
// it to fn. The decoder is lenient: the sanitizer has already fixed the
// encoding, and upstream exports routinely contain unknown entities and
// unclosed markup around the elements we care about.
func forEachElement(data []byte, local string, fn func(d *xml.Decoder, start xml.StartElement) error) error {
	d := xml.NewDecoder(bytes.NewReader(data))
	d.Strict = false
	d.Entity = xml.HTMLEntity
	d.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) {
		return input, nil
	}

	for {
		tok, err := d.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("xml tokenization failed: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || !strings.EqualFold(start.Name.Local, local) {
			continue
		}
		if err := fn(d, start); err != nil {
			return err
		}
	}
}

func attr(start xml.StartElement, name string) string {
	for _, a := range start.Attr {
		if strings.EqualFold(a.Name.Local, name) {
			return a.Value
		}
	}
	return ""
}

func parseInt(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		// Some exports carry alter ids as "123.0".
		if f, ferr := strconv.ParseFloat(s, 64); ferr == nil {
			return int64(f)
		}
		return 0
	}
	return n
}

func parseFloat(s string) float64 {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
