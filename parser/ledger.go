package parser

import (
	"encoding/xml"
	"strings"

	"github.com/KBT0207/tally-project-sub000/model"
)

// ParseLedgers parses a ledger master response. Aliases are collected
// from the direct ALIAS element and from nested LANGUAGENAME.LIST name
// tuples, de-duplicated against the principal name; address lines keep
// document order, capped at three.
func ParseLedgers(data []byte, companyName string) ([]model.LedgerRow, error) {
	var rows []model.LedgerRow

	err := forEachElement(data, "LEDGER", func(d *xml.Decoder, start xml.StartElement) error {
		nameAttr := attr(start, "NAME")
		var l rawLedgerMaster
		if err := d.DecodeElement(&l, &start); err != nil {
			return err
		}
		if l.NameAttr == "" {
			l.NameAttr = nameAttr
		}
		rows = append(rows, ledgerRow(&l, companyName))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func ledgerRow(l *rawLedgerMaster, companyName string) model.LedgerRow {
	name := l.name()

	aliases := collectAliases(l, name)
	row := model.LedgerRow{
		Tracking: model.Tracking{
			GUID:         strings.TrimSpace(l.GUID),
			AlterID:      parseInt(l.AlterID),
			MasterID:     parseInt(l.MasterID),
			ChangeStatus: masterStatus(l),
			IsDeleted:    strings.TrimSpace(l.IsDeleted),
		},
		CompanyName: companyName,
		Name:        name,
		ParentGroup: strings.TrimSpace(l.Parent),

		MailingName: strings.TrimSpace(l.MailingName),
		Phone:       strings.TrimSpace(l.Phone),
		Email:       strings.TrimSpace(l.Email),
		State:       strings.TrimSpace(l.State),
		Pincode:     strings.TrimSpace(l.Pincode),

		GSTIN: firstNonEmpty(l.GSTIN, l.AltGSTIN),
		PAN:   strings.TrimSpace(l.PAN),

		BankAccountNumber: strings.TrimSpace(l.BankAccountNumber),
		BankIFSC:          strings.TrimSpace(l.BankIFSC),
		BankName:          strings.TrimSpace(l.BankName),

		OpeningBalance: parseFloat(l.OpeningBalance),
		CreatedDate:    parseMasterDate(l.CreatedDate),
		ModifiedDate:   parseMasterDate(l.AlteredOn),
	}
	if row.IsDeleted == "" {
		row.IsDeleted = "No"
	}

	if len(aliases) > 0 {
		row.Alias1 = aliases[0]
	}
	if len(aliases) > 1 {
		row.Alias2 = aliases[1]
	}
	if len(aliases) > 2 {
		row.Alias3 = aliases[2]
	}

	for i, addr := range l.AddressList {
		if i >= 3 {
			break
		}
		switch i {
		case 0:
			row.Address1 = strings.TrimSpace(addr)
		case 1:
			row.Address2 = strings.TrimSpace(addr)
		case 2:
			row.Address3 = strings.TrimSpace(addr)
		}
	}
	return row
}

func collectAliases(l *rawLedgerMaster, principal string) []string {
	seen := map[string]bool{strings.ToLower(principal): true, "": true}
	var out []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		key := strings.ToLower(s)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, s)
	}

	add(l.Alias)
	for _, ln := range l.LanguageNames {
		for _, n := range ln.Names {
			add(n)
		}
	}
	return out
}

func masterStatus(l *rawLedgerMaster) string {
	if strings.EqualFold(strings.TrimSpace(l.IsDeleted), "Yes") {
		return model.StatusDeleted
	}
	switch strings.TrimSpace(l.Action) {
	case "Alter", "Modify":
		return model.StatusModified
	default:
		return model.StatusNew
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
