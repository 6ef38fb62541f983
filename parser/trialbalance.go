package parser

import (
	"encoding/xml"
	"strings"
	"time"

	"github.com/KBT0207/tally-project-sub000/model"
)

// ParseTrialBalance parses a balance response into one row per ledger.
// Net is derived as closing minus opening; the reporting period is
// supplied by the caller, not the document.
func ParseTrialBalance(data []byte, companyName string, start, end time.Time) ([]model.TrialBalanceRow, error) {
	var rows []model.TrialBalanceRow

	err := forEachElement(data, "LEDGER", func(d *xml.Decoder, se xml.StartElement) error {
		nameAttr := attr(se, "NAME")
		var l rawLedgerMaster
		if err := d.DecodeElement(&l, &se); err != nil {
			return err
		}
		if l.NameAttr == "" {
			l.NameAttr = nameAttr
		}

		opening := parseFloat(l.OpeningBalance)
		closing := parseFloat(l.ClosingBalance)
		rows = append(rows, model.TrialBalanceRow{
			CompanyName: companyName,
			LedgerName:  l.name(),
			ParentGroup: strings.TrimSpace(l.Parent),
			Opening:     opening,
			Closing:     closing,
			Net:         closing - opening,
			StartDate:   start,
			EndDate:     end,
			AlterID:     parseInt(l.AlterID),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}
