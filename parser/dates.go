package parser

import (
	"strings"
	"time"
)

// Business dates arrive as YYYYMMDD with no separators. Empty strings
// map to nil, never to the epoch.
func parseBusinessDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	t, err := time.Parse("20060102", s)
	if err != nil {
		return nil
	}
	return &t
}

// Expiry strings can be DD-Mon-YY, DD-Mon-YYYY, or a Julian day number
// carried in the JD attribute. Attempt each in order.
func parseExpiry(v jdText) *time.Time {
	text := strings.TrimSpace(v.Text)
	if text != "" {
		for _, layout := range []string{"2-Jan-06", "2-Jan-2006", "02-Jan-06", "02-Jan-2006"} {
			if t, err := time.Parse(layout, text); err == nil {
				return &t
			}
		}
	}
	if jd := parseInt(v.JD); jd > 0 {
		t := julianToDate(jd)
		return &t
	}
	return nil
}

// julianToDate converts the upstream's day-number serial (days since
// 1899-12-30, the spreadsheet convention its exports follow) to a date.
func julianToDate(jd int64) time.Time {
	base := time.Date(1899, time.December, 30, 0, 0, 0, 0, time.UTC)
	return base.AddDate(0, 0, int(jd))
}

// Master records carry dates in either of two shapes depending on the
// export version.
func parseMasterDate(s string) *time.Time {
	if t := parseBusinessDate(s); t != nil {
		return t
	}
	s = strings.TrimSpace(s)
	for _, layout := range []string{"2-Jan-06", "2-Jan-2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}
