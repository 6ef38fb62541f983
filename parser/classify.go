package parser

import (
	"regexp"
	"strings"
)

// bucket identifies where a voucher ledger entry's amount aggregates.
type bucket int

const (
	bucketNone bucket = iota
	bucketCGST
	bucketSGST
	bucketIGST
	bucketFreight
	bucketDCA
	bucketCF
	bucketOther
)

// Classifier assigns voucher ledger entries to tax and charge buckets
// by their lowercased ledger name. The other-charges patterns are
// heuristic and operator-tunable; the defaults ship the families seen
// in production ledgers.
type Classifier struct {
	cgst    *regexp.Regexp
	sgst    *regexp.Regexp
	igst    *regexp.Regexp
	inOut   *regexp.Regexp
	freight *regexp.Regexp
	dca     *regexp.Regexp
	cf      *regexp.Regexp

	rounding *regexp.Regexp
	gstLike  *regexp.Regexp

	extraOther []*regexp.Regexp

	ratePct *regexp.Regexp
}

// NewClassifier compiles the default regex families plus any extra
// other-charge patterns from configuration. Invalid extra patterns are
// skipped.
func NewClassifier(extraOtherPatterns []string) *Classifier {
	c := &Classifier{
		cgst:    regexp.MustCompile(`\bcgst\b`),
		sgst:    regexp.MustCompile(`\bsgst\b`),
		igst:    regexp.MustCompile(`\bigst\b`),
		inOut:   regexp.MustCompile(`input|output`),
		freight: regexp.MustCompile(`freight`),
		dca:     regexp.MustCompile(`\bdca\b`),
		cf:      regexp.MustCompile(`clearing\s*(?:&|and)\s*forwarding|\bc\s*&\s*f\b`),

		rounding: regexp.MustCompile(`round\s*(?:off|ed)?`),
		gstLike:  regexp.MustCompile(`\bgst\b|\bduty\b|\bcess\b|\btax\b`),

		ratePct: regexp.MustCompile(`@\s*(\d+(?:\.\d+)?)\s*%`),
	}
	for _, p := range extraOtherPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		c.extraOther = append(c.extraOther, re)
	}
	return c
}

// Classify maps a ledger entry name to its bucket. The party ledger and
// rounding lines never aggregate; GST/duty/cess lines that are not one
// of the three recognized GST families are excluded from other charges.
func (c *Classifier) Classify(ledgerName string, isParty bool) bucket {
	name := strings.ToLower(strings.TrimSpace(ledgerName))
	if name == "" || isParty {
		return bucketNone
	}

	switch {
	case c.cgst.MatchString(name) && c.inOut.MatchString(name):
		return bucketCGST
	case c.sgst.MatchString(name) && c.inOut.MatchString(name):
		return bucketSGST
	case c.igst.MatchString(name) && c.inOut.MatchString(name):
		return bucketIGST
	case c.freight.MatchString(name):
		return bucketFreight
	case c.dca.MatchString(name):
		return bucketDCA
	case c.cf.MatchString(name):
		return bucketCF
	}

	if c.rounding.MatchString(name) || c.gstLike.MatchString(name) {
		return bucketNone
	}
	for _, re := range c.extraOther {
		if re.MatchString(name) {
			return bucketOther
		}
	}
	if len(c.extraOther) == 0 {
		// Default catchall: any remaining non-party, non-rounding,
		// non-tax ledger is an ancillary charge.
		return bucketOther
	}
	return bucketNone
}

// RateFromName extracts the percentage from a ledger-name suffix such
// as "Output CGST @ 9%". Returns 0 when absent.
func (c *Classifier) RateFromName(ledgerName string) float64 {
	m := c.ratePct.FindStringSubmatch(strings.ToLower(ledgerName))
	if m == nil {
		return 0
	}
	return parseFloat(m[1])
}
