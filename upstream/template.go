package upstream

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/KBT0207/tally-project-sub000/model"
)

// ErrTemplateMissing is returned when no request template exists on
// disk for the requested entity kind.
var ErrTemplateMissing = errors.New("request template missing")

// AlterIDPlaceholder is the literal substring each template carries
// where the alter-id filter expression is spliced in. It is plain text,
// not an element: the upstream evaluates the substituted expression.
const AlterIDPlaceholder = "PLACEHOLDER_ALTER_ID"

var templateFiles = map[model.EntityKind]string{
	model.KindLedger:       "ledgers.xml",
	model.KindTrialBalance: "trial_balance.xml",
	model.KindSales:        "sales.xml",
	model.KindPurchase:     "purchase.xml",
	model.KindCreditNote:   "credit_note.xml",
	model.KindDebitNote:    "debit_note.xml",
	model.KindReceipt:      "receipt.xml",
	model.KindPayment:      "payment.xml",
	model.KindJournal:      "journal.xml",
	model.KindContra:       "contra.xml",
}

// Substitution anchors inside a template. The element names follow the
// upstream's request envelope.
var (
	companyAnchorRe  = regexp.MustCompile(`(<SVCURRENTCOMPANY[^>]*>)[^<]*(</SVCURRENTCOMPANY>)`)
	fromDateAnchorRe = regexp.MustCompile(`(<SVFROMDATE[^>]*>)[^<]*(</SVFROMDATE>)`)
	toDateAnchorRe   = regexp.MustCompile(`(<SVTODATE[^>]*>)[^<]*(</SVTODATE>)`)
)

// TemplateStore loads per-kind request templates from disk once and
// serves immutable copies; callers render per-request values into the
// copy, never into the cached original.
type TemplateStore struct {
	dir string

	mu    sync.RWMutex
	cache map[model.EntityKind]string
}

func NewTemplateStore(dir string) *TemplateStore {
	return &TemplateStore{
		dir:   dir,
		cache: make(map[model.EntityKind]string),
	}
}

func (ts *TemplateStore) load(kind model.EntityKind) (string, error) {
	ts.mu.RLock()
	tpl, ok := ts.cache[kind]
	ts.mu.RUnlock()
	if ok {
		return tpl, nil
	}

	name, ok := templateFiles[kind]
	if !ok {
		return "", fmt.Errorf("%w: unknown kind %q", ErrTemplateMissing, kind)
	}
	data, err := os.ReadFile(filepath.Join(ts.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrTemplateMissing, name)
		}
		return "", fmt.Errorf("failed to read template %s: %w", name, err)
	}

	// Verify well-formedness once at load; substitution below is
	// purely textual.
	if err := checkWellFormed(data); err != nil {
		return "", fmt.Errorf("template %s is not well-formed: %w", name, err)
	}

	ts.mu.Lock()
	ts.cache[kind] = string(data)
	ts.mu.Unlock()
	return string(data), nil
}

// Render produces the request document for one call: company name into
// the current-company anchor, YYYYMMDD dates into the period anchors,
// and the alter-id filter expression over the literal placeholder.
func (ts *TemplateStore) Render(kind model.EntityKind, company string, from, to *time.Time, lastAlterID int64) ([]byte, error) {
	tpl, err := ts.load(kind)
	if err != nil {
		return nil, err
	}

	out := companyAnchorRe.ReplaceAllString(tpl, "${1}"+xmlEscape(company)+"${2}")
	if from != nil {
		out = fromDateAnchorRe.ReplaceAllString(out, "${1}"+from.Format("20060102")+"${2}")
	}
	if to != nil {
		out = toDateAnchorRe.ReplaceAllString(out, "${1}"+to.Format("20060102")+"${2}")
	}

	filter := fmt.Sprintf("$$Number:$AlterID > %d", lastAlterID)
	out = strings.ReplaceAll(out, AlterIDPlaceholder, filter)

	return []byte(out), nil
}

func checkWellFormed(data []byte) error {
	d := xml.NewDecoder(bytes.NewReader(data))
	for {
		_, err := d.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func xmlEscape(s string) string {
	var b bytes.Buffer
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return s
	}
	return b.String()
}
