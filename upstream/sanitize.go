package upstream

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// Responses advertise no reliable encoding. Decode as UTF-8 when valid,
// otherwise Windows-1252, otherwise Latin-1, then strip the control
// characters and broken entities that break XML tokenizers downstream.
func Sanitize(raw []byte) []byte {
	decoded := decodeToUTF8(raw)
	decoded = stripControlRunes(decoded)
	decoded = stripControlCharRefs(decoded)
	return escapeLoneAmpersands(decoded)
}

func decodeToUTF8(raw []byte) []byte {
	if utf8.Valid(raw) {
		return raw
	}
	if out, err := charmap.Windows1252.NewDecoder().Bytes(raw); err == nil {
		return out
	}
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	if err != nil {
		return raw
	}
	return out
}

// Control characters other than TAB, LF and CR are never legal in XML
// 1.0, encoded or not.
func controlRune(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return r < 0x20 || r == 0x7f
}

func stripControlRunes(data []byte) []byte {
	var b bytes.Buffer
	b.Grow(len(data))
	for _, r := range string(data) {
		if controlRune(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.Bytes()
}

var charRefRe = regexp.MustCompile(`&#(?:[xX]([0-9a-fA-F]+)|([0-9]+));`)

func stripControlCharRefs(data []byte) []byte {
	return charRefRe.ReplaceAllFunc(data, func(ref []byte) []byte {
		m := charRefRe.FindSubmatch(ref)
		var code int64
		var err error
		if len(m[1]) > 0 {
			code, err = strconv.ParseInt(string(m[1]), 16, 32)
		} else {
			code, err = strconv.ParseInt(string(m[2]), 10, 32)
		}
		if err == nil && controlRune(rune(code)) {
			return nil
		}
		return ref
	})
}

var entityTailRe = regexp.MustCompile(`^(?:amp|lt|gt|quot|apos|#[0-9]+|#[xX][0-9a-fA-F]+);`)

// escapeLoneAmpersands rewrites '&' that does not begin a recognized
// entity to '&amp;'. Ledger names containing raw ampersands are common.
func escapeLoneAmpersands(data []byte) []byte {
	s := string(data)
	if !strings.Contains(s, "&") {
		return data
	}

	var b strings.Builder
	b.Grow(len(s) + 16)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '&' {
			b.WriteByte(c)
			continue
		}
		tail := s[i+1:]
		if len(tail) > 12 {
			tail = tail[:12]
		}
		if entityTailRe.MatchString(tail) {
			b.WriteByte(c)
			continue
		}
		b.WriteString("&amp;")
	}
	return []byte(b.String())
}
