package chat

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ariefcatur/go-live-orders.git/internal/apperr"
)

const DefaultMaxQty = 999

type CFItem struct {
	Code string `json:"code"`
	Qty  int    `json:"qty"`
}

// Extraction is the ordered list of (code, qty) pairs found in one message.
type Extraction []CFItem

func (e Extraction) Empty() bool { return len(e) == 0 }

// Signature is order independent, so two extractions with the same
// multiset of pairs share it.
func (e Extraction) Signature() string {
	parts := make([]string, 0, len(e))
	for _, it := range e {
		parts = append(parts, it.Code+":"+strconv.Itoa(it.Qty))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func (e Extraction) String() string {
	parts := make([]string, 0, len(e))
	for _, it := range e {
		parts = append(parts, it.Code+"x"+strconv.Itoa(it.Qty))
	}
	return strings.Join(parts, " ")
}

var (
	// code with an optional attached quantity: 1, A3, 12X2, A3*2
	codeRe = regexp.MustCompile(`^([A-Z]{0,3}[0-9]{1,6})(?:[X×*]([0-9A-Z]+))?$`)
	// quantity token following a code: X2, ×2, *2
	qtyRe = regexp.MustCompile(`^[X×*]([0-9][0-9A-Z]*)$`)
	intRe = regexp.MustCompile(`^[0-9]+$`)
)

// Extractor parses chat text into CF pairs. It holds no state.
type Extractor struct {
	Markers []string
	MaxQty  int
}

func NewExtractor() *Extractor {
	return &Extractor{Markers: []string{"CF", "+"}, MaxQty: DefaultMaxQty}
}

func isSegmentBreak(r rune) bool {
	return r == ',' || r == ';' || r == '\n' || r == '\r'
}

// Extract returns the pairs in order of first appearance; repeated codes are
// merged by summing quantities. A malformed quantity rejects the whole
// message with apperr.ErrValidation.
func (x *Extractor) Extract(text string) (Extraction, error) {
	var out Extraction
	index := map[string]int{}

	add := func(code string, qty int) int {
		if i, ok := index[code]; ok {
			out[i].Qty += qty
			return i
		}
		out = append(out, CFItem{Code: code, Qty: qty})
		index[code] = len(out) - 1
		return len(out) - 1
	}

	for _, seg := range strings.FieldsFunc(strings.ToUpper(text), isSegmentBreak) {
		cur := -1        // index of the last code in this segment
		qtySet := false  // cur already has an explicit quantity
		marker := false  // previous token was a bare marker ("CF", "+")
		qtyNext := false // previous token was a bare "X"

		for _, tok := range strings.Fields(seg) {
			if x.isMarker(tok) {
				marker = true
				continue
			}

			if cur >= 0 && !qtySet {
				if qtyNext && intRe.MatchString(tok) {
					n, err := x.parseQty(out[cur].Code, tok)
					if err != nil {
						return nil, err
					}
					out[cur].Qty += n - 1
					qtySet, qtyNext = true, false
					continue
				}
				if tok == "X" || tok == "×" || tok == "*" {
					qtyNext = true
					continue
				}
				if m := qtyRe.FindStringSubmatch(tok); m != nil {
					n, err := x.parseQty(out[cur].Code, m[1])
					if err != nil {
						return nil, err
					}
					out[cur].Qty += n - 1
					qtySet = true
					continue
				}
				if !marker && intRe.MatchString(tok) {
					// standalone integer after a code is its quantity when it
					// is a plausible one; otherwise it starts a new code
					if n, err := strconv.Atoi(tok); err == nil && n >= 1 && n <= x.maxQty() {
						out[cur].Qty += n - 1
						qtySet = true
						continue
					}
				}
			}
			qtyNext = false

			body, marked := x.stripMarker(tok)
			marked = marked || marker
			m := codeRe.FindStringSubmatch(body)
			if m == nil {
				continue
			}
			qty := 1
			if m[2] != "" {
				n, err := x.parseQty(m[1], m[2])
				if err != nil {
					if !marked {
						continue
					}
					return nil, err
				}
				qty = n
			}
			cur = add(m[1], qty)
			qtySet = m[2] != ""
			marker = false
		}
	}
	return out, nil
}

func (x *Extractor) maxQty() int {
	if x.MaxQty <= 0 {
		return DefaultMaxQty
	}
	return x.MaxQty
}

func (x *Extractor) parseQty(code, s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, apperr.Validation("unparseable quantity %q for code %s", s, code)
	}
	if n < 1 || n > x.maxQty() {
		return 0, apperr.Validation("quantity %d for code %s out of range 1..%d", n, code, x.maxQty())
	}
	return n, nil
}

func (x *Extractor) isMarker(tok string) bool {
	for _, m := range x.Markers {
		if tok == strings.ToUpper(m) {
			return true
		}
	}
	return false
}

func (x *Extractor) stripMarker(tok string) (string, bool) {
	for _, m := range x.Markers {
		m = strings.ToUpper(m)
		if strings.HasPrefix(tok, m) && len(tok) > len(m) {
			return strings.TrimLeft(tok[len(m):], ":-#"), true
		}
	}
	return tok, false
}
