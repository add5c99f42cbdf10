package payments

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/agnivade/levenshtein"
	"github.com/shopspring/decimal"
)

type Weights struct {
	Amount    float64
	Time      float64
	Reference float64
	Account   float64
}

var DefaultWeights = Weights{Amount: 40, Time: 25, Reference: 25, Account: 10}

// Scorer compares a slip against one bank SMS. Score is the achieved share of
// the weights of the fields both sides carry, scaled to 0..100.
type Scorer struct {
	Weights         Weights
	TimeTolerance   time.Duration
	AmountTolerance decimal.Decimal
	High            float64
	Low             float64
}

func NewScorer() *Scorer {
	return &Scorer{
		Weights:         DefaultWeights,
		TimeTolerance:   5 * time.Minute,
		AmountTolerance: decimal.Zero,
		High:            80,
		Low:             50,
	}
}

type Match struct {
	SmsID    string
	Score    float64
	AmountOK bool
	RefMatch bool
	// RefConflict is set when both sides carry a reference and they differ.
	RefConflict bool
	TimeDelta   time.Duration
	Notes       []string
}

func normRef(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToUpper(r)
		}
		return -1
	}, s)
}

func digits(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

func normName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func (sc *Scorer) Score(p *Payment, s *BankSms) Match {
	m := Match{SmsID: s.ID}
	w := sc.Weights
	var achieved, comparable float64

	// amount
	comparable += w.Amount
	diff := p.Amount.Sub(s.Amount).Abs()
	if diff.LessThanOrEqual(sc.AmountTolerance) {
		m.AmountOK = true
		achieved += w.Amount
	} else {
		m.Notes = append(m.Notes, fmt.Sprintf("amount %s differs from bank %s", p.Amount, s.Amount))
	}

	// time proximity, a missing slip time counts against the slip
	comparable += w.Time
	if p.TransferAt == nil || p.TransferAt.IsZero() {
		m.Notes = append(m.Notes, "slip has no transfer time")
		m.TimeDelta = time.Duration(math.MaxInt64)
	} else {
		m.TimeDelta = p.TransferAt.Sub(s.When())
		if m.TimeDelta < 0 {
			m.TimeDelta = -m.TimeDelta
		}
		if sc.TimeTolerance > 0 && m.TimeDelta <= sc.TimeTolerance {
			frac := float64(m.TimeDelta) / float64(sc.TimeTolerance)
			achieved += w.Time * (1 - 0.5*frac)
		} else {
			m.Notes = append(m.Notes, fmt.Sprintf("transfer time %s apart", m.TimeDelta.Round(time.Second)))
		}
	}

	// reference, only when both sides have one
	if pr, sr := normRef(p.Reference), normRef(s.ReferenceNo); pr != "" && sr != "" {
		comparable += w.Reference
		if pr == sr {
			m.RefMatch = true
			achieved += w.Reference
		} else {
			m.RefConflict = true
			m.Notes = append(m.Notes, "reference differs")
		}
	}

	// account, masked digits first then name similarity
	if s.TransferFrom != "" && (p.AccountNumber != "" || p.AccountName != "") {
		comparable += w.Account
		achieved += w.Account * accountSimilarity(p, s.TransferFrom)
	}

	if comparable > 0 {
		m.Score = math.Round(achieved/comparable*1000) / 10
	}
	return m
}

// accountSimilarity returns 0..1. Banks mask most digits (x-1234), so a
// suffix of at least three visible digits counts as a full match.
func accountSimilarity(p *Payment, from string) float64 {
	if fd, pd := digits(from), digits(p.AccountNumber); len(fd) >= 3 && pd != "" {
		if strings.HasSuffix(pd, fd) {
			return 1
		}
	}
	a, b := normName(p.AccountName), nameOf(from)
	if a == "" || b == "" {
		return 0
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	ratio := 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
	if ratio < 0.5 {
		return 0
	}
	return ratio
}

// nameOf drops the masked account part (x-1234, XXX-X-X1234-X) of a bank
// "transfer from" field and keeps the name.
func nameOf(from string) string {
	var keep []string
	for _, f := range strings.Fields(from) {
		if digits(f) != "" || strings.Trim(f, "xX-*.") == "" {
			continue
		}
		keep = append(keep, f)
	}
	return normName(strings.Join(keep, " "))
}
