package reconcile

import (
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tutorledger/pkg/models"
)

const (
	ConfidenceRoll = 1.0
	ConfidenceName = 0.9
)

// Matcher resolves OCR student identifiers against an exam's roster. Only
// exact matches count; an identifier matching more than one student, or a
// roll number contradicted by the name next to it, stays unmatched.
type Matcher struct {
	byRoll map[string][]*models.Student
	byName map[string][]*models.Student
}

func NewMatcher(roster []*models.Student) *Matcher {
	m := &Matcher{
		byRoll: make(map[string][]*models.Student),
		byName: make(map[string][]*models.Student),
	}
	for _, s := range roster {
		if roll := normalizeRoll(s.RollNumber); roll != "" {
			m.byRoll[roll] = append(m.byRoll[roll], s)
		}
		if name := normalizeName(s.FullName); name != "" {
			m.byName[name] = append(m.byName[name], s)
		}
	}
	return m
}

// Match returns the matched student id and its confidence, or nil and 0.
func (m *Matcher) Match(identifier string) (*uuid.UUID, float64) {
	ident := normalizeName(identifier)
	if ident == "" {
		return nil, 0
	}

	if s, ok := unique(m.byRoll[normalizeRoll(ident)]); ok {
		return &s.ID, ConfidenceRoll
	}
	if s, ok := unique(m.byName[ident]); ok {
		return &s.ID, ConfidenceName
	}

	// "12 asha rao": leading roll number followed by a name.
	first, rest, found := strings.Cut(ident, " ")
	if !found {
		return nil, 0
	}
	if s, ok := unique(m.byRoll[normalizeRoll(first)]); ok {
		if normalizeName(s.FullName) == rest {
			return &s.ID, ConfidenceRoll
		}
		return nil, 0
	}
	if s, ok := unique(m.byName[rest]); ok && len(m.byRoll[normalizeRoll(first)]) == 0 {
		return &s.ID, ConfidenceName
	}
	return nil, 0
}

func unique(ss []*models.Student) (*models.Student, bool) {
	if len(ss) != 1 {
		return nil, false
	}
	return ss[0], true
}

// normalizeName lowercases and keeps letters, digits and single spaces.
func normalizeName(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
}

// normalizeRoll drops a "roll no" prefix, separators and leading zeros.
func normalizeRoll(s string) string {
	s = normalizeName(s)
	for _, prefix := range []string{"roll number ", "roll no ", "roll "} {
		s = strings.TrimPrefix(s, prefix)
	}
	s = strings.ReplaceAll(s, " ", "")
	trimmed := strings.TrimLeft(s, "0")
	if trimmed == "" && s != "" {
		return "0"
	}
	return trimmed
}
