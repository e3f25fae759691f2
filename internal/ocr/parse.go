package ocr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kiranshivaraju/tutorledger/pkg/models"
)

var (
	// "Max Marks: 50", "Total marks - 100", "Out of 20"
	totalHeaderRe = regexp.MustCompile(`(?i)^\s*(?:max(?:imum)?|total|full)\s*marks?\s*[:=\-]?\s*(\d+(?:\.\d+)?)\s*$|^\s*out\s+of\s*[:=\-]?\s*(\d+(?:\.\d+)?)\s*$`)

	// "<identifier> <sep> 45 / 50", "<identifier> 45 out of 50", "<identifier>: 45"
	recordRe = regexp.MustCompile(`(?i)^\s*(.+?)[\s:|,\-]+(\d+(?:\.\d+)?)\s*(?:(?:/|out\s+of|of)\s*(\d+(?:\.\d+)?))?\s*$`)

	headingRe = regexp.MustCompile(`(?i)^\s*(?:roll|s\.?\s*no|sr|name|student)\b.*\b(?:marks?|score)\s*$`)
)

// ParseSheet reads one record per line. A line with no explicit total uses
// the most recent "max marks" header. Lines that look like records but cannot
// be used produce a warning instead of a record.
func ParseSheet(text string, confidence float64) ([]models.ExtractedRecord, []string) {
	var (
		records      []models.ExtractedRecord
		warnings     []string
		defaultTotal float64
	)

	for i, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || headingRe.MatchString(line) {
			continue
		}

		if m := totalHeaderRe.FindStringSubmatch(line); m != nil {
			v := m[1]
			if v == "" {
				v = m[2]
			}
			defaultTotal, _ = strconv.ParseFloat(v, 64)
			continue
		}

		m := recordRe.FindStringSubmatch(line)
		if m == nil {
			if strings.ContainsAny(line, "0123456789") {
				warnings = append(warnings, fmt.Sprintf("line %d: unrecognised %q", i+1, line))
			}
			continue
		}

		ident := cleanIdentifier(m[1])
		obtained, _ := strconv.ParseFloat(m[2], 64)
		total := defaultTotal
		if m[3] != "" {
			total, _ = strconv.ParseFloat(m[3], 64)
		}

		switch {
		case ident == "":
			warnings = append(warnings, fmt.Sprintf("line %d: missing student identifier", i+1))
			continue
		case total <= 0:
			warnings = append(warnings, fmt.Sprintf("line %d: no total marks for %q", i+1, ident))
			continue
		case obtained > total:
			warnings = append(warnings, fmt.Sprintf("line %d: %q scored %.2f of %.2f", i+1, ident, obtained, total))
			continue
		}

		records = append(records, models.ExtractedRecord{
			StudentIdentifier: ident,
			MarksObtained:     obtained,
			TotalMarks:        total,
			OCRConfidence:     confidence,
		})
	}

	if records == nil {
		records = []models.ExtractedRecord{}
	}
	return records, warnings
}

func cleanIdentifier(s string) string {
	s = strings.Trim(s, " \t:|,-.")
	return strings.Join(strings.Fields(s), " ")
}
