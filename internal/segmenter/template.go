package segmenter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// templatePattern matches one $Token$ or $Token%0Nd$ substitution, per
// spec.md §4.5: $Number$, $Time$, $Bandwidth$, $RepresentationID$, each
// optionally carrying a printf-style width specifier.
var templatePattern = regexp.MustCompile(`\$(Number|Time|Bandwidth|RepresentationID)(%0\d+d)?\$`)

// TemplateValues supplies the substitution values for one segment file name.
type TemplateValues struct {
	Number           uint64
	Time             uint64
	Bandwidth        uint32
	RepresentationID string
}

// FormatSegmentName expands a segment_template pattern against the given
// values, per spec.md §4.5/§6.
func FormatSegmentName(tmpl string, v TemplateValues) string {
	return templatePattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		sub := templatePattern.FindStringSubmatch(match)
		token, width := sub[1], sub[2]
		switch token {
		case "Number":
			return formatWithWidth(v.Number, width)
		case "Time":
			return formatWithWidth(v.Time, width)
		case "Bandwidth":
			return formatWithWidth(uint64(v.Bandwidth), width)
		case "RepresentationID":
			return v.RepresentationID
		default:
			return match
		}
	})
}

func formatWithWidth(v uint64, widthSpec string) string {
	if widthSpec == "" {
		return strconv.FormatUint(v, 10)
	}
	// widthSpec looks like "%05d"; extract the digit count.
	digits := strings.TrimSuffix(strings.TrimPrefix(widthSpec, "%0"), "d")
	n, err := strconv.Atoi(digits)
	if err != nil {
		return strconv.FormatUint(v, 10)
	}
	return fmt.Sprintf("%0*d", n, v)
}
