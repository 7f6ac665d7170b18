package task

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Reminder offsets are entered as "<positive int><unit>" with unit m/h/d,
// e.g. "30m 2h 1d". Anything past 30 days of lead time is rejected.
const maxOffsetMinutes = 30 * 24 * 60

var offsetRe = regexp.MustCompile(`^(?i)(\d+)([mhd])$`)

var unitMinutes = map[string]int{"m": 1, "h": 60, "d": 24 * 60}

// OffsetError reports an invalid reminder offset token.
type OffsetError struct {
	Token  string
	Reason string
}

func (e *OffsetError) Error() string {
	return fmt.Sprintf("invalid reminder offset %q: %s", e.Token, e.Reason)
}

// ParseOffset converts one offset token to whole minutes.
func ParseOffset(token string) (int, error) {
	m := offsetRe.FindStringSubmatch(strings.TrimSpace(token))
	if m == nil {
		return 0, &OffsetError{Token: token, Reason: "expected <number><m|h|d>, e.g. 30m, 2h, 1d"}
	}
	value, err := strconv.Atoi(m[1])
	if err == nil && value == 0 {
		return 0, &OffsetError{Token: token, Reason: "must be positive"}
	}
	// The ceiling is checked before multiplying by the unit so a huge value
	// cannot overflow int and come back under it. The regexp only admits
	// digits, so Atoi failing means the number does not even fit an int.
	if err != nil || value > maxOffsetMinutes {
		return 0, &OffsetError{Token: token, Reason: "exceeds the 30 day maximum"}
	}
	minutes := value * unitMinutes[strings.ToLower(m[2])]
	if minutes > maxOffsetMinutes {
		return 0, &OffsetError{Token: token, Reason: "exceeds the 30 day maximum"}
	}
	return minutes, nil
}

// ParseOffsets parses space-separated offset tokens into a minute list
// sorted descending (largest lead time first). Duplicates are collapsed.
func ParseOffsets(s string) ([]int, error) {
	var out []int
	seen := map[int]bool{}
	for _, token := range strings.Fields(s) {
		minutes, err := ParseOffset(token)
		if err != nil {
			return nil, err
		}
		if seen[minutes] {
			continue
		}
		seen[minutes] = true
		out = append(out, minutes)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out, nil
}

// FormatOffset renders a minute offset the way reminders phrase it:
// whole days if >= 1 day, else whole hours if >= 1 hour, else minutes.
func FormatOffset(minutes int) string {
	switch {
	case minutes >= 24*60:
		return fmt.Sprintf("%dd", minutes/(24*60))
	case minutes >= 60:
		return fmt.Sprintf("%dh", minutes/60)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}
