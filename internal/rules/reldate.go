package rules

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	hoursPerDay = 24
	daysPerWeek = 7
	// months are approximated as a fixed number of days
	daysPerMonth = 30
)

// ErrBadDateExpression is returned for anything that is not "<n> <unit> ago".
var ErrBadDateExpression = errors.New("bad relative date expression")

// ParseRelative resolves expressions like "7 days ago" against now. Units are matched
// by prefix: day, hour, week, month.
func ParseRelative(expr string, now time.Time) (time.Time, error) {
	parts := strings.Fields(strings.ToLower(expr))
	if len(parts) != 3 || parts[2] != "ago" {
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadDateExpression, expr)
	}
	amount, err := strconv.Atoi(parts[0])
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: amount %q", ErrBadDateExpression, parts[0])
	}
	unit := parts[1]
	var step time.Duration
	switch {
	case strings.HasPrefix(unit, "day"):
		step = hoursPerDay * time.Hour
	case strings.HasPrefix(unit, "hour"):
		step = time.Hour
	case strings.HasPrefix(unit, "week"):
		step = daysPerWeek * hoursPerDay * time.Hour
	case strings.HasPrefix(unit, "month"):
		step = daysPerMonth * hoursPerDay * time.Hour
	default:
		return time.Time{}, fmt.Errorf("%w: unit %q", ErrBadDateExpression, unit)
	}
	return now.Add(-time.Duration(amount) * step), nil
}
