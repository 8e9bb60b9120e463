// Package cronspec converts between the friendly schedule form shown to users
// and the 5-field cron expression stored on a workflow.
package cronspec

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	cronv3 "github.com/robfig/cron/v3"
)

type Unit string

const (
	Minutes Unit = "minutes"
	Hours   Unit = "hours"
	Days    Unit = "days"
)

type Friendly struct {
	Unit     Unit `json:"unit"`
	Every    int  `json:"every"`
	AtMinute int  `json:"atMinute"`
	AtHour   int  `json:"atHour"`
}

var ErrInvalidCron = errors.New("invalid cron expression")

var parser = cronv3.NewParser(cronv3.Minute | cronv3.Hour | cronv3.Dom | cronv3.Month | cronv3.Dow)

// ToCron renders f as a cron expression. Out of range values are clamped.
func ToCron(f Friendly) (string, error) {
	switch f.Unit {
	case Minutes:
		return fmt.Sprintf("*/%d * * * *", clamp(f.Every, 1, 59)), nil
	case Hours:
		return fmt.Sprintf("%d */%d * * *", clamp(f.AtMinute, 0, 59), clamp(f.Every, 1, 23)), nil
	case Days:
		return fmt.Sprintf("%d %d */%d * *",
			clamp(f.AtMinute, 0, 59), clamp(f.AtHour, 0, 23), clamp(f.Every, 1, 31)), nil
	default:
		return "", fmt.Errorf("unknown schedule unit %q", f.Unit)
	}
}

// Parse decomposes expr when it has one of the shapes ToCron produces. Any
// other expression is opaque and ok is false.
func Parse(expr string) (f Friendly, ok bool) {
	fields := strings.Fields(expr)
	if len(fields) != 5 || fields[3] != "*" || fields[4] != "*" {
		return Friendly{}, false
	}

	if every, ok := step(fields[0], 1, 59); ok && fields[1] == "*" && fields[2] == "*" {
		return Friendly{Unit: Minutes, Every: every}, true
	}

	minute, ok := number(fields[0], 0, 59)
	if !ok {
		return Friendly{}, false
	}

	if every, ok := step(fields[1], 1, 23); ok && fields[2] == "*" {
		return Friendly{Unit: Hours, Every: every, AtMinute: minute}, true
	}

	hour, ok := number(fields[1], 0, 23)
	if !ok {
		return Friendly{}, false
	}
	if every, ok := step(fields[2], 1, 31); ok {
		return Friendly{Unit: Days, Every: every, AtMinute: minute, AtHour: hour}, true
	}
	return Friendly{}, false
}

func Validate(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}
	return nil
}

// Next returns the first activation of expr strictly after from, evaluated in
// loc and returned in UTC.
func Next(expr string, from time.Time, loc *time.Location) (time.Time, error) {
	schedule, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	next := schedule.Next(from.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q never fires", ErrInvalidCron, expr)
	}
	return next.UTC(), nil
}

func step(field string, min, max int) (int, bool) {
	if !strings.HasPrefix(field, "*/") {
		return 0, false
	}
	return number(strings.TrimPrefix(field, "*/"), min, max)
}

// number accepts only canonical decimals, so "05" or "+5" stay opaque.
func number(field string, min, max int) (int, bool) {
	n, err := strconv.Atoi(field)
	if err != nil || strconv.Itoa(n) != field || n < min || n > max {
		return 0, false
	}
	return n, true
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
