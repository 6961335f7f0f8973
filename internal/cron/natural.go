package cron

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// NATURAL LANGUAGE -> CRON
// =============================================================================

// phraseTable maps common scheduling phrases to cron expressions. Checked
// before any LLM call so frequent phrasings never need a model.
var phraseTable = map[string]string{
	"every minute":         "* * * * *",
	"every hour":           "0 * * * *",
	"hourly":               "0 * * * *",
	"every day":            "0 0 * * *",
	"daily":                "0 0 * * *",
	"every midnight":       "0 0 * * *",
	"every morning":        "0 9 * * *",
	"every evening":        "0 18 * * *",
	"every night":          "0 22 * * *",
	"every week":           "0 0 * * 0",
	"weekly":               "0 0 * * 0",
	"every month":          "0 0 1 * *",
	"monthly":              "0 0 1 * *",
	"every weekday":        "0 9 * * 1-5",
	"every sunday at noon": "0 12 * * 0",
}

var weekdayNumbers = map[string]int{
	"sunday": 0, "monday": 1, "tuesday": 2, "wednesday": 3,
	"thursday": 4, "friday": 5, "saturday": 6,
}

var weekdayNames = [...]string{
	"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday",
}

var (
	everyNMinutes = regexp.MustCompile(`^every (\d+) min(ute)?s?$`)
	everyNHours   = regexp.MustCompile(`^every (\d+) hours?$`)
	dailyAtTime   = regexp.MustCompile(`^every day at (\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)
	weekdayAtTime = regexp.MustCompile(`^every (\w+)(?: at (\d{1,2})(?::(\d{2}))?\s*(am|pm)?)?$`)
)

// phraseToCron converts a natural-language scheduling phrase to a cron
// expression using the built-in table and a few regex forms. Returns false
// when the phrase is not recognized.
func phraseToCron(phrase string) (string, bool) {
	p := strings.ToLower(strings.TrimSpace(phrase))
	p = strings.Join(strings.Fields(p), " ")

	if expr, ok := phraseTable[p]; ok {
		return expr, true
	}

	if m := everyNMinutes.FindStringSubmatch(p); m != nil {
		n, _ := strconv.Atoi(m[1])
		if n >= 1 && n <= 59 {
			return fmt.Sprintf("*/%d * * * *", n), true
		}
	}
	if m := everyNHours.FindStringSubmatch(p); m != nil {
		n, _ := strconv.Atoi(m[1])
		if n >= 1 && n <= 23 {
			return fmt.Sprintf("0 */%d * * *", n), true
		}
	}
	if m := dailyAtTime.FindStringSubmatch(p); m != nil {
		hour, minute, ok := clockFields(m[1], m[2], m[3])
		if ok {
			return fmt.Sprintf("%d %d * * *", minute, hour), true
		}
	}
	if m := weekdayAtTime.FindStringSubmatch(p); m != nil {
		day, ok := weekdayNumbers[m[1]]
		if !ok {
			return "", false
		}
		hour, minute := 9, 0 // unspecified time defaults to 9am
		if m[2] != "" {
			var valid bool
			hour, minute, valid = clockFields(m[2], m[3], m[4])
			if !valid {
				return "", false
			}
		}
		return fmt.Sprintf("%d %d * * %d", minute, hour, day), true
	}
	return "", false
}

// clockFields parses hour/minute/meridiem strings into 24h clock values.
func clockFields(hourStr, minuteStr, meridiem string) (hour, minute int, ok bool) {
	hour, err := strconv.Atoi(hourStr)
	if err != nil {
		return 0, 0, false
	}
	if minuteStr != "" {
		minute, err = strconv.Atoi(minuteStr)
		if err != nil || minute > 59 {
			return 0, 0, false
		}
	}
	switch meridiem {
	case "pm":
		if hour < 12 {
			hour += 12
		}
	case "am":
		if hour == 12 {
			hour = 0
		}
	}
	if hour > 23 {
		return 0, 0, false
	}
	return hour, minute, true
}

// =============================================================================
// SCHEDULE DECONSTRUCTION
// =============================================================================

// Deconstructed is the searchable breakdown of a cron expression used by
// the semantic mirror.
type Deconstructed struct {
	Frequency string   // minutely, hourly, daily, weekly, monthly, custom
	TimeOfDay string   // "HH:MM" when the schedule fires at a fixed clock time
	Weekdays  []string // named days when the day-of-week field is constrained
	NextRuns  []time.Time
	Tags      []string
}

// Deconstruct classifies a cron expression and computes its next two
// occurrences after now. Unparseable expressions classify as custom.
func Deconstruct(expr string, now time.Time) Deconstructed {
	d := Deconstructed{Frequency: "custom"}

	fields := strings.Fields(expr)
	if len(fields) == 5 {
		minute, hour, dom, _, dow := fields[0], fields[1], fields[2], fields[3], fields[4]
		switch {
		case strings.ContainsAny(minute, "*/") && hour == "*":
			d.Frequency = "minutely"
		case hour == "*" || strings.HasPrefix(hour, "*/"):
			d.Frequency = "hourly"
		case dow != "*":
			d.Frequency = "weekly"
		case dom != "*":
			d.Frequency = "monthly"
		default:
			d.Frequency = "daily"
		}

		if h, err := strconv.Atoi(hour); err == nil {
			if mnt, err := strconv.Atoi(minute); err == nil {
				d.TimeOfDay = fmt.Sprintf("%02d:%02d", h, mnt)
			}
		}
		d.Weekdays = namedWeekdays(dow)
		for _, day := range d.Weekdays {
			d.Tags = append(d.Tags, "day:"+day)
		}
	}

	if sched, err := parseStandard(expr); err == nil {
		first := sched.Next(now)
		d.NextRuns = []time.Time{first, sched.Next(first)}
	}
	return d
}

// namedWeekdays expands a day-of-week field into day names. Handles single
// values, comma lists, and simple ranges.
func namedWeekdays(dow string) []string {
	if dow == "*" {
		return nil
	}
	var days []string
	for _, part := range strings.Split(dow, ",") {
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			a, err1 := strconv.Atoi(lo)
			b, err2 := strconv.Atoi(hi)
			if err1 != nil || err2 != nil || a < 0 || b > 6 || a > b {
				continue
			}
			for i := a; i <= b; i++ {
				days = append(days, weekdayNames[i])
			}
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > 6 {
			continue
		}
		days = append(days, weekdayNames[n])
	}
	return days
}

// Describe renders the deconstruction as a short human-readable phrase for
// the mirror artifact's description.
func (d Deconstructed) Describe() string {
	var b strings.Builder
	b.WriteString(d.Frequency)
	if len(d.Weekdays) > 0 {
		b.WriteString(" on " + strings.Join(d.Weekdays, ", "))
	}
	if d.TimeOfDay != "" {
		b.WriteString(" at " + d.TimeOfDay)
	}
	return b.String()
}
