package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// IntervalSource records which syntax an interval was written in.
type IntervalSource string

const (
	SourceDuration IntervalSource = "duration"
	SourceHHMM     IntervalSource = "hhmm"
	SourceEvery    IntervalSource = "every"
)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// descriptorParser only accepts descriptors; workers run on fixed intervals,
// so full cron expressions are rejected.
var descriptorParser = cron.NewParser(cron.Descriptor)

// ParseInterval parses a worker interval.
//
// Supported forms:
//   - Go duration: "55m", "2h30m", "500ms"
//   - HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//   - Descriptor: "@every 1h30m", "@hourly", "@daily"
func ParseInterval(raw string) (time.Duration, IntervalSource, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, "", fmt.Errorf("interval required")
	}

	if strings.HasPrefix(s, "@") {
		d, err := parseDescriptor(s)
		if err != nil {
			return 0, "", err
		}
		return d, SourceEvery, nil
	}

	if reHHMM.MatchString(s) {
		d, err := parseHHMM(s)
		if err != nil {
			return 0, "", err
		}
		return d, SourceHHMM, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, "", fmt.Errorf("invalid interval %q (use a duration like '55m', HH:MM like '02:30', or '@every 1h')", raw)
	}
	if d <= 0 {
		return 0, "", fmt.Errorf("interval must be > 0")
	}
	return d, SourceDuration, nil
}

func parseDescriptor(s string) (time.Duration, error) {
	switch strings.ToLower(s) {
	case "@hourly":
		return time.Hour, nil
	case "@daily", "@midnight":
		return 24 * time.Hour, nil
	case "@weekly":
		return 7 * 24 * time.Hour, nil
	}
	sched, err := descriptorParser.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", s, err)
	}
	every, ok := sched.(cron.ConstantDelaySchedule)
	if !ok {
		return 0, fmt.Errorf("invalid interval %q: only @every, @hourly, @daily and @weekly are supported", s)
	}
	if every.Delay <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return every.Delay, nil
}

func parseHHMM(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
