package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SecondOptional accepts both 5-field and 6-field (with seconds) specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NormalizeSpec rewrites a bare duration into an "@every" descriptor.
func NormalizeSpec(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" || strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		return s
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return "@every " + d.String()
	}
	return s
}

func ParseSpec(raw string) (cron.Schedule, error) {
	s := NormalizeSpec(raw)
	if s == "" {
		return nil, fmt.Errorf("schedule required")
	}
	sch, err := parser.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", raw, err)
	}
	return sch, nil
}
