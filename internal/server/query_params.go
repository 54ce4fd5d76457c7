package server

import (
	"errors"
	"strconv"
	"strings"
	"time"

	analyticsdomain "github.com/smallbiznis/rebill/internal/analytics/domain"
)

const dateOnlyLayout = "2006-01-02"

func parseOptionalBool(value string) (*bool, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseBool(trimmed)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func parseOptionalInt(value string) (*int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

// parseOptionalTime accepts RFC3339 or a bare date. A bare end date is exclusive, so
// it moves to the start of the following day.
func parseOptionalTime(value string, endOfDay bool) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	if parsed, err := time.Parse(time.RFC3339, trimmed); err == nil {
		parsed = parsed.UTC()
		return &parsed, nil
	}
	if parsed, err := time.Parse(dateOnlyLayout, trimmed); err == nil {
		parsed = time.Date(parsed.Year(), parsed.Month(), parsed.Day(), 0, 0, 0, 0, time.UTC)
		if endOfDay {
			parsed = parsed.AddDate(0, 0, 1)
		}
		return &parsed, nil
	}
	return nil, errors.New("invalid_time")
}

type analyticsQuery struct {
	Start        string `form:"start"`
	End          string `form:"end"`
	Status       string `form:"status"`
	ResponseCode string `form:"response_code"`
	RetryStage   string `form:"retry_stage"`
	Bucket       string `form:"bucket"`
}

func (q analyticsQuery) filter() (analyticsdomain.Filter, error) {
	var f analyticsdomain.Filter

	start, err := parseOptionalTime(q.Start, false)
	if err != nil {
		return f, newValidationError("start", "invalid_start", "invalid start")
	}
	end, err := parseOptionalTime(q.End, true)
	if err != nil {
		return f, newValidationError("end", "invalid_end", "invalid end")
	}
	stage, err := parseOptionalInt(q.RetryStage)
	if err != nil || (stage != nil && *stage < 0) {
		return f, newValidationError("retry_stage", "invalid_retry_stage", "invalid retry_stage")
	}

	if start != nil {
		f.Start = *start
	}
	if end != nil {
		f.End = *end
	}
	f.Status = strings.ToLower(strings.TrimSpace(q.Status))
	f.ResponseCode = strings.TrimSpace(q.ResponseCode)
	f.RetryStage = stage
	return f, nil
}
