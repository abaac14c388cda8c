package server

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/google/uuid"
)

// Mission bounds enforced at the boundary.
const (
	missionMinLen = 1
	missionMaxLen = 10_000
)

// xssPatterns reject script-injection shaped input outright.
var xssPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<script`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)\bon\w+\s*=`),
}

// validateMission checks length bounds and injection patterns.
func validateMission(mission string) error {
	if len(mission) < missionMinLen {
		return fmt.Errorf("mission is required")
	}
	if len(mission) > missionMaxLen {
		return fmt.Errorf("mission exceeds %d characters", missionMaxLen)
	}
	for _, re := range xssPatterns {
		if re.MatchString(mission) {
			return fmt.Errorf("mission contains disallowed content")
		}
	}
	return nil
}

// validateSwarmSize bounds an explicitly supplied size.
func validateSwarmSize(size *int, max int) (int, error) {
	if size == nil {
		return 0, nil // engine default
	}
	if *size < 1 || *size > max {
		return 0, fmt.Errorf("swarmSize must be between 1 and %d", max)
	}
	return *size, nil
}

// validateMaxBudget bounds an explicitly supplied budget.
func validateMaxBudget(budget *float64, min, max float64) (float64, error) {
	if budget == nil {
		return 0, nil // engine default
	}
	if *budget < min || *budget > max {
		return 0, fmt.Errorf("maxBudget must be between %g and %g", min, max)
	}
	return *budget, nil
}

// validateTraceID requires a well-formed UUID so malformed ids yield 400
// rather than 404.
func validateTraceID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("traceId must be a UUID")
	}
	return nil
}

// parseListParams applies the limit/offset rules with their defaults.
func parseListParams(limitRaw, offsetRaw string) (limit, offset int, err error) {
	limit = 50
	if limitRaw != "" {
		limit, err = strconv.Atoi(limitRaw)
		if err != nil || limit < 1 || limit > 100 {
			return 0, 0, fmt.Errorf("limit must be an integer between 1 and 100")
		}
	}
	offset = 0
	if offsetRaw != "" {
		offset, err = strconv.Atoi(offsetRaw)
		if err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}
