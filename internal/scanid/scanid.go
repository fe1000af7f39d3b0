// Package scanid generates and validates queued scan identifiers.
package scanid

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Format: scan-<unix milliseconds in base36>-<8 random hex chars>
var scanIDRegex = regexp.MustCompile(`^scan-[0-9a-z]+-[0-9a-f]{8}$`)

// New generates a scan id stamped with the given capture time.
func New(at time.Time) string {
	random := strings.ReplaceAll(uuid.New().String(), "-", "")
	return fmt.Sprintf("scan-%s-%s", strconv.FormatInt(at.UnixMilli(), 36), random[:8])
}

// IsValid checks if a string is a well-formed scan id.
func IsValid(s string) bool {
	return scanIDRegex.MatchString(s)
}

// Validate returns an error if the string is not a well-formed scan id.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid scan id format: %q", s)
	}
	return nil
}
