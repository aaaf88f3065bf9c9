package service

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// FilenameReason explains why an uploaded filename was rejected
type FilenameReason string

const (
	ReasonBadExtension FilenameReason = "bad_extension"
	ReasonUnparseable  FilenameReason = "unparseable"
	ReasonOutOfRange   FilenameReason = "out_of_range"
)

var allowedExtensions = map[string]struct{}{
	"il":  {},
	"leu": {},
	"bis": {},
}

// digits optionally followed by the K suffix, in either case
var stemPattern = regexp.MustCompile(`^([0-9]+)[Kk]?$`)

// IDRange is the inclusive range of valid secondary ids
type IDRange struct {
	Min int
	Max int
}

func (r IDRange) Contains(id int) bool {
	return id >= r.Min && id <= r.Max
}

func (r IDRange) String() string {
	return fmt.Sprintf("[%d, %d]", r.Min, r.Max)
}

// ParsedFilename is the verdict on one uploaded filename
type ParsedFilename struct {
	BaliseID int
	Valid    bool
	Reason   FilenameReason
}

// ParseFilename extracts the balise id from names like "12345.il" or
// "12345K.LEU".
func ParseFilename(name string, idRange IDRange) ParsedFilename {
	dot := strings.LastIndex(name, ".")
	if dot < 0 {
		return ParsedFilename{Reason: ReasonBadExtension}
	}

	ext := strings.ToLower(name[dot+1:])
	if _, ok := allowedExtensions[ext]; !ok {
		return ParsedFilename{Reason: ReasonBadExtension}
	}

	match := stemPattern.FindStringSubmatch(name[:dot])
	if match == nil {
		return ParsedFilename{Reason: ReasonUnparseable}
	}

	id, err := strconv.Atoi(match[1])
	if err != nil || !idRange.Contains(id) {
		return ParsedFilename{BaliseID: id, Reason: ReasonOutOfRange}
	}

	return ParsedFilename{BaliseID: id, Valid: true}
}

// validateFilename wraps a rejected filename into a validation error
func validateFilename(name string, idRange IDRange) (int, error) {
	parsed := ParseFilename(name, idRange)
	if parsed.Valid {
		return parsed.BaliseID, nil
	}

	switch parsed.Reason {
	case ReasonBadExtension:
		return 0, validationError("file %q must have one of the extensions .il, .leu, .bis", name)
	case ReasonOutOfRange:
		return 0, validationError("file %q names a balise outside the range %s", name, idRange)
	default:
		return 0, validationError("file %q does not name a balise", name)
	}
}
