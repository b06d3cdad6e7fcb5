// Package naming allocates collision-free file names of the form
// {YYMMDD}_{prefix}_{NNN}.{ext} without a persisted counter.
package naming

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// DateLayout is the date part of a generated name
const DateLayout = "060102"

// Allocator picks the next free name for a date and prefix by scanning the
// directory. NNN is one above the highest sequence already used for that exact
// date+prefix, so a deleted name is never handed out again while a higher one exists.
type Allocator struct {
	dir string
	now func() time.Time
}

// NewAllocator creates an allocator for dir
func NewAllocator(dir string) *Allocator {
	return &Allocator{dir: dir, now: time.Now}
}

// SetClock overrides the time source (tests)
func (a *Allocator) SetClock(now func() time.Time) {
	a.now = now
}

// Next returns the next name for prefix and ext (ext without dot).
// The name is not reserved; callers create the file with O_EXCL and call
// Next again on a collision.
func (a *Allocator) Next(prefix, ext string) (string, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to list %s: %w", a.dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}

	return NextName(names, a.now(), prefix, ext), nil
}

// NextName computes the next name given the existing file names
func NextName(existing []string, date time.Time, prefix, ext string) string {
	stem := date.Format(DateLayout) + "_" + SanitizePrefix(prefix)
	pattern := regexp.MustCompile("^" + regexp.QuoteMeta(stem) + `_(\d{3,})(?:\.[^.]+)?$`)

	highest := 0
	for _, name := range existing {
		m := pattern.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > highest {
			highest = n
		}
	}

	name := fmt.Sprintf("%s_%03d", stem, highest+1)
	if ext = strings.TrimPrefix(ext, "."); ext != "" {
		name += "." + ext
	}
	return name
}

// SanitizePrefix keeps letters, digits, '-' and '_' and maps everything else
// (spaces, slashes from "owner/model" prefixes) to '-'
func SanitizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "output"
	}
	var b strings.Builder
	for _, r := range prefix {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
