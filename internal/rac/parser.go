package rac

import (
	"strings"
	"time"
)

const byteOrderMark = "\ufeff"

// Record is one block of tool output. Keys are normalized so lookups are
// case-insensitive and treat spaces and hyphens as underscores.
type Record struct {
	keys   []string
	values map[string]string
}

func newRecord() *Record {
	return &Record{values: make(map[string]string)}
}

func (r *Record) set(key, value string) {
	if _, exists := r.values[key]; !exists {
		r.keys = append(r.keys, key)
	}
	r.values[key] = value
}

// Get returns the value for key, or an empty string.
func (r *Record) Get(key string) string {
	return r.values[NormalizeKey(key)]
}

// Keys returns normalized keys in order of first appearance.
func (r *Record) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

func (r *Record) Len() int {
	return len(r.keys)
}

func NormalizeKey(key string) string {
	key = strings.TrimPrefix(strings.TrimSpace(key), byteOrderMark)
	key = strings.ToLower(strings.TrimSpace(key))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(key)
}

// ParseBlocks splits tool output into blank-line separated blocks of
// "key : value" lines. Malformed lines are skipped.
func ParseBlocks(text string) []*Record {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.TrimPrefix(text, byteOrderMark)

	var records []*Record
	current := newRecord()

	flush := func() {
		if current.Len() > 0 {
			records = append(records, current)
		}
		current = newRecord()
	}

	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}

		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}

		key := NormalizeKey(line[:idx])
		if key == "" {
			continue
		}

		current.set(key, unquote(strings.TrimSpace(line[idx+1:])))
	}
	flush()

	return records
}

func unquote(value string) string {
	if len(value) >= 2 && strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`) {
		return value[1 : len(value)-1]
	}
	return value
}

var zonedLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05Z07:00",
}

var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"02.01.2006 15:04:05",
	"02.01.2006 15:04",
	"02.01.2006",
	"01/02/2006 15:04:05",
	"2006-01-02",
}

// ParseTime accepts the date formats the tool emits and returns the UTC
// instant. Values without a zone are read in the host's local time. The
// tool's empty date (year 1) and unparsable input yield false.
func ParseTime(value string) (time.Time, bool) {
	return parseTimeIn(value, time.Local)
}

func parseTimeIn(value string, loc *time.Location) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}

	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return normalizeTime(t)
		}
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return normalizeTime(t)
		}
	}
	return time.Time{}, false
}

func normalizeTime(t time.Time) (time.Time, bool) {
	if t.Year() <= 1 {
		return time.Time{}, false
	}
	return t.UTC(), true
}
