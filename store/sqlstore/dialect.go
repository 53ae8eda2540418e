// Package sqlstore implements the store contract on database/sql. The
// postgres and sqlite packages supply a Dialect, a driver and migrations.
package sqlstore

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect captures what differs between SQL backends.
type Dialect struct {
	Name string
	// Numbered switches "?" placeholders to "$1, $2, ...".
	Numbered bool
	// EncodeTime converts a time for a query parameter.
	EncodeTime func(time.Time) any
	// IsUniqueViolation reports a unique constraint failure.
	IsUniqueViolation func(error) bool
	// LockOrganization, when set, is executed with the organization id at
	// the start of a debit transaction and must block concurrent debits for
	// that organization until commit.
	LockOrganization string
}

func (d Dialect) rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d Dialect) time(t time.Time) any {
	return d.EncodeTime(t.UTC())
}

func (d Dialect) nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return d.time(*t)
}

// UnixNano stores times as integer nanoseconds, for engines without a
// native timestamp type.
func UnixNano(t time.Time) any { return t.UnixNano() }

// Native passes times through to the driver.
func Native(t time.Time) any { return t }

// timeValue scans either encoding back into a UTC time.
type timeValue struct {
	dst *time.Time
	ptr **time.Time
}

func scanTime(dst *time.Time) *timeValue      { return &timeValue{dst: dst} }
func scanNullTime(dst **time.Time) *timeValue { return &timeValue{ptr: dst} }

func (v *timeValue) Scan(src any) error {
	var t time.Time
	switch x := src.(type) {
	case nil:
		if v.ptr != nil {
			*v.ptr = nil
			return nil
		}
		return fmt.Errorf("sqlstore: unexpected NULL time")
	case time.Time:
		t = x
	case int64:
		t = time.Unix(0, x)
	case []byte:
		return v.Scan(string(x))
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, x)
		if err != nil {
			return fmt.Errorf("sqlstore: parse time %q: %w", x, err)
		}
		t = parsed
	default:
		return fmt.Errorf("sqlstore: cannot scan %T into time", src)
	}

	t = t.UTC()
	if v.ptr != nil {
		*v.ptr = &t
	} else {
		*v.dst = t
	}
	return nil
}

// nullString maps "" to NULL so partial unique indexes skip it.
func nullString(s string) driver.Value {
	if s == "" {
		return nil
	}
	return s
}
