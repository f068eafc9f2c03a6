package utils

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

const DateLayout = "2006-01-02"

var validate = validator.New()

var ErrLockNotObtained = errors.New("could not obtain lock")

func ProcessValidationErrors(err error) map[string]string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return map[string]string{"": err.Error()}
	}

	errorResponse := make(map[string]string)

	for _, ve := range validationErrors {
		errorResponse[ve.Namespace()] = ve.Tag()
	}

	return errorResponse
}

// ValidateStruct runs the validate tags of s and returns field -> failed tag.
func ValidateStruct(s any) map[string]string {
	if err := validate.Struct(s); err != nil {
		return ProcessValidationErrors(err)
	}
	return nil
}

// ParseDecimal converts a string to a decimal.Decimal value.
func ParseDecimal(value string) (decimal.Decimal, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return decimal.Zero, errors.New("empty decimal string")
	}
	return decimal.NewFromString(value)
}

// ParseAmount accepts bank and user formatted amounts such as "1 234,50",
// "-1.234,50", "SEK 1,234.50" or "1234.5". The right-most of ',' and '.'
// is taken as the decimal separator.
func ParseAmount(value string) (decimal.Decimal, error) {
	s := strings.TrimSpace(value)
	for _, unit := range []string{"SEK", "sek", "kr", "Kr"} {
		s = strings.ReplaceAll(s, unit, "")
	}
	neg := false
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "−") {
		neg = true
		s = strings.TrimPrefix(strings.TrimPrefix(s, "-"), "−")
	}

	comma := strings.LastIndex(s, ",")
	dot := strings.LastIndex(s, ".")
	decimalSep := byte(0)
	if comma >= 0 || dot >= 0 {
		if comma > dot {
			decimalSep = ','
		} else {
			decimalSep = '.'
		}
	}

	var b strings.Builder
	b.Grow(len(s) + 1)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == decimalSep && (i == comma || i == dot):
			b.WriteByte('.')
		}
	}
	clean := b.String()
	if clean == "" || clean == "." {
		return decimal.Zero, fmt.Errorf("invalid amount %q", value)
	}
	if neg {
		clean = "-" + clean
	}
	return decimal.NewFromString(clean)
}

// TruncateRunes cuts s to at most n characters without splitting a rune.
func TruncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		return string(r[:n])
	}
	return s
}

// ParseDate accepts YYYY-MM-DD and YYYYMMDD and returns midnight UTC.
func ParseDate(value string) (time.Time, error) {
	s := strings.TrimSpace(value)
	for _, layout := range []string{DateLayout, "20060102"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", value)
}

// ObtainLock takes a redis lock on key and returns its release func.
// A nil locker means redis is not configured; the call then returns a no-op release.
func ObtainLock(ctx context.Context, locker *redislock.Client, key string, ttl time.Duration) (func(), error) {
	if locker == nil {
		return func() {}, nil
	}
	lock, err := locker.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", ErrLockNotObtained, key)
	} else if err != nil {
		return nil, err
	}
	return func() {
		_ = lock.Release(context.Background())
	}, nil
}
