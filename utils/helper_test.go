package utils

import (
	"context"
	"testing"
	"time"
)

func TestParseAmount(t *testing.T) {
	cases := map[string]string{
		"1 234,50":     "1234.5",
		"-1.234,50":    "-1234.5",
		"SEK 1,234.50": "1234.5",
		"1234.5":       "1234.5",
		"250":          "250",
		"−42,00 kr":    "-42",
	}
	for in, want := range cases {
		got, err := ParseAmount(in)
		if err != nil {
			t.Fatalf("ParseAmount(%q): %v", in, err)
		}
		if got.String() != want {
			t.Fatalf("ParseAmount(%q) = %s, want %s", in, got.String(), want)
		}
	}
	for _, in := range []string{"", "kr", ","} {
		if _, err := ParseAmount(in); err == nil {
			t.Fatalf("ParseAmount(%q): expected an error", in)
		}
	}
}

func TestParseDate(t *testing.T) {
	want := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	for _, in := range []string{"2025-03-10", "20250310", " 2025-03-10 "} {
		got, err := ParseDate(in)
		if err != nil || !got.Equal(want) {
			t.Fatalf("ParseDate(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseDate("10/03/2025"); err == nil {
		t.Fatalf("expected an error for a slash date")
	}
}

func TestValidateStruct(t *testing.T) {
	type input struct {
		Name string `validate:"required"`
	}
	if fields := ValidateStruct(input{Name: "x"}); len(fields) != 0 {
		t.Fatalf("unexpected errors: %v", fields)
	}
	fields := ValidateStruct(input{})
	if fields["input.Name"] != "required" {
		t.Fatalf("expected required on input.Name, got %v", fields)
	}
}

func TestActorDefaultsToSystem(t *testing.T) {
	ctx := context.Background()
	if got := GetActorFromContext(ctx); got != SystemActor {
		t.Fatalf("expected %q, got %q", SystemActor, got)
	}
}

func TestObtainLock_NilLockerIsNoop(t *testing.T) {
	release, err := ObtainLock(context.Background(), nil, "k", time.Second)
	if err != nil {
		t.Fatalf("nil locker: %v", err)
	}
	release()
}

func TestTruncateRunes(t *testing.T) {
	if got := TruncateRunes("Återbetalning", 3); got != "Åte" {
		t.Fatalf("got %q", got)
	}
	if got := TruncateRunes("kort", 10); got != "kort" {
		t.Fatalf("got %q", got)
	}
}
