package disposition

import (
	"testing"

	"aftflow/internal/domain"
)

func TestResolveKnownCases(t *testing.T) {
	cases := []struct {
		destroyed, retained, ssd Answer
		want                     domain.Status
	}{
		{Yes, No, NA, domain.StatusDisposed},
		{Yes, No, Yes, domain.StatusDisposed},
		{Yes, NA, NA, domain.StatusDisposed},
		{NA, NA, Yes, domain.StatusDisposed},
		{NA, NA, NA, domain.StatusCompleted},
		{Yes, No, No, domain.StatusDisposed},
		{NA, No, Yes, domain.StatusDisposed},
		{No, No, Yes, domain.StatusDisposed},
		{No, NA, Yes, domain.StatusDisposed},
		{No, NA, NA, domain.StatusCompleted},
		{No, No, No, domain.StatusCompleted},
		{NA, No, NA, domain.StatusCompleted},
	}
	for _, tc := range cases {
		if got := Resolve(tc.destroyed, tc.retained, tc.ssd); got != tc.want {
			t.Fatalf("Resolve(%s,%s,%s) = %s, want %s", tc.destroyed, tc.retained, tc.ssd, got, tc.want)
		}
	}
}

func TestResolveRetainedAlwaysCompleted(t *testing.T) {
	for _, d := range Answers {
		for _, s := range Answers {
			if got := Resolve(d, Yes, s); got != domain.StatusCompleted {
				t.Fatalf("retained media with destroyed=%s ssd=%s resolved to %s", d, s, got)
			}
		}
	}
}

func TestResolveIsTotal(t *testing.T) {
	disposed := 0
	for _, d := range Answers {
		for _, r := range Answers {
			for _, s := range Answers {
				got := Resolve(d, r, s)
				switch got {
				case domain.StatusDisposed:
					disposed++
				case domain.StatusCompleted:
				default:
					t.Fatalf("Resolve(%s,%s,%s) = %q", d, r, s, got)
				}
			}
		}
	}
	// retained in {no, na}, and destroyed or sanitized answered yes: 2 * 5
	if disposed != 10 {
		t.Fatalf("expected 10 disposed combinations, got %d", disposed)
	}
}

func TestParseAnswer(t *testing.T) {
	for in, want := range map[string]Answer{"yes": Yes, " NO ": No, "Na": NA} {
		got, err := ParseAnswer(in)
		if err != nil || got != want {
			t.Fatalf("ParseAnswer(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseAnswer("maybe"); err == nil {
		t.Fatalf("expected error for invalid answer")
	}
	if _, err := ParseAnswer(""); err == nil {
		t.Fatalf("expected error for empty answer")
	}
}
