package common

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestHasAny(t *testing.T) {
	if !HasAny("light rain shower", "snow", "rain") {
		t.Fatal("expected match on rain")
	}
	if HasAny("sunny", "rain", "snow") {
		t.Fatal("unexpected match")
	}
	if HasAny("anything") {
		t.Fatal("no substrings never match")
	}
}

func TestSplitList(t *testing.T) {
	got := SplitList(" morning, ,evening,night ,")
	want := []string{"morning", "evening", "night"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("SplitList mismatch (-want +got):\n%s", diff)
	}
	if got := SplitList(""); got != nil {
		t.Fatalf("SplitList(\"\") = %v, want nil", got)
	}
}
