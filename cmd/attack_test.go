package main

import "testing"

func TestParseTargetIndices(t *testing.T) {
	got, err := parseTargetIndices([]string{"0", " 2", "10"})
	if err != nil {
		t.Fatalf("parseTargetIndices() error = %v", err)
	}
	want := []int{0, 2, 10}
	if len(got) != len(want) {
		t.Fatalf("len(got) = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestParseTargetIndicesRejectsNonNumeric(t *testing.T) {
	if _, err := parseTargetIndices([]string{"abc"}); err == nil {
		t.Error("expected an error for a non-numeric target index")
	}
}
