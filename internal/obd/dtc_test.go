package obd

import (
	"reflect"
	"testing"
)

func TestParseTroubleCodes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"legacy frame", "43 01 33 03 00 00 00", []string{"P0133", "P0300"}},
		{"can frame with count", "43 02 01 71 01 74", []string{"P0171", "P0174"}},
		{"all systems", "43 41 23 81 00 C1 00", []string{"C0123", "B0100", "U0100"}},
		{"duplicates", "43 03 00 00 00 00 00\r43 03 00 00 00 00 00", []string{"P0300"}},
		{"no codes", "43 00 00 00 00 00 00", nil},
		{"no data", "NO DATA", nil},
		{"hybrid", "43 0A A6 00 00 00 00", []string{"P0AA6"}},
		{
			"can multi-frame",
			"00A\r0: 43 04 01 33 03 00\r1: 01 71 01 74 00 00\r2: 00 00 00 00 00 00",
			[]string{"P0133", "P0300", "P0171", "P0174"},
		},
		{
			"multi-frame without length line",
			"0: 43 03 01 33 03 00\r1: 01 71 00 00 00 00",
			[]string{"P0133", "P0300", "P0171"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTroubleCodes(tt.raw)
			if err != nil {
				t.Fatalf("ParseTroubleCodes error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseTroubleCodes = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDescribeFallsBack(t *testing.T) {
	got := describe([]string{"P0300", "P1234"}, DefaultCatalog())
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Severity != 3 || got[0].Description == "" {
		t.Errorf("P0300 = %+v, want catalog entry", got[0])
	}
	if got[1].Code != "P1234" || got[1].Description != "Unknown code" {
		t.Errorf("P1234 = %+v, want generic entry", got[1])
	}
}

func TestCatalogLookupCaseInsensitive(t *testing.T) {
	if _, ok := DefaultCatalog().Lookup("p0420"); !ok {
		t.Error("lookup of lower-case code failed")
	}
}
