package utils

import "testing"

func TestAtoiDefault(t *testing.T) {
	cases := []struct {
		s    string
		def  int
		want int
	}{
		// empty -> default
		{"", 10, 10},
		// valid ints
		{"42", 0, 42},
		{"-13", 1, -13},
		{"0012", 99, 12},
		// invalid -> default (no trim)
		{"x", 5, 5},
		{" 42", 7, 7},
		// overflow -> default
		{"999999999999999999999999", -1, -1},
	}

	for _, tc := range cases {
		if got := AtoiDefault(tc.s, tc.def); got != tc.want {
			t.Fatalf("AtoiDefault(%q, %d) = %d; want %d", tc.s, tc.def, got, tc.want)
		}
	}
}

func TestPageBounds(t *testing.T) {
	cases := []struct {
		page, size, max       int
		wantOffset, wantLimit int
	}{
		{1, 10, 100, 0, 10},
		{3, 10, 100, 20, 10},
		{0, 0, 100, 0, DefaultPageSize},
		{-2, 5, 0, 0, 5},
		{2, 500, 100, 100, 100},
		{2, 500, 0, 500, 500},
	}
	for _, tc := range cases {
		off, lim := PageBounds(tc.page, tc.size, tc.max)
		if off != tc.wantOffset || lim != tc.wantLimit {
			t.Fatalf("PageBounds(%d,%d,%d) = (%d,%d); want (%d,%d)",
				tc.page, tc.size, tc.max, off, lim, tc.wantOffset, tc.wantLimit)
		}
	}
}
