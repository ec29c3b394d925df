package main

import (
	"slices"
	"testing"
)

func TestParseIDArgs(t *testing.T) {
	set, err := parseIDArgs([]string{"table=50100,50101", "table_50100=1, 2", "page=50100"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := set.IDs("table"); !slices.Equal(got, []int64{50100, 50101}) {
		t.Fatalf("table ids = %v", got)
	}
	if got := set.IDs("table_50100"); !slices.Equal(got, []int64{1, 2}) {
		t.Fatalf("nested ids = %v", got)
	}
	if got := set.IDs("page"); !slices.Equal(got, []int64{50100}) {
		t.Fatalf("page ids = %v", got)
	}
}

func TestParseIDArgsRejectsMalformedInput(t *testing.T) {
	for _, bad := range []string{
		"table",           // no separator
		"bogus=1",         // unknown kind
		"table=1,notanid", // non-numeric id
	} {
		if _, err := parseIDArgs([]string{bad}); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestParseIDArgsEmpty(t *testing.T) {
	set, err := parseIDArgs(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if set != nil {
		t.Fatalf("expected nil set, got %v", set)
	}
}
