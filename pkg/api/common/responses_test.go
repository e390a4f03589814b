package common

import "testing"

func TestNewPagination(t *testing.T) {
	if p := NewPagination(120, 50, 50); !p.HasMore {
		t.Fatalf("expected more rows after offset 50 of 120")
	}
	if p := NewPagination(100, 50, 50); p.HasMore {
		t.Fatalf("expected no more rows at the end")
	}
}
