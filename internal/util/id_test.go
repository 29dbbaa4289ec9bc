package util

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	id := NewID("conn")
	if !strings.HasPrefix(id, "conn_") {
		t.Fatalf("expected conn_ prefix, got %s", id)
	}
	if len(id) != len("conn_")+32 {
		t.Fatalf("unexpected id length %d", len(id))
	}
	if NewID("") == NewID("") {
		t.Fatal("expected unique ids")
	}
}

func TestValidDocumentID(t *testing.T) {
	for _, id := range []string{"doc-1", "a", "Plan_2026.v2"} {
		if !ValidDocumentID(id) {
			t.Errorf("expected %q to be valid", id)
		}
	}
	for _, id := range []string{"", ".", "..", "../x", "a/b", ".hidden", "has space", strings.Repeat("x", 129)} {
		if ValidDocumentID(id) {
			t.Errorf("expected %q to be rejected", id)
		}
	}
}
