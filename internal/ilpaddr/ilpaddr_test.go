package ilpaddr

import "testing"

func TestParseValid(t *testing.T) {
	for _, s := range []string{"g.alice", "g.alice.node1", "private.local-node_1~x", ""} {
		if _, err := Parse(s); err != nil {
			t.Errorf("Parse(%q) = %v, want nil error", s, err)
		}
	}
}

func TestParseRejectsEmptySegment(t *testing.T) {
	if _, err := Parse("g..alice"); err == nil {
		t.Error("Parse(\"g..alice\") should reject the empty segment")
	}
}

func TestParseRejectsInvalidChar(t *testing.T) {
	if _, err := Parse("g.alice!"); err == nil {
		t.Error("Parse(\"g.alice!\") should reject the invalid character")
	}
}

func TestParseRejectsOverLength(t *testing.T) {
	long := make([]byte, MaxLength+1)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := Parse(string(long)); err == nil {
		t.Error("Parse should reject an address exceeding MaxLength")
	}
}

func TestEmpty(t *testing.T) {
	addr, err := Parse("")
	if err != nil {
		t.Fatalf("Parse(\"\"): %v", err)
	}
	if !addr.Empty() {
		t.Error("the empty string address should report Empty() == true")
	}

	addr2, err := Parse("g.alice")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if addr2.Empty() {
		t.Error("a non-empty address should report Empty() == false")
	}
}

func TestHasPrefixRespectsSegmentBoundary(t *testing.T) {
	addr, err := Parse("g.alice2")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if addr.HasPrefix("g.alice") {
		t.Error("HasPrefix(\"g.alice\") should not match \"g.alice2\" (no segment boundary)")
	}

	addr2, err := Parse("g.alice.node1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !addr2.HasPrefix("g.alice") {
		t.Error("HasPrefix(\"g.alice\") should match \"g.alice.node1\"")
	}
}
