package logging

import "testing"

func TestEventAttrsMasksIdentitiesAndAmounts(t *testing.T) {
	attrs := map[string]string{
		"owner":  "dao1qqqsyqcyq5rqwzqfpg9scrgwpugpzysn7xavgp",
		"amount": "100000000000000000000",
		"token":  "USDC",
		"stage":  "active",
	}
	got := EventAttrs(attrs)
	if len(got) != 4 {
		t.Fatalf("attrs = %d, want 4", len(got))
	}
	// Deterministic key order: amount, owner, stage, token.
	if got[0].Key != "amount" || got[0].Value.String() != Redacted {
		t.Fatalf("amount attr = %v, want masked", got[0])
	}
	if got[1].Key != "owner" || got[1].Value.String() != Redacted {
		t.Fatalf("owner attr = %v, want masked", got[1])
	}
	if got[2].Key != "stage" || got[2].Value.String() != "active" {
		t.Fatalf("stage attr = %v, want verbatim", got[2])
	}
	if got[3].Key != "token" || got[3].Value.String() != "USDC" {
		t.Fatalf("token attr = %v, want verbatim", got[3])
	}
}

func TestMaskFieldKeepsEmptyValues(t *testing.T) {
	if attr := MaskField("owner", ""); attr.Value.String() != "" {
		t.Fatalf("empty value should pass through, got %q", attr.Value.String())
	}
}
