// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bus

import (
	"testing"
)

func TestParseSignatureRoundTrip(t *testing.T) {
	cases := []string{
		"i", "I", "l", "L", "f", "d", "s", "b", "c", "C", "v", "m", "o", "r",
		"[s]", "[i]", "[[d]]",
		"{si}", "{I[s]}",
		"()", "(s)", "(Is[s]sIs)", "(i(sb)m)",
	}
	for _, sig := range cases {
		parsed, err := ParseSignature(sig)
		if err != nil {
			t.Fatalf("ParseSignature(%q): %v", sig, err)
		}
		if got := parsed.String(); got != sig {
			t.Errorf("round trip %q: got %q", sig, got)
		}
	}
}

func TestParseSignatureRejectsMalformed(t *testing.T) {
	cases := []string{
		"", "x", "[s", "{s}", "{si", "(s", "ss", "[]", "q",
	}
	for _, sig := range cases {
		if _, err := ParseSignature(sig); err == nil {
			t.Errorf("ParseSignature(%q): expected error", sig)
		}
	}
}

func TestParseSignatureList(t *testing.T) {
	types, err := ParseSignatureList("is[b]")
	if err != nil {
		t.Fatalf("ParseSignatureList: %v", err)
	}
	if len(types) != 3 {
		t.Fatalf("got %d types, want 3", len(types))
	}
	if types[0].Kind != KindInt32 || types[1].Kind != KindString || types[2].Kind != KindList {
		t.Errorf("unexpected kinds: %v %v %v", types[0].Kind, types[1].Kind, types[2].Kind)
	}
}
