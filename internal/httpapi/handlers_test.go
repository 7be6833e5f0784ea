package httpapi

import (
	"strings"
	"testing"
)

func TestGenerateCode(t *testing.T) {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		code, err := GenerateCode()
		if err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
		if len(code) != 6 {
			t.Fatalf("want 6 chars, got %q", code)
		}
		for _, c := range code {
			if !strings.ContainsRune(charset, c) {
				t.Fatalf("code %q contains %q outside charset", code, c)
			}
		}
		seen[code] = true
	}
	if len(seen) < 2 {
		t.Fatalf("codes look constant: %v", seen)
	}
}
