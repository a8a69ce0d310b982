package utils

import (
	"strings"
	"testing"
)

func TestGenerateSecretKey(t *testing.T) {
	k1, err := GenerateSecretKey()
	if err != nil {
		t.Fatalf("GenerateSecretKey() error = %v", err)
	}
	k2, err := GenerateSecretKey()
	if err != nil {
		t.Fatalf("GenerateSecretKey() error = %v", err)
	}

	if k1 == k2 {
		t.Error("expected different keys")
	}
	if len(k1) != secretKeyBytes*2 {
		t.Errorf("expected %d hex chars, got %d", secretKeyBytes*2, len(k1))
	}
}

func TestGenerateStreamID(t *testing.T) {
	id := GenerateStreamID()
	if !strings.HasPrefix(id, "op-") {
		t.Errorf("expected prefix 'op-', got %s", id)
	}
	if id == GenerateStreamID() {
		t.Error("expected different IDs")
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"normal string", "hello", "hello"},
		{"with control chars", "hello\x00world", "helloworld"},
		{"with newline", "hello\nworld", "helloworld"},
		{"with whitespace", "  hello  ", "hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SanitizeString(tt.input)
			if result != tt.expected {
				t.Errorf("SanitizeString(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestMaskSecret(t *testing.T) {
	if got := MaskSecret("abcdef123456", 4); got != "abcd********" {
		t.Errorf("MaskSecret() = %q", got)
	}
	if got := MaskSecret("abc", 4); got != "***" {
		t.Errorf("MaskSecret() short = %q", got)
	}
}
