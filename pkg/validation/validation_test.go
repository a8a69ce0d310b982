package validation

import (
	"strings"
	"testing"
)

func TestValidateIDs(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"simple", "abc", false},
		{"numeric", "7", false},
		{"operator stream", "op-2f1c5a8e-1d4b-4c1e-9a57-4a0e4f6b3c21", false},
		{"dotted", "arena.panel:2", false},
		{"empty", "", true},
		{"space", "a b", true},
		{"slash", "a/b", true},
		{"too long", strings.Repeat("a", 101), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, fn := range []func(string) error{ValidateStreamID, ValidatePlayerID, ValidatePanelID} {
				err := fn(tt.id)
				if (err != nil) != tt.wantErr {
					t.Errorf("validate(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
				}
			}
		})
	}
}

func TestValidatePlayerName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid", "Alice", false},
		{"unicode", "Žaneta", false},
		{"blank", "   ", true},
		{"too long", strings.Repeat("é", 101), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePlayerName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePlayerName() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"https", "https://cp.example.com/hooks", false},
		{"wss", "wss://relay.example.com/ws", false},
		{"ftp", "ftp://example.com", true},
		{"no host", "http://", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
