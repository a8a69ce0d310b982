package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// IDRegex validates stream, player and panel ids
	IDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)
)

const maxIDLength = 100

func validateID(id, field string) error {
	if id == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%s is too long (max %d characters)", field, maxIDLength)
	}
	if !IDRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format", field)
	}
	return nil
}

// ValidateStreamID validates stream ID
func ValidateStreamID(streamID string) error {
	return validateID(streamID, "stream ID")
}

// ValidatePlayerID validates player ID
func ValidatePlayerID(playerID string) error {
	return validateID(playerID, "player ID")
}

// ValidatePanelID validates panel ID
func ValidatePanelID(panelID string) error {
	return validateID(panelID, "panel ID")
}

// ValidatePlayerName validates a producer display name
func ValidatePlayerName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("player name is required")
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("player name contains invalid characters")
	}
	if utf8.RuneCountInString(name) > 100 {
		return fmt.Errorf("player name is too long (max 100 characters)")
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
