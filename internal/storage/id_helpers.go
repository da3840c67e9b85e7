package storage

import (
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

const codeAlphabet = "abcdefghijklmnopqrstuvwxyz"

func generateID() string {
	return uuid.NewString()
}

// generateMeetingCode returns a code shaped like "abc-defg-hij".
func generateMeetingCode() (string, error) {
	raw := make([]byte, 10)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate meeting code: %w", err)
	}
	letters := make([]byte, len(raw))
	for i, b := range raw {
		letters[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(letters[:3]) + "-" + string(letters[3:7]) + "-" + string(letters[7:]), nil
}

func normalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

func normalizeText(value string) string {
	return strings.TrimSpace(norm.NFC.String(value))
}

func validateMeetingParams(params CreateMeetingParams) (CreateMeetingParams, error) {
	params.HostID = strings.TrimSpace(params.HostID)
	params.Title = normalizeText(params.Title)
	params.Description = normalizeText(params.Description)
	if params.HostID == "" || params.Title == "" {
		return params, fmt.Errorf("%w: title and hostId are required", ErrInvalidInput)
	}
	return params, nil
}
