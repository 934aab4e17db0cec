package crypt

import "strings"

// MaskToken masks an access token for logging, keeping the first four
// characters.
func MaskToken(token string) string {
	return maskKeepPrefix(token, 4)
}

// MaskAppKey masks an application key for logging, keeping the first four
// characters.
func MaskAppKey(key string) string {
	return maskKeepPrefix(key, 4)
}

// MaskUserID masks a user identifier, keeping the first two characters.
func MaskUserID(userID string) string {
	return maskKeepPrefix(userID, 2)
}

func maskKeepPrefix(s string, keep int) string {
	if s == "" {
		return ""
	}
	if len(s) <= keep {
		return strings.Repeat("*", len(s))
	}
	return s[:keep] + strings.Repeat("*", len(s)-keep)
}
