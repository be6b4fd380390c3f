package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const deviceTokenPrefix = "mcd_"

// GenerateDeviceToken creates a new device token
// Format: mcd_<uuid>_<random_secret>
func GenerateDeviceToken() (string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}

	return fmt.Sprintf("%s%s_%s", deviceTokenPrefix, uuid.New().String(), hex.EncodeToString(secretBytes)), nil
}

// ValidDeviceTokenFormat checks if token has the device token shape
func ValidDeviceTokenFormat(token string) bool {
	if len(token) != len(deviceTokenPrefix)+36+1+64 {
		return false
	}
	return strings.HasPrefix(token, deviceTokenPrefix)
}
