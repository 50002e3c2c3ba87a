package misc

import (
	"fmt"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

var credentialSeparator = strings.Repeat("-", 67)

// LogSavingCredentials prints where authorization material is being persisted.
func LogSavingCredentials(location string) {
	if location == "" {
		return
	}
	if !strings.Contains(location, "://") {
		location = filepath.Clean(location)
	}
	fmt.Printf("Saving authorization state to %s\n", location)
}

// LogCredentialSeparator groups the auth log lines of one startup.
func LogCredentialSeparator() {
	log.Debug(credentialSeparator)
}

// MaskSecret keeps the first and last four characters of value for log output.
func MaskSecret(value string) string {
	value = strings.TrimSpace(value)
	if len(value) <= 8 {
		return strings.Repeat("*", len(value))
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}
