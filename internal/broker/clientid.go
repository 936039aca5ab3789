package broker

import (
	"strings"

	"github.com/google/uuid"
)

// NewClientID returns prefix followed by a random 12-hex-digit suffix,
// for example "ergoalert-3f9c1a0b7d2e". Brokers drop an existing
// connection when a second client presents the same identifier, so
// every process generates its own.
func NewClientID(prefix string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	if prefix == "" {
		return suffix
	}
	return prefix + "-" + suffix
}
