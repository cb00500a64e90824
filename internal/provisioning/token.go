package provisioning

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const (
	gatewayTokenPrefix = "gw_"
	gatewayTokenLength = 32 // 32 bytes = 256 bits
)

// GenerateGatewayToken mints a per-agent shared secret with crypto/rand.
func GenerateGatewayToken() (string, error) {
	b := make([]byte, gatewayTokenLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return gatewayTokenPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}
