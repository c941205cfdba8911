// devicekeygen derives the per-device HMAC secret handed to a POS terminal
// or phone at provisioning time. The daemon re-derives the same secret from
// the root key, so nothing device-specific is stored server side.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/obanteq/open-mmb-go/internal/core/money"
	"github.com/obanteq/open-mmb-go/internal/offline"
)

func main() {
	rootKey := flag.String("root-key", envOr("MMB_OFFLINE_ROOT_KEY", ""), "root signing key")
	tenantID := flag.String("tenant", "", "tenant the device belongs to")
	deviceID := flag.String("device", "", "device identifier")
	flag.Parse()

	if strings.TrimSpace(*rootKey) == "" {
		fmt.Fprintln(os.Stderr, "root key must be provided via -root-key or MMB_OFFLINE_ROOT_KEY")
		os.Exit(2)
	}
	tenant, err := money.ParseTenantID(*tenantID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid tenant: %v\n", err)
		os.Exit(2)
	}
	if strings.TrimSpace(*deviceID) == "" {
		fmt.Fprintln(os.Stderr, "device id must be non-empty")
		os.Exit(2)
	}

	secret, err := offline.DeriveDeviceSecret([]byte(*rootKey), tenant, *deviceID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "derive device secret: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("MMB_DEVICE_SECRET=%s\n", hex.EncodeToString(secret))
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
