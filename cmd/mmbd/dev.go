package main

import (
	"os"

	"github.com/obanteq/open-mmb-go/internal/core/money"
	"github.com/obanteq/open-mmb-go/internal/platform/store"
)

const devTenant = money.TenantID("tnt_demo")

func setDevEnv() error {
	return os.Setenv("MMB_DEV", "true")
}

// seedDev funds a demo tenant so the API is usable immediately: two wallets
// and the drift suspense account.
func seedDev(mem *store.Memory) {
	mem.Seed(devTenant, "wlt:alice", "NGN", 1_000_00)
	mem.Seed(devTenant, "wlt:bob", "NGN", 0)
	mem.Seed(devTenant, "suspense", "NGN", 10_000_00)
}
