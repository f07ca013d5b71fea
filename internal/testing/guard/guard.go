// Package guard forces test mode for any test binary that imports it, so fixtures never reach
// a developer's local Postgres or Redis by accident.
package guard

import (
	"os"
	"sync"
	"testing"
)

// EnvTestMode must match the variable the binaries read in internal/app.
const EnvTestMode = "ODYSSEY_TEST_MODE"

// unset service endpoints fail fast instead of falling back to localhost defaults
var deadEndpoints = map[string]string{
	"PG_DSN":     "postgres://guard@127.0.0.1:1/guard?sslmode=disable&connect_timeout=1",
	"REDIS_ADDR": "127.0.0.1:1",
}

var once sync.Once

func ensure() {
	once.Do(func() {
		if os.Getenv(EnvTestMode) == "" {
			_ = os.Setenv(EnvTestMode, "1")
		}
		for key, value := range deadEndpoints {
			if os.Getenv(key) == "" {
				_ = os.Setenv(key, value)
			}
		}
	})
}

func init() {
	ensure()
}

// Main runs m under test mode. Packages that need the guard without importing a fixture call it
// from their own TestMain.
func Main(m *testing.M) {
	ensure()
	os.Exit(m.Run())
}
