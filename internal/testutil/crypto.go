package testutil

import (
	"encoding/base64"
	"testing"

	"github.com/vdavid/mailgate/internal/crypto"
)

// TestKey returns a deterministic base64 encryption key.
func TestKey() string {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return base64.StdEncoding.EncodeToString(key)
}

// GetTestSealer creates a sealer over TestKey.
func GetTestSealer(t *testing.T) *crypto.Sealer {
	t.Helper()

	sealer, err := crypto.NewSealer(TestKey())
	if err != nil {
		t.Fatalf("Failed to create sealer: %v", err)
	}
	return sealer
}
