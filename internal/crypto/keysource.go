package crypto

import (
	"os"
	"strings"

	"github.com/rakunlabs/masc/internal/mascerr"
)

// ResolveKey resolves MASC_ENCRYPTION_KEY into key material: a value that
// names an existing file is read and its trimmed contents used as the
// passphrase; any other value (an environment passphrase, or a key handed
// over in-memory by an embedding application) is used directly.
// An empty raw value means encryption is disabled and ResolveKey returns a
// nil key with no error.
func ResolveKey(raw string) ([]byte, error) {
	if raw == "" {
		return nil, nil
	}
	passphrase := raw
	if data, err := os.ReadFile(raw); err == nil {
		passphrase = strings.TrimSpace(string(data))
	}
	if passphrase == "" {
		return nil, mascerr.ErrOperationFailed("resolve_encryption_key", nil)
	}
	return DeriveKey(passphrase)
}
