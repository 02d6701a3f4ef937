package storage

import (
	"context"
	"fmt"

	"github.com/rakunlabs/masc/internal/crypto"
	"github.com/rakunlabs/masc/internal/storage/encstore"
	"github.com/rakunlabs/masc/internal/storage/fsstore"
	"github.com/rakunlabs/masc/internal/storage/litestore"
	"github.com/rakunlabs/masc/internal/storage/memstore"
	"github.com/rakunlabs/masc/internal/storage/sqlstore"
	"github.com/rakunlabs/masc/internal/storage/valstore"
)

// Options configures backend construction for Open.
type Options struct {
	Backend Backend
	FSDir   string

	// SQL is the Postgres configuration; SQLite the embedded alternative.
	// With Backend == BackendSQL, a non-empty SQL.Datasource selects
	// Postgres, otherwise SQLite.Path selects the embedded engine.
	SQL    sqlstore.Config
	SQLite litestore.Config

	// EncryptionKey is the raw MASC_ENCRYPTION_KEY value (passphrase,
	// file path, or empty to disable). Resolved via crypto.ResolveKey.
	EncryptionKey string
}

// Open selects and constructs the backend named by opts.Backend, then
// wraps it with key validation (always) and at-rest encryption (when
// opts.EncryptionKey resolves to a non-nil key). Validation sits innermost
// so every call is checked regardless of whether encryption is enabled;
// encryption sits outermost so plaintext values and the validated key both
// reach it before ever crossing the backend boundary. The second return is
// the encryption decorator itself when one was installed (the handle key
// rotation needs), nil otherwise.
func Open(ctx context.Context, opts Options) (Store, *encstore.Store, error) {
	var backend Store
	var err error
	switch opts.Backend {
	case BackendMemory, "":
		backend = memstore.New()
	case BackendFilesystem:
		backend, err = fsstore.New(opts.FSDir)
	case BackendSQL:
		if opts.SQL.Datasource != "" {
			backend, err = sqlstore.New(ctx, opts.SQL)
		} else {
			backend, err = litestore.New(ctx, opts.SQLite)
		}
	default:
		return nil, nil, fmt.Errorf("storage: unknown backend %q", opts.Backend)
	}
	if err != nil {
		return nil, nil, err
	}

	var store Store = valstore.New(backend)

	key, err := crypto.ResolveKey(opts.EncryptionKey)
	if err != nil {
		return nil, nil, err
	}
	if key == nil {
		return store, nil, nil
	}
	enc := encstore.New(store, key)
	return enc, enc, nil
}
