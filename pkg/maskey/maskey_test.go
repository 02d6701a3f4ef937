package maskey_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/masc/internal/mascerr"
	"github.com/rakunlabs/masc/pkg/maskey"
)

func TestValidateAcceptsWellFormedKeys(t *testing.T) {
	for _, key := range []string{
		"users:42:name",
		"backlog",
		"agents:swift-otter",
		"messages:000001",
		"ünïcode:日本語",
		"a.b:c.d", // dots inside a segment are fine, bare "." is not
	} {
		require.NoError(t, maskey.Validate(key), "key %q", key)
	}
}

func TestValidateRejectsMalformedKeys(t *testing.T) {
	for _, key := range []string{
		"",
		":leading",
		"trailing:",
		"a::b",
		"a/b",
		`a\b`,
		"a*b",
		"a?b",
		`a"b`,
		"a'b",
		"a<b",
		"a>b",
		"a|b",
		"a\x00b",
		"a\tb",
		"a\x1fb",
		".",
		"..",
		"a:..",
		"a:..b",
		"a:.:b",
	} {
		err := maskey.Validate(key)
		require.Error(t, err, "key %q", key)
		require.True(t, mascerr.Is(err, mascerr.InvalidKey), "key %q", key)
	}
}

func TestValidateReturnsKeyUnchanged(t *testing.T) {
	// Parse-don't-sanitize: validation never rewrites; the same string the
	// caller passed is the one stored.
	key := "agents:swift-otter"
	require.NoError(t, maskey.Validate(key))
	require.Equal(t, "agents:swift-otter", key)
}

func TestValidatePrefixAllowsTrailingColonAndEmpty(t *testing.T) {
	require.NoError(t, maskey.ValidatePrefix(""))
	require.NoError(t, maskey.ValidatePrefix("agents:"))
	require.NoError(t, maskey.ValidatePrefix("inbox:swift-otter:"))
	require.Error(t, maskey.ValidatePrefix("agents::"))
	require.Error(t, maskey.ValidatePrefix("a/b:"))
}

func TestToRelPath(t *testing.T) {
	require.Equal(t, "users/42/name", maskey.ToRelPath("users:42:name"))
	require.Equal(t, "backlog", maskey.ToRelPath("backlog"))
}

func TestParentAndPrefix(t *testing.T) {
	dir, name := maskey.ParentAndPrefix("agents:swift")
	require.Equal(t, "agents", dir)
	require.Equal(t, "swift", name)

	dir, name = maskey.ParentAndPrefix("agents:")
	require.Equal(t, "agents", dir)
	require.Equal(t, "", name)

	dir, name = maskey.ParentAndPrefix("backlog")
	require.Equal(t, "", dir)
	require.Equal(t, "backlog", name)
}
