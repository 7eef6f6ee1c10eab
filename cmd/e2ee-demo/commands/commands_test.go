package commands

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/arko-chat/e2ee/internal/crypto/driver"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	keyring.MockInit()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config-dir", t.TempDir(), "--log-level", "error"}, args...))
	require.NoError(t, root.Execute(), out.String())
	return out.String()
}

func TestScenarioFirstContact(t *testing.T) {
	for _, backend := range driver.Names() {
		t.Run(backend, func(t *testing.T) {
			out := run(t, "--backend", backend, "scenario", "a")
			assert.Contains(t, out, "claimed 1 one-time key(s) in 1 request(s)")
			assert.Contains(t, out, `bob    got olm "hello bob" from @alice:example.org`)
			assert.Contains(t, out, `alice  got olm "hi alice" from @bob:example.org`)
		})
	}
}

func TestScenarioRotationWithBadger(t *testing.T) {
	out := run(t, "scenario", "b", "--store", "badger")
	assert.Contains(t, out, `carol  got megolm "welcome both"`)
	assert.Contains(t, out, `bob    got megolm "just us now"`)
	assert.Contains(t, out, "carol  cannot read $2")
	assert.Contains(t, out, "(rotated: true)")
}

func TestLoginAndLogout(t *testing.T) {
	out := run(t, "login", "example.org", "@alice:example.org", "A1", "--token", "secret")
	assert.Contains(t, out, "Stored login for @alice:example.org (A1)")

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--config-dir", t.TempDir(), "logout", "@alice:example.org"})
	require.NoError(t, root.Execute())

	root = newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--config-dir", t.TempDir(), "logout", "@alice:example.org"})
	assert.Error(t, root.Execute())
}

func TestUnknownBackend(t *testing.T) {
	keyring.MockInit()
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--config-dir", t.TempDir(), "--backend", "olm2", "scenario", "a"})
	assert.Error(t, root.Execute())
}
