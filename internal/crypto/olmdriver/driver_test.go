package olmdriver

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/crypto/olm"

	"github.com/arko-chat/e2ee/internal/crypto/driver"
)

func TestMapErr(t *testing.T) {
	for name, tc := range map[string]struct {
		in   error
		want error
		not  []error
	}{
		"unknown index": {
			in:   fmt.Errorf("decrypt: %w", olm.ErrUnknownMessageIndex),
			want: driver.ErrUnknownMessageIndex,
		},
		"index too high is malformed": {
			in:   fmt.Errorf("advance: %w", olm.ErrMsgIndexTooHigh),
			want: driver.ErrBadMessage,
			not:  []error{driver.ErrUnknownMessageIndex},
		},
		"mac": {
			in:   fmt.Errorf("decrypt: %w", olm.ErrBadMAC),
			want: driver.ErrBadMAC,
		},
		"signature": {
			in:   fmt.Errorf("decrypt: %w", olm.ErrBadSignature),
			want: driver.ErrBadSignature,
		},
		"unknown key id": {
			in:   fmt.Errorf("ourOneTimeKey: %w", olm.ErrBadMessageKeyID),
			want: driver.ErrUnknownOneTimeKey,
		},
		"message mentioning decrypt": {
			in:   errors.New("failed to decrypt: illegal base64 data at input byte 4"),
			want: driver.ErrBadMessage,
			not:  []error{driver.ErrBadPickle},
		},
		"message mentioning index": {
			in:   errors.New("index out of range"),
			want: driver.ErrBadMessage,
			not:  []error{driver.ErrUnknownMessageIndex},
		},
	} {
		t.Run(name, func(t *testing.T) {
			err := mapErr("op", tc.in)
			assert.ErrorIs(t, err, tc.want)
			assert.ErrorIs(t, err, tc.in)
			for _, e := range tc.not {
				assert.NotErrorIs(t, err, e)
			}
		})
	}
	assert.NoError(t, mapErr("op", nil))
}

func TestPickleErrHidesMAC(t *testing.T) {
	err := pickleErr("unpickle", fmt.Errorf("decrypt pickle: %w", olm.ErrBadMAC))
	assert.ErrorIs(t, err, driver.ErrBadPickle)
	assert.NotErrorIs(t, err, driver.ErrBadMAC)
}

func TestContain(t *testing.T) {
	f := func() (err error) {
		defer contain(driver.ErrBadMessage, "decode", &err)
		var b []byte
		_ = b[4:]
		return nil
	}
	var err error
	require.NotPanics(t, func() { err = f() })
	assert.ErrorIs(t, err, driver.ErrBadMessage)
}

// broken panics on every call through its nil embedded interface.
type broken struct{ Backend }

func TestDriverContainsBackendPanics(t *testing.T) {
	var d Driver[broken]
	require.NotPanics(t, func() {
		_, err := d.AccountFromPickle([]byte("pickle"), []byte("key"))
		assert.ErrorIs(t, err, driver.ErrBadPickle)
		_, err = d.SessionFromPickle([]byte("pickle"), []byte("key"))
		assert.ErrorIs(t, err, driver.ErrBadPickle)
		_, err = d.InboundGroupSessionFromPickle([]byte("pickle"), []byte("key"))
		assert.ErrorIs(t, err, driver.ErrBadPickle)
		_, err = d.NewInboundGroupSession("key")
		assert.ErrorIs(t, err, driver.ErrBadMessage)
		_, err = d.ImportInboundGroupSession("key")
		assert.ErrorIs(t, err, driver.ErrBadMessage)
	})
}
