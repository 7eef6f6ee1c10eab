//go:build cgo && libolm

package commands

import _ "github.com/arko-chat/e2ee/internal/crypto/libolm"
