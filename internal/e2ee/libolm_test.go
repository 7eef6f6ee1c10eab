//go:build cgo && libolm

package e2ee

import _ "github.com/arko-chat/e2ee/internal/crypto/libolm"
