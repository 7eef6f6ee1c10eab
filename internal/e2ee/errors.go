package e2ee

import "errors"

var (
	// ErrSenderDidNotSendMegolmKeysToUs is recoverable by requesting the
	// room key again.
	ErrSenderDidNotSendMegolmKeysToUs = errors.New("sender did not send megolm keys to us")
	ErrValidationFailed               = errors.New("event validation failed")
	ErrSessionException               = errors.New("no olm session could decrypt the message")
	ErrBackend                        = errors.New("crypto backend failure")
	ErrKeyClaim                       = errors.New("failed to claim one-time keys")
	ErrNoKeyAvailable                 = errors.New("no one-time key available")
	ErrUnknownDevice                  = errors.New("unknown device")
	ErrUnknownMessageIndex            = errors.New("message index is before the first known index")
	ErrDuplicateMessageIndex          = errors.New("duplicate message index")
	ErrUnknownAlgorithm               = errors.New("unsupported encryption algorithm")
	// ErrDropped marks events that were ignored on purpose.
	ErrDropped = errors.New("event dropped")
)
