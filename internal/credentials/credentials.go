// Package credentials keeps device logins and the store pickle key in the
// system keyring.
package credentials

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/zalando/go-keyring"
	"maunium.net/go/mautrix/id"
)

const (
	service = "arko-e2ee"

	loginPrefix    = "login:"
	loginIndex     = "logins"
	pickleKeyEntry = "pickle_key"
	pickleKeySize  = 32
)

var ErrNotFound = errors.New("credentials: not found")

// Login is a device whose keys the engine manages.
type Login struct {
	Homeserver  string      `json:"homeserver"`
	UserID      id.UserID   `json:"user_id"`
	DeviceID    id.DeviceID `json:"device_id"`
	AccessToken string      `json:"access_token"`
}

func (l Login) Validate() error {
	if _, _, err := l.UserID.Parse(); err != nil {
		return fmt.Errorf("invalid user ID %q: %w", l.UserID, err)
	}
	switch {
	case l.Homeserver == "":
		return errors.New("homeserver is required")
	case l.DeviceID == "":
		return errors.New("device ID is required")
	case l.AccessToken == "":
		return errors.New("access token is required")
	}
	return nil
}

func get(entry string) (string, error) {
	v, err := keyring.Get(service, entry)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	} else if err != nil {
		return "", fmt.Errorf("read %s from keyring: %w", entry, err)
	}
	return v, nil
}

// SaveLogin stores l, replacing an earlier login of the same user.
func SaveLogin(l Login) error {
	if err := l.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(l)
	if err != nil {
		return err
	}
	if err := keyring.Set(service, loginPrefix+string(l.UserID), string(data)); err != nil {
		return fmt.Errorf("store login: %w", err)
	}
	users, err := Logins()
	if err != nil {
		return err
	}
	if slices.Contains(users, l.UserID) {
		return nil
	}
	return saveIndex(append(users, l.UserID))
}

func LoadLogin(userID id.UserID) (Login, error) {
	raw, err := get(loginPrefix + string(userID))
	if err != nil {
		return Login{}, err
	}
	var l Login
	if err := json.Unmarshal([]byte(raw), &l); err != nil {
		return Login{}, fmt.Errorf("parse login of %s: %w", userID, err)
	}
	return l, nil
}

// DeleteLogin forgets the login of userID. Crypto state on disk is not
// touched.
func DeleteLogin(userID id.UserID) error {
	err := keyring.Delete(service, loginPrefix+string(userID))
	if errors.Is(err, keyring.ErrNotFound) {
		return ErrNotFound
	} else if err != nil {
		return fmt.Errorf("delete login: %w", err)
	}
	users, err := Logins()
	if err != nil {
		return err
	}
	return saveIndex(slices.DeleteFunc(users, func(u id.UserID) bool { return u == userID }))
}

// Logins lists the users with a stored login, sorted.
func Logins() ([]id.UserID, error) {
	raw, err := get(loginIndex)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var users []id.UserID
	if err := json.Unmarshal([]byte(raw), &users); err != nil {
		return nil, fmt.Errorf("parse login index: %w", err)
	}
	return users, nil
}

func saveIndex(users []id.UserID) error {
	slices.Sort(users)
	data, err := json.Marshal(users)
	if err != nil {
		return err
	}
	return keyring.Set(service, loginIndex, string(data))
}

// PickleKey returns the base64 key that encrypts pickled sessions at rest,
// generating and storing one on first use.
func PickleKey() (string, error) {
	key, err := get(pickleKeyEntry)
	if err == nil {
		return key, nil
	} else if !errors.Is(err, ErrNotFound) {
		return "", err
	}
	raw := make([]byte, pickleKeySize)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	key = base64.StdEncoding.EncodeToString(raw)
	if err := keyring.Set(service, pickleKeyEntry, key); err != nil {
		return "", fmt.Errorf("store pickle key: %w", err)
	}
	return key, nil
}
