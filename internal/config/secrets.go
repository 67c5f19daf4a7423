package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

// KeyringService groups the secrets of bookaware in the OS keychain.
const KeyringService = "bookaware"

// ResolvePassword returns the configured password, falling back to the keyring entry.
func (c Config) ResolvePassword() (string, error) {
	if c.Password != "" {
		return c.Password, nil
	}
	if strings.TrimSpace(c.PasswordKeyring) == "" {
		return "", errors.New("no password configured")
	}
	password, err := keyring.Get(KeyringService, c.PasswordKeyring)
	if err != nil {
		return "", fmt.Errorf("read password %q from keyring: %w", c.PasswordKeyring, err)
	}
	if strings.TrimSpace(password) == "" {
		return "", fmt.Errorf("keyring entry %q is empty", c.PasswordKeyring)
	}
	return password, nil
}

func SetKeyringPassword(account, password string) error {
	if strings.TrimSpace(account) == "" {
		return errors.New("keyring account name is empty")
	}
	if strings.TrimSpace(password) == "" {
		return errors.New("password is empty")
	}
	return keyring.Set(KeyringService, account, password)
}

func DeleteKeyringPassword(account string) error {
	if strings.TrimSpace(account) == "" {
		return errors.New("keyring account name is empty")
	}
	return keyring.Delete(KeyringService, account)
}
