package credential

import (
	"fmt"
	"os"

	"github.com/99designs/keyring"
)

const serviceName = "mailreport"

// envPassword is the environment fallback for the mailbox secret.
const envPassword = "MAILREPORT_MAILBOX_PASSWORD"

// openKeyring returns a configured keyring instance.
func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/mailreport/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("mailreport-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Get retrieves a credential value by key from the system keyring.
func Get(key string) (string, error) {
	ring, err := openKeyring()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}

	return string(item.Data), nil
}

// Set stores a credential value by key in the system keyring.
func Set(key string, value string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:  key,
		Data: []byte(value),
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}

	return nil
}

// Delete removes a credential by key from the system keyring.
func Delete(key string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	err = ring.Remove(key)
	if err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}

	return nil
}

// MailboxPassword resolves the mailbox secret for username. Resolution
// order: the explicit configured value, the system keyring entry
// "mailbox:<username>", and finally the MAILREPORT_MAILBOX_PASSWORD
// environment variable.
func MailboxPassword(configured, username string) (string, error) {
	if configured != "" {
		return configured, nil
	}

	if secret, err := Get("mailbox:" + username); err == nil && secret != "" {
		return secret, nil
	}

	if secret := os.Getenv(envPassword); secret != "" {
		return secret, nil
	}

	return "", fmt.Errorf("no mailbox password configured for %q", username)
}
