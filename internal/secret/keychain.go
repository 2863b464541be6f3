package secret

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

const keychainService = "sceneforge"

// KeychainStore reads secrets from the macOS Keychain through the
// `security` CLI. Entries are generic passwords under the "sceneforge"
// service with the key as account.
type KeychainStore struct {
	bin string
}

func NewKeychainStore() *KeychainStore {
	return &KeychainStore{bin: "security"}
}

func (k *KeychainStore) Get(key string) (string, error) {
	cmd := exec.Command(k.bin, "find-generic-password",
		"-a", key,
		"-s", keychainService,
		"-w",
	)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		// security exits 44 when the item does not exist
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 44 {
			return "", fmt.Errorf("keychain %s: %w", key, ErrNotFound)
		}
		return "", fmt.Errorf("keychain %s: %w", key, err)
	}
	return strings.TrimSpace(string(out)), nil
}
