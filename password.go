package perch

import (
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

// newKey derives a 32-byte store key from a password with argon2id. The
// salt is created on first use and persisted under the root dir so the same
// password keeps producing the same key.
func newKey(password, root, saltName string) ([]byte, error) {
	var salt [16]byte
	saltPath := filepath.Join(root, saltName)
	if _, err := os.Stat(saltPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if _, err := crypto_rand.Read(salt[:]); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(saltPath, os.O_WRONLY|os.O_CREATE|os.O_SYNC, 0o400) // #nosec G304
		if err != nil {
			return nil, err
		}
		if _, err := f.Write(salt[:]); err != nil {
			_ = f.Close()
			return nil, err
		}
		if err := f.Close(); err != nil {
			return nil, err
		}
	} else {
		f, err := os.Open(saltPath) // #nosec G304
		if err != nil {
			return nil, err
		}
		n, err := io.ReadFull(f, salt[:])
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		if n != 16 {
			_ = f.Close()
			return nil, fmt.Errorf("perch: expected 16-byte salt, got %d", n)
		}
		if err := f.Close(); err != nil {
			return nil, err
		}
	}
	return argon2.IDKey([]byte(password), salt[:], 1, 64*1024, 4, 32), nil
}
