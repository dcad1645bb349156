package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// verifyFile checks that path exists and, when want is set, that its SHA-256
// matches.
func verifyFile(path, want string) error {
	fh, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrLoad, path, err)
	}
	defer fh.Close()
	want = strings.TrimSpace(want)
	if want == "" {
		return nil
	}
	h := sha256.New()
	if _, err := io.Copy(h, fh); err != nil {
		return fmt.Errorf("%w: hash %s: %v", ErrLoad, path, err)
	}
	sum := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(sum, want) {
		return fmt.Errorf("%w: sha256 mismatch for %s: expected %s got %s", ErrLoad, path, want, sum)
	}
	return nil
}
