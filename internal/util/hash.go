package util

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// ComputeHash returns the hex blake2b-256 digest of data
func ComputeHash(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ComputeHashReader streams r through blake2b-256 and returns the hex digest
func ComputeHashReader(r io.Reader) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("failed to hash content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// NewIdentity builds a per-process node identity from the host name.
// The random suffix keeps two processes on one host (or a restarted node
// whose old advertisement is still cached) from colliding.
func NewIdentity(hostname string) string {
	hostname = strings.TrimSpace(hostname)
	if hostname == "" {
		hostname = "node"
	}
	return fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
}
