// Package secrets resolves stored credential references to plaintext
// values for git authentication. The static decryptor is a development
// stand-in; production deployments plug in a KMS-backed implementation.
package secrets

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Decryptor turns a stored credential reference into its plaintext value.
type Decryptor interface {
	Decrypt(ref string) (string, error)
}

// Static decodes base64-encoded credential references. It provides no
// confidentiality and exists only so the ingest path has a uniform
// resolution step to swap a real decryptor into.
type Static struct{}

func (Static) Decrypt(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", nil
	}
	data, err := base64.StdEncoding.DecodeString(ref)
	if err != nil {
		return "", fmt.Errorf("decode credential: %w", err)
	}
	return string(data), nil
}

// Encode produces a reference Static can resolve. Used by the CLI when
// attaching credentials to a repository.
func Encode(plaintext string) string {
	return base64.StdEncoding.EncodeToString([]byte(plaintext))
}
