// Package secret seals and opens password payloads carried in the change log.
//
// Passwords are never stored in plaintext. The source system encrypts them to
// the sync host's age X25519 recipient and stores the base64 ciphertext in
// the change params under ParamPassword. The sync opens them with the
// matching identity only at the moment it sets the remote password.
package secret

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"

	"github.com/xtxerr/adsync/internal/errors"
)

// ParamPassword is the change param holding the sealed password.
const ParamPassword = "password"

// Opener decrypts sealed payloads.
type Opener interface {
	Open(sealed string) (string, error)
}

// Keyring holds the identities able to open password payloads.
type Keyring struct {
	identities []age.Identity
}

// LoadKeyring reads age identities from an identity file, one
// AGE-SECRET-KEY-1... per line.
func LoadKeyring(path string) (*Keyring, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open identity file: %w", err)
	}
	defer f.Close()
	return ParseKeyring(f)
}

// ParseKeyring parses age identities from r.
func ParseKeyring(r io.Reader) (*Keyring, error) {
	ids, err := age.ParseIdentities(r)
	if err != nil {
		return nil, fmt.Errorf("parse identities: %w", err)
	}
	return &Keyring{identities: ids}, nil
}

// Open decrypts a base64 age ciphertext.
func (k *Keyring) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sealed))
	if err != nil {
		return "", fmt.Errorf("decode sealed payload: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), k.identities...)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read plaintext: %w", err)
	}
	return string(plain), nil
}

// Seal encrypts plaintext to the given age1... recipients and returns base64.
func Seal(plaintext string, recipients ...string) (string, error) {
	if len(recipients) == 0 {
		return "", fmt.Errorf("at least one recipient is required")
	}

	rs := make([]age.Recipient, 0, len(recipients))
	for _, key := range recipients {
		r, err := age.ParseX25519Recipient(key)
		if err != nil {
			return "", fmt.Errorf("parse recipient %q: %w", key, err)
		}
		rs = append(rs, r)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, rs...)
	if err != nil {
		return "", fmt.Errorf("create encryptor: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("write plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize encryption: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// PasswordFromParams extracts and opens the password from change params.
// It returns errors.ErrNoPassword when the params carry none or no opener
// is configured.
func PasswordFromParams(params map[string]any, opener Opener) (string, error) {
	sealed, _ := params[ParamPassword].(string)
	if sealed == "" || opener == nil {
		return "", errors.ErrNoPassword
	}
	pw, err := opener.Open(sealed)
	if err != nil {
		return "", errors.Wrap(errors.ErrNoPassword, err.Error())
	}
	return pw, nil
}
