package secret

import (
	"strings"
	"testing"

	"filippo.io/age"

	"github.com/xtxerr/adsync/internal/errors"
)

func newKeyring(t *testing.T) (*Keyring, string) {
	t.Helper()
	id, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("GenerateX25519Identity() error = %v", err)
	}
	k, err := ParseKeyring(strings.NewReader("# sync host\n" + id.String() + "\n"))
	if err != nil {
		t.Fatalf("ParseKeyring() error = %v", err)
	}
	return k, id.Recipient().String()
}

func TestSealOpen(t *testing.T) {
	k, recipient := newKeyring(t)

	sealed, err := Seal("s3cret!", recipient)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if strings.Contains(sealed, "s3cret") {
		t.Error("sealed payload contains the plaintext")
	}

	got, err := k.Open(sealed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got != "s3cret!" {
		t.Errorf("Open() = %q, want %q", got, "s3cret!")
	}
}

func TestOpenWrongIdentity(t *testing.T) {
	_, recipient := newKeyring(t)
	other, _ := newKeyring(t)

	sealed, err := Seal("pw", recipient)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if _, err := other.Open(sealed); err == nil {
		t.Error("Open() with foreign identity succeeded")
	}
}

func TestSealNeedsRecipient(t *testing.T) {
	if _, err := Seal("pw"); err == nil {
		t.Error("Seal() without recipients succeeded")
	}
	if _, err := Seal("pw", "not-a-key"); err == nil {
		t.Error("Seal() with invalid recipient succeeded")
	}
}

func TestPasswordFromParams(t *testing.T) {
	k, recipient := newKeyring(t)
	sealed, err := Seal("hunter2", recipient)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	pw, err := PasswordFromParams(map[string]any{ParamPassword: sealed}, k)
	if err != nil || pw != "hunter2" {
		t.Errorf("PasswordFromParams() = %q, %v, want hunter2", pw, err)
	}

	tests := []struct {
		name   string
		params map[string]any
		opener Opener
	}{
		{"no params", nil, k},
		{"no opener", map[string]any{ParamPassword: sealed}, nil},
		{"wrong type", map[string]any{ParamPassword: 42}, k},
		{"garbage", map[string]any{ParamPassword: "!!"}, k},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := PasswordFromParams(tt.params, tt.opener)
			if !errors.Is(err, errors.ErrNoPassword) {
				t.Errorf("PasswordFromParams() error = %v, want ErrNoPassword", err)
			}
		})
	}
}
