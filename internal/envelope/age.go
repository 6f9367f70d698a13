package envelope

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"filippo.io/age"
)

// DefaultAgeWorkFactor matches age's own default scrypt cost.
const DefaultAgeWorkFactor = 18

// maxAgeWorkFactor bounds what Open will accept, so a crafted token cannot
// make the worker spend minutes in scrypt.
const maxAgeWorkFactor = 22

type ageCodec struct {
	passphrase string
	workFactor int
}

func newAgeCodec(passphrase string, workFactor int) (*ageCodec, error) {
	if passphrase == "" {
		return nil, ErrNoKey
	}
	if workFactor == 0 {
		workFactor = DefaultAgeWorkFactor
	}
	if workFactor < 1 || workFactor > maxAgeWorkFactor {
		return nil, fmt.Errorf("age work factor %d out of range 1-%d", workFactor, maxAgeWorkFactor)
	}
	return &ageCodec{passphrase: passphrase, workFactor: workFactor}, nil
}

func (c *ageCodec) Scheme() string { return SchemeAge }

func (c *ageCodec) Seal(plaintext []byte) (string, error) {
	recipient, err := age.NewScryptRecipient(c.passphrase)
	if err != nil {
		return "", fmt.Errorf("creating scrypt recipient: %w", err)
	}
	recipient.SetWorkFactor(c.workFactor)

	var out bytes.Buffer
	w, err := age.Encrypt(&out, recipient)
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing age encryption: %w", err)
	}
	return base64.StdEncoding.EncodeToString(out.Bytes()), nil
}

func (c *ageCodec) Open(token string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrAuthentication
	}

	identity, err := age.NewScryptIdentity(c.passphrase)
	if err != nil {
		return nil, ErrAuthentication
	}
	identity.SetMaxWorkFactor(maxAgeWorkFactor)

	r, err := age.Decrypt(bytes.NewReader(raw), identity)
	if err != nil {
		return nil, ErrAuthentication
	}
	// age authenticates each chunk as it is read; a failure part-way
	// discards everything read so far.
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}
