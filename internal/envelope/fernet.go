package envelope

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/fernet/fernet-go"
)

// fernetMaxAge stands in for "no expiry". Job tokens are verified by key and
// MAC only; queue latency is unbounded.
const fernetMaxAge = 100 * 365 * 24 * time.Hour

type fernetCodec struct {
	keys []*fernet.Key
}

var errFernetKeyLength = errors.New("key is not 32 bytes")

func newFernetCodec(encoded []byte) (*fernetCodec, error) {
	key, err := decodeFernetKey(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid fernet key (want 32 bytes, base64): %w", err)
	}
	return &fernetCodec{keys: []*fernet.Key{key}}, nil
}

// decodeFernetKey accepts the encodings fernet.DecodeKey does (hex, standard
// or URL base64) without building a string from the key. The decode buffer
// is zeroed before returning.
func decodeFernetKey(encoded []byte) (*fernet.Key, error) {
	encoded = bytes.TrimSpace(encoded)
	var key fernet.Key

	var (
		buf []byte
		n   int
		err error
	)
	if len(encoded) == hex.EncodedLen(len(key)) {
		buf = make([]byte, hex.DecodedLen(len(encoded)))
		n, err = hex.Decode(buf, encoded)
	} else {
		buf = make([]byte, base64.StdEncoding.DecodedLen(len(encoded)))
		n, err = base64.StdEncoding.Decode(buf, encoded)
		if err != nil {
			clear(buf)
			n, err = base64.URLEncoding.Decode(buf, encoded)
		}
	}
	defer clear(buf)
	if err != nil {
		return nil, err
	}
	if n != len(key) {
		return nil, errFernetKeyLength
	}
	copy(key[:], buf[:n])
	return &key, nil
}

func (c *fernetCodec) Scheme() string { return SchemeFernet }

func (c *fernetCodec) Seal(plaintext []byte) (string, error) {
	tok, err := fernet.EncryptAndSign(plaintext, c.keys[0])
	if err != nil {
		return "", fmt.Errorf("seal: %w", err)
	}
	return string(tok), nil
}

func (c *fernetCodec) Open(token string) ([]byte, error) {
	msg := fernet.VerifyAndDecrypt([]byte(token), fernetMaxAge, c.keys)
	if msg == nil {
		return nil, ErrAuthentication
	}
	return msg, nil
}

func generateFernetKey() (string, error) {
	var key fernet.Key
	if err := key.Generate(); err != nil {
		return "", fmt.Errorf("generate fernet key: %w", err)
	}
	return key.Encode(), nil
}
