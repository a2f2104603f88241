// Package keystore loads or generates the client's private key and
// persists the rendezvous server's host keys. Generated keys are
// 2048-bit RSA, written as OpenSSH PEM.
package keystore

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
)

// rsaKeyBits matches the source's RSAKey.generate(2048).
const rsaKeyBits = 2048

// LoadOrGenerate loads an ssh.Signer from path, or generates a new
// 2048-bit RSA key and writes it to path if the file does not exist. An
// empty path generates an ephemeral, unpersisted key.
func LoadOrGenerate(path string) (ssh.Signer, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		} else if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "stat key file %s", path)
		}
	}

	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, errors.Wrap(err, "generate rsa key")
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		return nil, errors.Wrap(err, "build signer from generated key")
	}

	if path != "" {
		if err := savePrivateKey(path, key); err != nil {
			return nil, err
		}
	}

	return signer, nil
}

// Load reads and parses a PEM-encoded private key from path.
func Load(path string) (ssh.Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read key file %s", path)
	}
	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "parse key file %s", path)
	}
	return signer, nil
}

func savePrivateKey(path string, key *rsa.PrivateKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrapf(err, "create key directory for %s", path)
	}
	block, err := ssh.MarshalPrivateKey(key, "")
	if err != nil {
		return errors.Wrap(err, "marshal private key")
	}
	var buf bytes.Buffer
	if err := pem.Encode(&buf, block); err != nil {
		return errors.Wrap(err, "pem encode private key")
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return errors.Wrapf(err, "write key file %s", path)
	}
	return nil
}

// SaveHostKeys writes keys, one per line, to path in known_hosts format,
// matching the source's save_host_keys.
func SaveHostKeys(keys []string, path string) error {
	if path == "" {
		return errors.New("keystore: no known-hosts path configured")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrapf(err, "create known-hosts directory for %s", path)
	}
	data := ""
	for i, k := range keys {
		if i > 0 {
			data += "\n"
		}
		data += k
	}
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		return errors.Wrapf(err, "write known-hosts file %s", path)
	}
	return nil
}
