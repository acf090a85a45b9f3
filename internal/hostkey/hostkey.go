// Package hostkey manages the ED25519 key the admin SSH server presents to
// clients.
package hostkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

const (
	privateFile = "ssh_host_ed25519_key"
	publicFile  = "ssh_host_ed25519_key.pub"
)

// HostKey is the server's keypair and its SSH signer.
type HostKey struct {
	PrivateKey  ed25519.PrivateKey
	PublicKey   ed25519.PublicKey
	Signer      ssh.Signer
	Fingerprint string // SHA256:... as printed by ssh-keygen -l
}

// Load reads the host key from dir, generating and persisting a new one if
// none exists yet.
func Load(dir string) (*HostKey, error) {
	privPath := filepath.Join(dir, privateFile)

	privPEM, err := os.ReadFile(privPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading host key: %w", err)
		}
		return generate(dir)
	}
	return parse(privPEM)
}

func generate(dir string) (*HostKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating host key: %w", err)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating host key dir: %w", err)
	}

	pkcs8, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshaling host key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})
	if err := os.WriteFile(filepath.Join(dir, privateFile), privPEM, 0600); err != nil {
		return nil, fmt.Errorf("writing host key: %w", err)
	}

	hk, err := fromKeyPair(priv, pub)
	if err != nil {
		return nil, err
	}
	pubLine := ssh.MarshalAuthorizedKey(hk.Signer.PublicKey())
	if err := os.WriteFile(filepath.Join(dir, publicFile), pubLine, 0644); err != nil {
		return nil, fmt.Errorf("writing public host key: %w", err)
	}
	return hk, nil
}

func parse(privPEM []byte) (*HostKey, error) {
	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in host key")
	}
	raw, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing host key: %w", err)
	}
	priv, ok := raw.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("host key is %T, not ED25519", raw)
	}
	return fromKeyPair(priv, priv.Public().(ed25519.PublicKey))
}

func fromKeyPair(priv ed25519.PrivateKey, pub ed25519.PublicKey) (*HostKey, error) {
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("creating SSH signer: %w", err)
	}
	return &HostKey{
		PrivateKey:  priv,
		PublicKey:   pub,
		Signer:      signer,
		Fingerprint: ssh.FingerprintSHA256(signer.PublicKey()),
	}, nil
}

// LoadAuthorizedKeys parses an OpenSSH authorized_keys file. A missing file
// yields no keys and no error; malformed lines are skipped.
func LoadAuthorizedKeys(path string) ([]ssh.PublicKey, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading authorized keys: %w", err)
	}

	var keys []ssh.PublicKey
	for len(data) > 0 {
		key, _, _, rest, err := ssh.ParseAuthorizedKey(data)
		if err != nil {
			break
		}
		keys = append(keys, key)
		data = rest
	}
	return keys, nil
}
