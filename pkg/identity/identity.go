package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/meridian-mesh/meridian/pkg/types"
)

const (
	localKeysDir = "keys"

	signingKeyName    = "ed25519.key"
	signingPubKeyName = "ed25519.pub"
	pemTypePriv       = "MERIDIAN ED25519 PRIVATE KEY"
	pemTypePub        = "MERIDIAN ED25519 PUBLIC KEY"

	keyDirPerm  = 0o700
	keyFilePerm = 0o600
)

// Node holds the local key pair, its fingerprint ID and the current
// certificate. The ID never changes for the lifetime of the key pair;
// certificates are re-issuable under the same ID.
type Node struct {
	priv     ed25519.PrivateKey
	pub      ed25519.PublicKey
	id       types.ID
	validity time.Duration

	mu   sync.RWMutex
	cert *Certificate
}

// LoadOrGenerate loads persisted key material from <dir>/keys if present,
// generating and persisting a fresh key pair otherwise, then issues a
// self-signed certificate with the given validity window.
func LoadOrGenerate(dir string, validity time.Duration, now time.Time) (*Node, error) {
	priv, pub, err := loadOrGenerateKey(dir)
	if err != nil {
		return nil, err
	}

	n := &Node{
		priv:     priv,
		pub:      pub,
		id:       types.Fingerprint(pub),
		validity: validity,
	}

	cert, err := IssueSelfSigned(priv, now, validity)
	if err != nil {
		return nil, fmt.Errorf("issue certificate: %w", err)
	}
	n.cert = cert

	return n, nil
}

func (n *Node) ID() types.ID {
	return n.id
}

func (n *Node) PublicKey() ed25519.PublicKey {
	return n.pub
}

// Certificate returns the current certificate.
func (n *Node) Certificate() *Certificate {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.cert
}

// Rotate issues a new certificate with a fresh validity window. The ID is
// unchanged, so peers keep their existing membership state for this node.
func (n *Node) Rotate(now time.Time) (*Certificate, error) {
	cert, err := IssueSelfSigned(n.priv, now, n.validity)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	n.cert = cert
	n.mu.Unlock()

	return cert, nil
}

// Sign signs arbitrary bytes with the node key. Used for envelope
// signatures.
func (n *Node) Sign(b []byte) []byte {
	return ed25519.Sign(n.priv, b)
}

func loadOrGenerateKey(baseDir string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	dir := filepath.Join(baseDir, localKeysDir)

	privPath := filepath.Join(dir, signingKeyName)
	pubPath := filepath.Join(dir, signingPubKeyName)

	keyEnc, err := os.ReadFile(privPath)
	switch {
	case err == nil:
		block, _ := pem.Decode(keyEnc)
		if block == nil || block.Type != pemTypePriv || len(block.Bytes) != ed25519.SeedSize {
			return nil, nil, errors.New("invalid private key PEM")
		}
		priv := ed25519.NewKeyFromSeed(block.Bytes)
		pub, ok := priv.Public().(ed25519.PublicKey)
		if !ok {
			return nil, nil, errors.New("key is not ed25519")
		}
		return priv, pub, nil
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, nil, err
	}

	if err := os.MkdirAll(dir, keyDirPerm); err != nil {
		return nil, nil, err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	privPEM := pem.EncodeToMemory(&pem.Block{Type: pemTypePriv, Bytes: priv.Seed()})
	if err := renameio.WriteFile(privPath, privPEM, keyFilePerm); err != nil {
		return nil, nil, fmt.Errorf("persist private key: %w", err)
	}

	pubPEM := pem.EncodeToMemory(&pem.Block{Type: pemTypePub, Bytes: pub})
	if err := renameio.WriteFile(pubPath, pubPEM, keyFilePerm); err != nil {
		return nil, nil, fmt.Errorf("persist public key: %w", err)
	}

	return priv, pub, nil
}
