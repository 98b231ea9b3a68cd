package vcs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	gossh "golang.org/x/crypto/ssh"

	"github.com/Nu11ified/code-spectre-sub000/internal/apperr"
)

const deployKeyBits = 4096

// GenerateDeployKey creates an RSA deploy key pair for the repository and
// writes it under the ssh-keys directory. The private key is written with
// owner-only permissions. The public key in authorized_keys format is
// returned for registration with the git host.
func (p *Provider) GenerateDeployKey(repoID int64) (string, error) {
	keyPath := p.KeyPath(repoID)
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return "", apperr.Wrap(err, apperr.GitOperationFailed, "creating ssh-keys directory")
	}

	priv, err := rsa.GenerateKey(rand.Reader, deployKeyBits)
	if err != nil {
		return "", apperr.Wrap(err, apperr.GitOperationFailed, "generating deploy key")
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})
	if err := os.WriteFile(keyPath, privPEM, 0o600); err != nil {
		return "", apperr.Wrap(err, apperr.GitOperationFailed, "writing private key")
	}

	sshPub, err := gossh.NewPublicKey(&priv.PublicKey)
	if err != nil {
		return "", apperr.Wrap(err, apperr.GitOperationFailed, "encoding public key")
	}
	comment := fmt.Sprintf("deploy-key-repo-%d", repoID)
	pub := strings.TrimSpace(string(gossh.MarshalAuthorizedKey(sshPub))) + " " + comment + "\n"
	if err := os.WriteFile(keyPath+".pub", []byte(pub), 0o644); err != nil {
		return "", apperr.Wrap(err, apperr.GitOperationFailed, "writing public key")
	}

	slog.Info("Deploy key generated", "repository_id", repoID, "path", keyPath)
	return pub, nil
}
