// Package auth stores the enrollment credential. The credential is sealed
// at rest with a machine-bound key so a copied database file is useless on
// another host.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"gorm.io/gorm"

	"fleetguard/agent/internal/db"
)

// ErrNoCredential is returned when no credential has been enrolled yet.
var ErrNoCredential = errors.New("no stored credential")

// Save seals the credential and persists it, replacing any prior one.
func Save(adb *gorm.DB, agentID, credential string) error {
	sealed, err := seal([]byte(credential))
	if err != nil {
		return fmt.Errorf("seal credential: %w", err)
	}

	return adb.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&db.Credential{}).Error; err != nil {
			return err
		}
		return tx.Create(&db.Credential{AgentID: agentID, Sealed: sealed}).Error
	})
}

// Load unseals and returns the stored credential.
func Load(adb *gorm.DB) (agentID, credential string, err error) {
	var row db.Credential
	if err := adb.First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", "", ErrNoCredential
		}
		return "", "", err
	}

	plain, err := unseal(row.Sealed)
	if err != nil {
		return "", "", fmt.Errorf("unseal credential: %w", err)
	}
	return row.AgentID, string(plain), nil
}

// Delete removes the stored credential, used on unenrollment and on
// credential invalidation before re-enrolling.
func Delete(adb *gorm.DB) error {
	return adb.Where("1 = 1").Delete(&db.Credential{}).Error
}

func seal(plain []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(machineKey())
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plain, nil), nil
}

func unseal(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(machineKey())
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("sealed credential too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, nil)
}

// machineKey derives the sealing key from stable host identifiers. This
// binds the credential to the machine, not to a secret the operator must
// manage.
func machineKey() []byte {
	h := sha256.New()
	h.Write([]byte("fleetguard-credential-v1"))

	if id, err := os.ReadFile("/etc/machine-id"); err == nil {
		h.Write([]byte(strings.TrimSpace(string(id))))
	} else if id, err := os.ReadFile("/var/lib/dbus/machine-id"); err == nil {
		h.Write([]byte(strings.TrimSpace(string(id))))
	}
	if host, err := os.Hostname(); err == nil {
		h.Write([]byte(host))
	}
	return h.Sum(nil)
}
