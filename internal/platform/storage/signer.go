package storage

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Signer signs V4 string-to-sign payloads on behalf of a Google service account.
type Signer interface {
	Email() string
	SignBytes(ctx context.Context, payload []byte) ([]byte, error)
}

var (
	errEmptyCredentials = errors.New("storage: credentials document is empty")
	errNotServiceKey    = errors.New("storage: credentials are not a service account key")
	errMissingEmail     = errors.New("storage: credentials carry no client_email")
	errMissingKey       = errors.New("storage: credentials carry no private_key")
	errNoPEMBlock       = errors.New("storage: private_key is not PEM encoded")
	errNotRSA           = errors.New("storage: private_key is not an RSA key")
)

// credentials is the subset of a downloaded service account key the signer needs.
type credentials struct {
	Type         string `json:"type"`
	ClientEmail  string `json:"client_email"`
	PrivateKeyID string `json:"private_key_id"`
	PrivateKey   string `json:"private_key"`
}

// KeySigner signs locally with a service account private key, so image URLs can
// be minted without a round trip to the IAM credentials API.
type KeySigner struct {
	email string
	keyID string
	key   *rsa.PrivateKey
}

// LoadKeySigner reads a service account key file from disk.
func LoadKeySigner(path string) (*KeySigner, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("storage: credentials path is empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("storage: read credentials %q: %w", path, err)
	}
	return ParseKeySigner(raw)
}

// ParseKeySigner builds a signer from the JSON body of a service account key.
func ParseKeySigner(raw []byte) (*KeySigner, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, errEmptyCredentials
	}

	var creds credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("storage: decode credentials: %w", err)
	}
	if t := strings.TrimSpace(creds.Type); t != "" && t != "service_account" {
		return nil, fmt.Errorf("%w: type %q", errNotServiceKey, t)
	}

	email := strings.TrimSpace(creds.ClientEmail)
	if email == "" {
		return nil, errMissingEmail
	}
	if strings.TrimSpace(creds.PrivateKey) == "" {
		return nil, errMissingKey
	}

	key, err := decodeRSAKey([]byte(creds.PrivateKey))
	if err != nil {
		return nil, err
	}

	return &KeySigner{
		email: email,
		keyID: strings.TrimSpace(creds.PrivateKeyID),
		key:   key,
	}, nil
}

// Email is used as the credential scope of issued URLs.
func (s *KeySigner) Email() string {
	if s == nil {
		return ""
	}
	return s.email
}

// KeyID identifies the private key, for log lines only.
func (s *KeySigner) KeyID() string {
	if s == nil {
		return ""
	}
	return s.keyID
}

// SignBytes returns an RSASSA-PKCS1-v1_5 SHA-256 signature over payload.
func (s *KeySigner) SignBytes(ctx context.Context, payload []byte) ([]byte, error) {
	switch {
	case s == nil || s.key == nil:
		return nil, errors.New("storage: key signer is not configured")
	case len(payload) == 0:
		return nil, errors.New("storage: nothing to sign")
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	sum := sha256.Sum256(payload)
	signature, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, sum[:])
	if err != nil {
		return nil, fmt.Errorf("storage: sign: %w", err)
	}
	return signature, nil
}

// decodeRSAKey accepts both PKCS#8 (what Google issues) and legacy PKCS#1 blocks.
func decodeRSAKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errNoPEMBlock
	}

	if block.Type == "RSA PRIVATE KEY" {
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("storage: parse pkcs1 key: %w", err)
		}
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pkcs8 key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errNotRSA
	}
	return key, nil
}
