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
	"os"
	"path/filepath"
	"testing"
)

func testCredentials(t *testing.T, pkcs1 bool) ([]byte, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	if !pkcs1 {
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			t.Fatalf("marshal pkcs8: %v", err)
		}
		block = &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	}
	raw, err := json.Marshal(map[string]string{
		"type":           "service_account",
		"client_email":   "images@ledger.iam.gserviceaccount.com",
		"private_key_id": "kid-1",
		"private_key":    string(pem.EncodeToMemory(block)),
	})
	if err != nil {
		t.Fatalf("marshal credentials: %v", err)
	}
	return raw, key
}

func TestParseKeySignerSignsVerifiably(t *testing.T) {
	for _, pkcs1 := range []bool{false, true} {
		raw, key := testCredentials(t, pkcs1)
		signer, err := ParseKeySigner(raw)
		if err != nil {
			t.Fatalf("ParseKeySigner(pkcs1=%v): %v", pkcs1, err)
		}
		if signer.Email() != "images@ledger.iam.gserviceaccount.com" || signer.KeyID() != "kid-1" {
			t.Fatalf("unexpected identity %q %q", signer.Email(), signer.KeyID())
		}

		payload := []byte("GOOG4-RSA-SHA256\n20240601T120000Z")
		sig, err := signer.SignBytes(context.Background(), payload)
		if err != nil {
			t.Fatalf("SignBytes: %v", err)
		}
		sum := sha256.Sum256(payload)
		if err := rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, sum[:], sig); err != nil {
			t.Fatalf("signature does not verify: %v", err)
		}
	}
}

func TestParseKeySignerRejectsBadCredentials(t *testing.T) {
	cases := map[string]struct {
		raw  string
		want error
	}{
		"empty":        {raw: "  ", want: errEmptyCredentials},
		"wrong type":   {raw: `{"type":"authorized_user","client_email":"a@b","private_key":"x"}`, want: errNotServiceKey},
		"no email":     {raw: `{"private_key":"x"}`, want: errMissingEmail},
		"no key":       {raw: `{"client_email":"a@b"}`, want: errMissingKey},
		"not pem data": {raw: `{"client_email":"a@b","private_key":"plain"}`, want: errNoPEMBlock},
	}
	for name, tc := range cases {
		if _, err := ParseKeySigner([]byte(tc.raw)); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", name, tc.want, err)
		}
	}
}

func TestLoadKeySignerFromFile(t *testing.T) {
	raw, _ := testCredentials(t, false)
	path := filepath.Join(t.TempDir(), "signer.json")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadKeySigner(path); err != nil {
		t.Fatalf("LoadKeySigner: %v", err)
	}
	if _, err := LoadKeySigner(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestKeySignerHonoursCancelledContext(t *testing.T) {
	raw, _ := testCredentials(t, false)
	signer, err := ParseKeySigner(raw)
	if err != nil {
		t.Fatalf("ParseKeySigner: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := signer.SignBytes(ctx, []byte("payload")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
