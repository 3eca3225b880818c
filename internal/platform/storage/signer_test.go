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
	"os"
	"path/filepath"
	"testing"
)

func serviceAccountJSON(t *testing.T, key *rsa.PrivateKey) []byte {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	raw, err := json.Marshal(map[string]string{
		"type":         "service_account",
		"client_email": "invoices@payments.iam.gserviceaccount.com",
		"private_key":  string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})),
		"token_uri":    "https://oauth2.googleapis.com/token",
	})
	if err != nil {
		t.Fatalf("marshal json: %v", err)
	}
	return raw
}

func TestKeySignerSignsVerifiably(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "sa.json")
	if err := os.WriteFile(path, serviceAccountJSON(t, key), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	signer, err := NewKeySignerFromFile(path)
	if err != nil {
		t.Fatalf("NewKeySignerFromFile: %v", err)
	}
	if signer.Email() != "invoices@payments.iam.gserviceaccount.com" {
		t.Fatalf("unexpected email %q", signer.Email())
	}

	payload := []byte("GOOG4-RSA-SHA256\n20250101T000000Z")
	sig, err := signer.SignBytes(context.Background(), payload)
	if err != nil {
		t.Fatalf("SignBytes: %v", err)
	}
	digest := sha256.Sum256(payload)
	if err := rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], sig); err != nil {
		t.Fatalf("signature does not verify: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := signer.SignBytes(ctx, payload); err == nil {
		t.Fatal("expected cancelled context to fail")
	}
}

func TestNewKeySignerRejectsBadKeys(t *testing.T) {
	for name, raw := range map[string]string{
		"empty":    ``,
		"not json": `{`,
		"no key":   `{"type":"service_account","client_email":"a@b.c"}`,
		"bad pem":  `{"type":"service_account","client_email":"a@b.c","private_key":"nope","token_uri":"https://x"}`,
	} {
		if _, err := NewKeySigner([]byte(raw)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
