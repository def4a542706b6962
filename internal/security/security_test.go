package security

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureKeyPairGeneratesThenLoads(t *testing.T) {
	dir := t.TempDir()
	pubPath := filepath.Join(dir, "keys", "ledger.pub")
	privPath := filepath.Join(dir, "keys", "ledger.key")

	pub, priv, created, err := EnsureKeyPair(pubPath, privPath)
	if err != nil {
		t.Fatalf("EnsureKeyPair: %v", err)
	}
	if !created {
		t.Error("expected a new key pair")
	}

	info, err := os.Stat(privPath)
	if err != nil {
		t.Fatalf("stat private key: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("private key mode = %o, want 600", perm)
	}

	pub2, priv2, created, err := EnsureKeyPair(pubPath, privPath)
	if err != nil {
		t.Fatalf("EnsureKeyPair reload: %v", err)
	}
	if created {
		t.Error("expected existing key pair to be loaded")
	}
	if !pub.Equal(pub2) || !priv.Equal(priv2) {
		t.Error("reloaded keys differ")
	}
}

func TestSignAndVerify(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	data := []byte("block-hash")
	sig := SignData(priv, data)

	pubHex := hex.EncodeToString(pub)
	ok, err := VerifySignatureFromHex(pubHex, data, sig)
	if err != nil || !ok {
		t.Fatalf("verify: ok=%v err=%v", ok, err)
	}
	ok, err = VerifySignatureFromHex(pubHex, []byte("other"), sig)
	if err != nil || ok {
		t.Fatalf("verify of altered data: ok=%v err=%v", ok, err)
	}
	if _, err := VerifySignatureFromHex("abcd", data, sig); err == nil {
		t.Fatal("expected error for short public key")
	}
}

func TestLoadKeyRejectsWrongSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pub")
	if err := os.WriteFile(path, []byte("abcd\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPublicKey(path); err == nil {
		t.Fatal("expected size error")
	}
	if _, err := LoadPrivateKey(path); err == nil {
		t.Fatal("expected size error")
	}
}

func TestWebhookHMAC(t *testing.T) {
	secret := []byte("s3cret")
	body := []byte(`{"ref":"refs/heads/main"}`)
	signature := SignWebhookHMAC(secret, body)

	if err := VerifyWebhookHMAC(secret, body, signature); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	tests := []struct {
		name      string
		secret    []byte
		body      []byte
		signature string
	}{
		{"wrong secret", []byte("other"), body, signature},
		{"tampered body", secret, []byte(`{"ref":"refs/heads/dev"}`), signature},
		{"empty signature", secret, body, ""},
		{"not hex", secret, body, "sha256=zz"},
		{"empty secret", nil, body, signature},
		{"empty body", secret, nil, signature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := VerifyWebhookHMAC(tt.secret, tt.body, tt.signature); err == nil {
				t.Error("expected verification failure")
			}
		})
	}
}
