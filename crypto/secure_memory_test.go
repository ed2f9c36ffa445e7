package crypto

import (
	"testing"
)

func TestSecureMemoryHandling(t *testing.T) {
	cctx := newTestContext(t)
	kp, err := cctx.GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate keypair: %v", err)
	}
	if isZeroKey(kp.Private) {
		t.Fatalf("Private key is all zeros before wiping, test cannot proceed")
	}

	if err := WipeKeyPair(kp); err != nil {
		t.Fatalf("WipeKeyPair failed: %v", err)
	}
	if !isZeroKey(kp.Private) {
		t.Fatalf("Private key data was not wiped by WipeKeyPair")
	}
	if isZeroKey(kp.Public) {
		t.Errorf("WipeKeyPair must leave the public key intact")
	}
}

func TestSecureWipeNil(t *testing.T) {
	if err := SecureWipe(nil); err == nil {
		t.Error("SecureWipe(nil) should fail")
	}
	if err := WipeKeyPair(nil); err == nil {
		t.Error("WipeKeyPair(nil) should fail")
	}
	ZeroBytes(nil)
}
