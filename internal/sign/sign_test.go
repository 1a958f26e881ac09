package sign

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"

	"swapSequencer/internal/errs"
)

func TestVerifyP2WPKHRoundTrip(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr, err := P2WPKHAddress(priv.PubKey(), &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("derive address: %v", err)
	}

	message := `{"func":"swap","address":"` + addr + `","amount":"100"}`
	sig := SignCompact(priv, message)

	if err := Verify(addr, message, sig, &chaincfg.MainNetParams); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyP2PKHRoundTrip(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr, err := P2PKHAddress(priv.PubKey(), &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("derive address: %v", err)
	}

	sig := SignCompact(priv, "hello")
	if err := Verify(addr, "hello", sig, &chaincfg.MainNetParams); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyRejectsWrongAddress(t *testing.T) {
	privA, _ := btcec.NewPrivateKey()
	privB, _ := btcec.NewPrivateKey()
	addrB, err := P2WPKHAddress(privB.PubKey(), &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("derive address: %v", err)
	}

	sig := SignCompact(privA, "message")
	err = Verify(addrB, "message", sig, &chaincfg.MainNetParams)
	if errs.CodeOf(err) != errs.CodeSignatureMismatch {
		t.Fatalf("expected signature mismatch, got %v", err)
	}
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	priv, _ := btcec.NewPrivateKey()
	addr, err := P2WPKHAddress(priv.PubKey(), &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("derive address: %v", err)
	}

	sig := SignCompact(priv, "original")
	if err := Verify(addr, "tampered", sig, &chaincfg.MainNetParams); err == nil {
		t.Fatal("expected verification failure for altered message")
	}
}

func TestVerifyRejectsGarbageSignature(t *testing.T) {
	priv, _ := btcec.NewPrivateKey()
	addr, _ := P2WPKHAddress(priv.PubKey(), &chaincfg.MainNetParams)

	if err := Verify(addr, "m", "not base64!!", &chaincfg.MainNetParams); err == nil {
		t.Fatal("expected error for malformed signature")
	}
	if err := Verify(addr, "m", "aGVsbG8=", &chaincfg.MainNetParams); err == nil {
		t.Fatal("expected error for undersized signature")
	}
}

func TestVerifyNetworkMismatch(t *testing.T) {
	priv, _ := btcec.NewPrivateKey()
	addr, err := P2WPKHAddress(priv.PubKey(), &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("derive address: %v", err)
	}

	sig := SignCompact(priv, "m")
	if err := Verify(addr, "m", sig, &chaincfg.MainNetParams); err == nil {
		t.Fatal("expected rejection of testnet address on mainnet params")
	}
}

func TestMessageHashFraming(t *testing.T) {
	// Distinct messages must frame to distinct digests, and the digest
	// must be stable across calls.
	a := MessageHash("alpha")
	b := MessageHash("beta")
	if string(a) == string(b) {
		t.Fatal("digests collide")
	}
	if string(a) != string(MessageHash("alpha")) {
		t.Fatal("digest not deterministic")
	}
	if len(a) != 32 {
		t.Fatalf("digest length = %d, want 32", len(a))
	}
}
