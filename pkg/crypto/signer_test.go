package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	eth_crypto "github.com/ethereum/go-ethereum/crypto"
)

func TestFromPrivateKeyHex(t *testing.T) {
	signer1, err := GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	privHex := signer1.PrivateKeyHex()
	if len(privHex) != 64 {
		t.Fatalf("private key hex length = %d, want 64", len(privHex))
	}

	for _, in := range []string{privHex, "0x" + privHex} {
		signer2, err := FromPrivateKeyHex(in)
		if err != nil {
			t.Fatalf("failed to load key %q: %v", in[:4], err)
		}
		if signer2.Address() != signer1.Address() {
			t.Errorf("address = %s, want %s", signer2.Address().Hex(), signer1.Address().Hex())
		}
	}
}

func TestSignAndRecover(t *testing.T) {
	signer, _ := GenerateKey()
	message := []byte("harvest")

	signature, err := signer.SignMessage(message)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	if len(signature) != 65 {
		t.Fatalf("signature length = %d, want 65", len(signature))
	}

	hash := eth_crypto.Keccak256Hash(message).Bytes()
	if !VerifySignature(signer.Address(), hash, signature) {
		t.Error("signature verification failed")
	}
	wrongAddr := common.HexToAddress("0x0000000000000000000000000000000000000001")
	if VerifySignature(wrongAddr, hash, signature) {
		t.Error("signature should not verify with wrong address")
	}

	// wallets send V as 27/28
	walletSig := append([]byte(nil), signature...)
	walletSig[64] += 27
	recovered, err := RecoverAddress(hash, walletSig)
	if err != nil {
		t.Fatalf("recover with V+27: %v", err)
	}
	if recovered != signer.Address() {
		t.Errorf("recovered %s, want %s", recovered.Hex(), signer.Address().Hex())
	}
}

func TestInvalidSignature(t *testing.T) {
	signer, _ := GenerateKey()
	hash := common.BytesToHash([]byte("test")).Bytes()

	if VerifySignature(signer.Address(), hash, []byte{1, 2, 3}) {
		t.Error("short signature should not verify")
	}
	if VerifySignature(signer.Address(), []byte("short"), make([]byte, 65)) {
		t.Error("short hash should not verify")
	}
}

func TestDecodeSignature(t *testing.T) {
	good := "0x" + hex.EncodeToString(make([]byte, 65))
	if _, err := DecodeSignature(good); err != nil {
		t.Errorf("65-byte signature rejected: %v", err)
	}
	for _, bad := range []string{"0x1234", "0xzz", ""} {
		if _, err := DecodeSignature(bad); err == nil {
			t.Errorf("DecodeSignature(%q) accepted", bad)
		}
	}
}

func TestKeysMatchKeccak(t *testing.T) {
	if got, want := MarketKey("TUNA|A|ILOILO"), eth_crypto.Keccak256Hash([]byte("TUNA|A|ILOILO")); got != want {
		t.Errorf("MarketKey = %s, want %s", got.Hex(), want.Hex())
	}
	if got, want := RoleKey("COOP_MEMBER"), eth_crypto.Keccak256Hash([]byte("COOP_MEMBER")); got != want {
		t.Errorf("RoleKey = %s, want %s", got.Hex(), want.Hex())
	}

	key := MarketKey("TUNA|A|ILOILO")
	if ParseKey(key.Hex()) != key {
		t.Error("ParseKey did not take a hex key as-is")
	}
	if ParseKey("TUNA|A|ILOILO") != key {
		t.Error("ParseKey did not hash a label")
	}
}

func TestCallSignature(t *testing.T) {
	signer, _ := GenerateKey()
	cs := NewCallSigner(DefaultDomain())

	call := &Call{
		Method:   "acceptOrder",
		OrderID:  1,
		BodyHash: BodyHash([]byte(`{"agreedUnitPrice":3600000,"sellerBond":10000000}`)),
		Nonce:    1,
		Caller:   signer.Address(),
	}
	sig, err := cs.SignCall(signer, call)
	if err != nil {
		t.Fatalf("sign call: %v", err)
	}
	ok, err := cs.VerifyCall(call, sig)
	if err != nil || !ok {
		t.Fatalf("verify call: ok=%v err=%v", ok, err)
	}

	tampered := []struct {
		name string
		edit func(c *Call)
	}{
		{"method", func(c *Call) { c.Method = "cancelOrder" }},
		{"order", func(c *Call) { c.OrderID = 2 }},
		{"body", func(c *Call) { c.BodyHash = BodyHash([]byte(`{}`)) }},
		{"nonce", func(c *Call) { c.Nonce = 2 }},
	}
	for _, tt := range tampered {
		t.Run(tt.name, func(t *testing.T) {
			c := *call
			tt.edit(&c)
			ok, err := cs.VerifyCall(&c, sig)
			if err == nil && ok {
				t.Error("signature verified after tampering")
			}
		})
	}

	other := DefaultDomain()
	other.Name = "OtherEscrow"
	if ok, _ := NewCallSigner(other).VerifyCall(call, sig); ok {
		t.Error("signature verified under a different domain")
	}
}
