package signing

import (
	"errors"
	"testing"

	xerrors "AgentTreasury/internal/errors"
)

const testKeyHex = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

func TestSignAndVerify(t *testing.T) {
	signer, err := NewSignerFromHex(testKeyHex)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	payload := []byte(`{"amount":"20","id":"tx-1"}`)
	sig, err := signer.Sign(DomainDecision, payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := Verify(signer.PublicKeyHex(), DomainDecision, payload, sig); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	signer, err := NewSignerFromHex(testKeyHex)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	sig, err := signer.Sign(DomainDecision, []byte("original"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	err = Verify(signer.PublicKeyHex(), DomainDecision, []byte("tampered"), sig)
	if !errors.Is(err, xerrors.New(xerrors.CodeSignatureInvalid, "")) {
		t.Fatalf("expected signature failure, got %v", err)
	}
}

func TestVerifyRejectsWrongDomain(t *testing.T) {
	signer, err := NewSignerFromHex(testKeyHex)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	payload := []byte("payload")
	sig, err := signer.Sign(DomainDecision, payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := Verify(signer.PublicKeyHex(), DomainSettlement, payload, sig); err == nil {
		t.Fatal("signature must not verify under a different domain")
	}
}

func TestNewSignerFromHexAcceptsPrefix(t *testing.T) {
	if _, err := NewSignerFromHex("0x" + testKeyHex); err != nil {
		t.Fatalf("0x prefix must be accepted: %v", err)
	}
	if _, err := NewSignerFromHex("not-hex"); err == nil {
		t.Fatal("invalid key must be rejected")
	}
}
