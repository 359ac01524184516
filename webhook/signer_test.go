package webhook

import "testing"

func TestSignDeterministic(t *testing.T) {
	body := []byte(`{"event":"payment.executed"}`)
	a := Sign(body, "whsec_abc")
	b := Sign(body, "whsec_abc")
	if a != b {
		t.Fatal("same body and secret produced different signatures")
	}
	if len(a) != 64 {
		t.Fatalf("signature length %d, want 64 hex chars", len(a))
	}
}

func TestVerify(t *testing.T) {
	body := []byte(`{"event":"payment.executed","data":{"amount":"50"}}`)
	sig := Sign(body, "whsec_abc")

	if !Verify(body, sig, "whsec_abc") {
		t.Fatal("valid signature rejected")
	}
	if Verify(body, sig, "whsec_other") {
		t.Fatal("signature verified under the wrong secret")
	}

	flipped := make([]byte, len(body))
	copy(flipped, body)
	flipped[10] ^= 0x01
	if Verify(flipped, sig, "whsec_abc") {
		t.Fatal("tampered body verified")
	}
}
