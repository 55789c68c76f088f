package webhook

import "testing"

func TestVerifySignatureRoundTrip(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"type":"email.delivered"}`)

	sig := Sign(secret, body)
	if !VerifySignature(secret, body, sig) {
		t.Error("expected signed body to verify")
	}
}

func TestVerifySignatureRejectsWrongSecret(t *testing.T) {
	body := []byte(`{"type":"email.delivered"}`)
	sig := Sign("whsec_a", body)
	if VerifySignature("whsec_b", body, sig) {
		t.Error("signature from a different secret must not verify")
	}
}

func TestVerifySignatureRejectsTamperedBody(t *testing.T) {
	secret := "whsec_test"
	sig := Sign(secret, []byte(`{"type":"email.delivered"}`))
	if VerifySignature(secret, []byte(`{"type":"email.complained"}`), sig) {
		t.Error("signature must not verify against a different body")
	}
}

func TestVerifySignatureEmptyHeader(t *testing.T) {
	if VerifySignature("whsec_test", []byte("body"), "") {
		t.Error("empty header must not verify")
	}
}

func TestVerifySignatureRotatedSecrets(t *testing.T) {
	body := []byte(`{"type":"email.opened"}`)
	oldSig := Sign("whsec_old", body)
	newSig := Sign("whsec_new", body)

	// During rotation the provider sends signatures for both keys.
	header := oldSig + " " + newSig
	if !VerifySignature("whsec_new", body, header) {
		t.Error("expected one of the rotated signatures to verify")
	}
}

func TestVerifySignatureIgnoresUnknownVersions(t *testing.T) {
	body := []byte("body")
	header := "v2,AAAA " + Sign("whsec_test", body)
	if !VerifySignature("whsec_test", body, header) {
		t.Error("unknown versions should be skipped, not fatal")
	}
}

func TestVerifySignatureMalformedEntry(t *testing.T) {
	if VerifySignature("whsec_test", []byte("body"), "not-a-signature") {
		t.Error("malformed header must not verify")
	}
}
