package wireguard

import "testing"

func TestGenerateKeyPair_FreshAndConsistent(t *testing.T) {
	a, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	b, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	if a.Private == b.Private || a.Public == b.Public {
		t.Fatalf("two calls returned the same key material")
	}
	pub, err := PublicKeyOf(a.Private)
	if err != nil {
		t.Fatalf("PublicKeyOf: %v", err)
	}
	if pub != a.Public {
		t.Fatalf("derived %s, generated %s", pub, a.Public)
	}
	if !ValidKey(a.Public) || ValidKey("not-a-key") {
		t.Fatalf("ValidKey misclassified")
	}
}
