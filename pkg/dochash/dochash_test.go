package dochash

import "testing"

func TestSHA256HexDeterministic(t *testing.T) {
	a := SHA256Hex([]byte("lease"))
	b := SHA256Hex([]byte("lease"))
	if a != b {
		t.Fatalf("expected deterministic hash")
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
}

func TestVerifyRoundTrip(t *testing.T) {
	content := []byte("<html>signed lease</html>")
	recorded := SHA256Hex(content)
	if !Verify(content, recorded) {
		t.Fatalf("expected stored content to verify against its recorded hash")
	}
	tampered := append([]byte{}, content...)
	tampered[0] = 'X'
	if Verify(tampered, recorded) {
		t.Fatalf("expected tampered content to fail verification")
	}
}
