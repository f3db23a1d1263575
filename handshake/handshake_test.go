package handshake

import "testing"

func TestAcceptHashRFC6455Example(t *testing.T) {
	t.Parallel()

	// RFC 6455 section 1.3 worked example.
	got := acceptHash("dGhlIHNhbXBsZSBub25jZQ==")
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got != want {
		t.Fatalf("acceptHash = %q, want %q", got, want)
	}
}

func TestValidSecWebSocketKey(t *testing.T) {
	t.Parallel()

	if !validSecWebSocketKey("dGhlIHNhbXBsZSBub25jZQ==") {
		t.Error("expected the RFC 6455 example key to be valid")
	}
	if validSecWebSocketKey("not-base64-!!!") {
		t.Error("expected a non-base64 key to be invalid")
	}
	if validSecWebSocketKey("YWJj") { // decodes to 3 bytes, not 16
		t.Error("expected a key that decodes to the wrong length to be invalid")
	}
}
