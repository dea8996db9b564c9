package transport

import (
	"bytes"
	"testing"
)

// TestDeriveInitialSecretsClientServerSymmetry checks that the client and
// server ends of deriveInitialSecrets cross-wire their send/recv keys, the
// invariant the handshake relies on to talk to itself in tests below.
func TestDeriveInitialSecretsClientServerSymmetry(t *testing.T) {
	dcid := []byte{0x83, 0x94, 0xc8, 0xf0, 0x3e, 0x51, 0x57, 0x08}

	client, err := deriveInitialSecrets(dcid, true)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	server, err := deriveInitialSecrets(dcid, false)
	if err != nil {
		t.Fatalf("server: %v", err)
	}

	plaintext := []byte("initial crypto frame payload")
	ad := []byte{0x01, 0x02, 0x03}
	sealed := client.send.seal(0, ad, append([]byte(nil), plaintext...))
	opened, err := server.recv.open(0, ad, sealed)
	if err != nil {
		t.Fatalf("server failed to open client's initial packet: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("roundtrip mismatch: got %q want %q", opened, plaintext)
	}

	back := server.send.seal(1, ad, []byte("server response"))
	openedBack, err := client.recv.open(1, ad, back)
	if err != nil {
		t.Fatalf("client failed to open server's initial packet: %v", err)
	}
	if string(openedBack) != "server response" {
		t.Fatalf("got %q", openedBack)
	}
}

// TestDeriveInitialSecretsDeterministic confirms the same DCID always
// derives the same keys, since draft-22 requires both ends to reach
// identical Initial keys without any out-of-band exchange.
func TestDeriveInitialSecretsDeterministic(t *testing.T) {
	dcid := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	a, err := deriveInitialSecrets(dcid, true)
	if err != nil {
		t.Fatal(err)
	}
	b, err := deriveInitialSecrets(dcid, true)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a.send.iv, b.send.iv) || !bytes.Equal(a.send.hpKey, b.send.hpKey) {
		t.Fatal("expected deterministic derivation for identical DCID")
	}

	other, err := deriveInitialSecrets([]byte{9, 9, 9, 9}, true)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a.send.iv, other.send.iv) {
		t.Fatal("different DCIDs must not derive the same IV")
	}
}

// TestSealOpenTamperDetection checks that flipping a ciphertext byte is
// rejected, the AEAD integrity property the transport depends on to treat
// packet_protection failures as drops rather than crashes (spec.md §4.9).
func TestSealOpenTamperDetection(t *testing.T) {
	ad := []byte{0xaa}
	keys, err := deriveKeys(cipherSuiteAES128GCMSHA256, []byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatal(err)
	}
	sealed := keys.seal(5, ad, []byte("hello"))
	if _, err := keys.open(5, ad, sealed); err != nil {
		t.Fatalf("unmodified ciphertext should open: %v", err)
	}
	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0x01
	if _, err := keys.open(5, ad, tampered); err == nil {
		t.Fatal("expected AEAD open to fail on tampered ciphertext")
	}
}

// TestHeaderProtectionMaskDiffersBySuite confirms AES and ChaCha20 header
// protection take genuinely different code paths rather than colliding on
// their shared 32-byte key length (cipherSuiteAES256GCMSHA384 and
// cipherSuiteChaCha20Poly1305SHA256 both use keyLen 32).
func TestHeaderProtectionMaskDiffersBySuite(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	sample := bytes.Repeat([]byte{0x17}, 16)

	aesKeys := &packetProtectionKeys{suite: cipherSuiteAES256GCMSHA384, hpKey: key}
	chachaKeys := &packetProtectionKeys{suite: cipherSuiteChaCha20Poly1305SHA256, hpKey: key}

	aesMask, err := aesKeys.headerProtectionMask(sample)
	if err != nil {
		t.Fatalf("aes mask: %v", err)
	}
	chachaMask, err := chachaKeys.headerProtectionMask(sample)
	if err != nil {
		t.Fatalf("chacha mask: %v", err)
	}
	if bytes.Equal(aesMask, chachaMask) {
		t.Fatal("AES-256 and ChaCha20 header protection must not coincidentally match on same key length/material")
	}
}

// TestNonceVariesByPacketNumber verifies the AEAD nonce is the static IV
// XORed with the packet number rather than a fixed value, since reusing a
// nonce across packets would break AEAD confidentiality.
func TestNonceVariesByPacketNumber(t *testing.T) {
	keys := &packetProtectionKeys{iv: bytes.Repeat([]byte{0}, 12)}
	n0 := keys.nonce(0)
	n1 := keys.nonce(1)
	if bytes.Equal(n0, n1) {
		t.Fatal("nonce must differ between packet numbers")
	}
}
