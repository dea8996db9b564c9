package transport

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// chacha20HeaderProtectionMask derives the 5-byte header protection mask per
// RFC 9001 §5.4.4: the sample's first 4 bytes (little-endian) form the
// counter, the remaining 12 form the nonce, and the mask is the first 5
// bytes of the resulting keystream.
func chacha20HeaderProtectionMask(hpKey, sample []byte) ([]byte, error) {
	counter := binary.LittleEndian.Uint32(sample[0:4])
	nonce := sample[4:16]
	c, err := chacha20.NewUnauthenticatedCipher(hpKey, nonce)
	if err != nil {
		return nil, err
	}
	c.SetCounter(counter)
	mask := make([]byte, 5)
	c.XORKeyStream(mask, mask)
	return mask, nil
}

// initialSalt is the version-specific salt used to derive Initial secrets
// from the Destination Connection ID, draft-22 §5.2.
//
// Grounded on aioquic quic/crypto.py's INITIAL_SALT constant.
var initialSalt = []byte{
	0x7f, 0xbc, 0xdb, 0x0e, 0x7c, 0x66, 0xbb, 0xe9,
	0x19, 0x3a, 0x96, 0xcd, 0x21, 0x51, 0x9e, 0xbd,
	0x7a, 0x02, 0x64, 0x4a,
}

// cipherSuite names the AEAD/hash pair negotiated by TLS for 1-RTT keys; it
// is fixed at AES-128-GCM/SHA-256 for the Initial epoch regardless of what
// the handshake later negotiates for 1-RTT.
type cipherSuite struct {
	hash    crypto.Hash
	keyLen  int
	isChaCha bool // selects the header-protection mask function, not just the AEAD
	newAEAD func(key []byte) (cipher.AEAD, error)
}

var (
	cipherSuiteAES128GCMSHA256 = cipherSuite{
		hash:   crypto.SHA256,
		keyLen: 16,
		newAEAD: func(key []byte) (cipher.AEAD, error) {
			block, err := aes.NewCipher(key)
			if err != nil {
				return nil, err
			}
			return cipher.NewGCM(block)
		},
	}
	cipherSuiteAES256GCMSHA384 = cipherSuite{
		hash:   crypto.SHA384,
		keyLen: 32,
		newAEAD: func(key []byte) (cipher.AEAD, error) {
			block, err := aes.NewCipher(key)
			if err != nil {
				return nil, err
			}
			return cipher.NewGCM(block)
		},
	}
	cipherSuiteChaCha20Poly1305SHA256 = cipherSuite{
		hash:   crypto.SHA256,
		keyLen: chacha20poly1305.KeySize,
		isChaCha: true,
		newAEAD: func(key []byte) (cipher.AEAD, error) {
			return chacha20poly1305.New(key)
		},
	}
)

// hkdfExpandLabel implements TLS 1.3's HKDF-Expand-Label (RFC 8446 §7.1)
// using the "tls13 " label prefix, as QUIC's key schedule reuses it
// verbatim (draft-22 §5.1).
//
// Grounded on aioquic quic/crypto.py's hkdf_label/hkdf_expand_label.
func hkdfExpandLabel(hash crypto.Hash, secret []byte, label string, context []byte, length int) []byte {
	fullLabel := "tls13 " + label
	info := make([]byte, 0, 2+1+len(fullLabel)+1+len(context))
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(length))
	info = append(info, lenBuf[:]...)
	info = append(info, uint8(len(fullLabel)))
	info = append(info, fullLabel...)
	info = append(info, uint8(len(context)))
	info = append(info, context...)

	out := make([]byte, length)
	r := hkdf.Expand(hash.New, secret, info)
	if _, err := io.ReadFull(r, out); err != nil {
		panic(err) // hkdf.Expand only fails for length > 255*hashLen
	}
	return out
}

// packetProtectionKeys holds the key material derived from one directional
// secret: the AEAD key, the static IV XORed with the packet number to form
// the nonce, and the header-protection key, per draft-22 §5.4/§5.5.
type packetProtectionKeys struct {
	suite  cipherSuite
	aead   cipher.AEAD
	iv     []byte
	hpKey  []byte
	secret []byte // retained so a later key update (draft-22 §6) can derive the next generation
	phase  bool   // 1-RTT key phase this generation sets on outgoing short headers
}

func deriveKeys(suite cipherSuite, secret []byte) (*packetProtectionKeys, error) {
	keyLen := suite.keyLen
	key := hkdfExpandLabel(suite.hash, secret, "quic key", nil, keyLen)
	iv := hkdfExpandLabel(suite.hash, secret, "quic iv", nil, 12)
	hp := hkdfExpandLabel(suite.hash, secret, "quic hp", nil, keyLen)
	aead, err := suite.newAEAD(key)
	if err != nil {
		return nil, err
	}
	return &packetProtectionKeys{suite: suite, aead: aead, iv: iv, hpKey: hp, secret: secret}, nil
}

// rotatePacketProtectionKeys derives the next generation of packet
// protection keys from k's retained traffic secret via the "quic ku" label,
// flipping the key-phase bit (draft-22 §6).
func rotatePacketProtectionKeys(k *packetProtectionKeys) (*packetProtectionKeys, error) {
	nextSecret := updateTrafficSecret(k.suite.hash, k.secret)
	next, err := deriveKeys(k.suite, nextSecret)
	if err != nil {
		return nil, err
	}
	next.phase = !k.phase
	return next, nil
}

// nonce computes the per-packet AEAD nonce: the IV XORed with the packet
// number in the low-order bytes (draft-22 §5.3).
func (k *packetProtectionKeys) nonce(packetNumber uint64) []byte {
	n := make([]byte, len(k.iv))
	copy(n, k.iv)
	var pn [8]byte
	binary.BigEndian.PutUint64(pn[:], packetNumber)
	for i := 0; i < 8; i++ {
		n[len(n)-8+i] ^= pn[i]
	}
	return n
}

// seal encrypts payload in place (returning the ciphertext+tag) using
// associated data ad (the packet header bytes).
func (k *packetProtectionKeys) seal(packetNumber uint64, ad, payload []byte) []byte {
	return k.aead.Seal(payload[:0], k.nonce(packetNumber), payload, ad)
}

func (k *packetProtectionKeys) open(packetNumber uint64, ad, ciphertext []byte) ([]byte, error) {
	pt, err := k.aead.Open(ciphertext[:0], k.nonce(packetNumber), ciphertext, ad)
	if err != nil {
		return nil, newError(CryptoError, "aead open failed")
	}
	return pt, nil
}

// headerProtectionMask computes the mask applied to the first byte's low
// bits and the truncated packet number from sample, the ciphertext sample
// the caller has already extracted (draft-22 §5.4.3/§5.4.4).
func (k *packetProtectionKeys) headerProtectionMask(sample []byte) ([]byte, error) {
	switch {
	case k.suite.isChaCha:
		return chacha20HeaderProtectionMask(k.hpKey, sample)
	default:
		block, err := aes.NewCipher(k.hpKey)
		if err != nil {
			return nil, err
		}
		mask := make([]byte, block.BlockSize())
		block.Encrypt(mask, sample)
		return mask, nil
	}
}

// cryptoPair bundles the send/receive protection keys for one epoch.
// connections keep one per Epoch, recreating them whenever TLS
// hands over fresh secrets (spec.md §4.9).
type cryptoPair struct {
	send *packetProtectionKeys
	recv *packetProtectionKeys
}

// deriveInitialSecrets computes the client/server Initial secrets from the
// Destination Connection ID of the first Initial packet (draft-22 §5.2).
//
// Grounded on aioquic quic/crypto.py's derive_keying_material, translated
// from a single combined helper into explicit client/server cryptoPair
// construction.
func deriveInitialSecrets(dcid []byte, isClient bool) (*cryptoPair, error) {
	initialSecret := hkdf.Extract(sha256.New, dcid, initialSalt)
	clientSecret := hkdfExpandLabel(crypto.SHA256, initialSecret, "client in", nil, 32)
	serverSecret := hkdfExpandLabel(crypto.SHA256, initialSecret, "server in", nil, 32)

	clientKeys, err := deriveKeys(cipherSuiteAES128GCMSHA256, clientSecret)
	if err != nil {
		return nil, err
	}
	serverKeys, err := deriveKeys(cipherSuiteAES128GCMSHA256, serverSecret)
	if err != nil {
		return nil, err
	}
	if isClient {
		return &cryptoPair{send: clientKeys, recv: serverKeys}, nil
	}
	return &cryptoPair{send: serverKeys, recv: clientKeys}, nil
}

// retryIntegrityKey and retryIntegrityNonce are the fixed AES-128-GCM key
// and nonce RFC 9001 §5.8 defines for the Retry Integrity Tag, used as-is
// (not derived per-connection) so any endpoint can verify any other's Retry.
var (
	retryIntegrityKey   = []byte{0xbe, 0x0c, 0x69, 0x0b, 0x9f, 0x66, 0x57, 0x5a, 0x1d, 0x76, 0x6b, 0x54, 0xe3, 0x68, 0xc8, 0x4e}
	retryIntegrityNonce = []byte{0x46, 0x15, 0x99, 0xd3, 0x5d, 0x63, 0x2b, 0xf2, 0x23, 0x98, 0x25, 0xbb}
)

// computeRetryIntegrityTag authenticates a Retry packet against the
// Destination CID of the Initial packet that triggered it, so a client can
// detect a spoofed Retry (draft-22 §5.8).
//
// Grounded on aioquic quic/crypto.py's encrypt_retry_integrity_tag.
func computeRetryIntegrityTag(origDCID, retryPacketBody []byte) ([]byte, error) {
	block, err := aes.NewCipher(retryIntegrityKey)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	pseudo := make([]byte, 0, 1+len(origDCID)+len(retryPacketBody))
	pseudo = append(pseudo, byte(len(origDCID)))
	pseudo = append(pseudo, origDCID...)
	pseudo = append(pseudo, retryPacketBody...)
	return aead.Seal(nil, retryIntegrityNonce, nil, pseudo), nil
}

// updateTrafficSecret derives the next-generation 1-RTT traffic secret from
// the current secret using the "quic ku" label (draft-22 §6), from which
// the next generation of 1-RTT keys is derived on a key update.
func updateTrafficSecret(hash crypto.Hash, secret []byte) []byte {
	return hkdfExpandLabel(hash, secret, "quic ku", nil, len(secret))
}
