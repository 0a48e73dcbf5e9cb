package store

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/vagusloop/breathkernel/internal/domain"
	"github.com/vagusloop/breathkernel/internal/errs"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
)

// sessionKeyCache holds unwrapped per-session keys in memory only and can
// zeroize them. Store does not hold one, and Store.Close does not call
// zeroize.
type sessionKeyCache struct {
	keys map[[16]byte][]byte
}

func newSessionKeyCache() *sessionKeyCache {
	return &sessionKeyCache{keys: make(map[[16]byte][]byte)}
}

func (c *sessionKeyCache) zeroize() {
	for id, k := range c.keys {
		for i := range k {
			k[i] = 0
		}
		delete(c.keys, id)
	}
}

// wrapSessionKey generates a fresh random session key and wraps it under
// the master key using XChaCha20-Poly1305 with a random 24-byte nonce.
func wrapSessionKey(masterKey [32]byte) (sessionKey []byte, wrapped []byte, nonce [24]byte, err error) {
	sessionKey = make([]byte, chacha20poly1305.KeySize)
	if _, err = rand.Read(sessionKey); err != nil {
		return nil, nil, nonce, errs.Wrap(errs.KindCrypto, "wrap_session_key", "generate session key", err)
	}
	if _, err = rand.Read(nonce[:]); err != nil {
		return nil, nil, nonce, errs.Wrap(errs.KindCrypto, "wrap_session_key", "generate nonce", err)
	}

	aead, err := chacha20poly1305.NewX(masterKey[:])
	if err != nil {
		return nil, nil, nonce, errs.Wrap(errs.KindCrypto, "wrap_session_key", "construct AEAD", err)
	}
	wrapped = aead.Seal(nil, nonce[:], sessionKey, nil)
	return sessionKey, wrapped, nonce, nil
}

// unwrapSessionKey reverses wrapSessionKey.
func unwrapSessionKey(masterKey [32]byte, wrapped []byte, nonce [24]byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(masterKey[:])
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, "unwrap_session_key", "construct AEAD", err)
	}
	key, err := aead.Open(nil, nonce[:], wrapped, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, "unwrap_session_key", "open wrapped key", err)
	}
	return key, nil
}

// buildAAD constructs the Additional Authenticated Data bound into every
// envelope's ciphertext, per spec §4.9: session_id(16) || seq(8 LE) ||
// event_type(2 LE) || ts_us(8 LE) || BLAKE3(meta)(32).
func buildAAD(sessionID [16]byte, seq uint64, kind domain.EventKind, tsUs int64, meta []byte) []byte {
	aad := make([]byte, 0, 16+8+2+8+32)
	aad = append(aad, sessionID[:]...)

	var b8 [8]byte
	binary.LittleEndian.PutUint64(b8[:], seq)
	aad = append(aad, b8[:]...)

	var b2 [2]byte
	binary.LittleEndian.PutUint16(b2[:], uint16(kind))
	aad = append(aad, b2[:]...)

	binary.LittleEndian.PutUint64(b8[:], uint64(tsUs))
	aad = append(aad, b8[:]...)

	metaHash := blake3.Sum256(meta)
	aad = append(aad, metaHash[:]...)
	return aad
}

// encryptEnvelope seals plaintext under sessionKey with a fresh random
// nonce and the AAD computed from the envelope's own fields.
func encryptEnvelope(sessionKey []byte, env domain.Envelope, plaintext []byte) (ciphertext []byte, nonce [24]byte, err error) {
	if _, err = rand.Read(nonce[:]); err != nil {
		return nil, nonce, errs.Wrap(errs.KindCrypto, "encrypt_envelope", "generate nonce", err)
	}
	aead, err := chacha20poly1305.NewX(sessionKey)
	if err != nil {
		return nil, nonce, errs.Wrap(errs.KindCrypto, "encrypt_envelope", "construct AEAD", err)
	}
	aad := buildAAD(env.SessionID, env.Seq, env.Kind, env.TsUs, env.Meta)
	ciphertext = aead.Seal(nil, nonce[:], plaintext, aad)
	return ciphertext, nonce, nil
}

// decryptEnvelope reverses encryptEnvelope, recomputing the AAD from the
// envelope's own recorded fields; an AEAD tag mismatch (including a single
// bit-flip in ciphertext) surfaces as a CryptoError.
func decryptEnvelope(sessionKey []byte, sessionID [16]byte, seq uint64, kind domain.EventKind, tsUs int64, meta []byte, ciphertext []byte, nonce [24]byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(sessionKey)
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, "decrypt_envelope", "construct AEAD", err)
	}
	aad := buildAAD(sessionID, seq, kind, tsUs, meta)
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, "decrypt_envelope", fmt.Sprintf("AEAD open failed for session=%x seq=%d", sessionID, seq), err)
	}
	return plaintext, nil
}
