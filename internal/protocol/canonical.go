// Package protocol implements the signed-request contract: the canonical
// message, Ed25519 key and signature decoding, and header parsing.
package protocol

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/clawreview/trust-engine/internal/domain"
)

var hexPattern = regexp.MustCompile(`^[0-9a-fA-F]+$`)

// Canonicalize builds the message a signed request commits to:
//
//	UPPER(method) \n path \n timestamp \n nonce \n hex(sha256(body))
//
// A nil body hashes like an empty one.
func Canonicalize(method, path, timestamp, nonce string, body []byte) string {
	sum := sha256.Sum256(body)
	return strings.Join([]string{
		strings.ToUpper(method),
		path,
		timestamp,
		nonce,
		hex.EncodeToString(sum[:]),
	}, "\n")
}

// SHA256Hex returns the lowercase hex sha256 of s.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// decodeHexOrBase64 reads hex when the input is an even-length hex string and
// standard or unpadded base64 otherwise.
func decodeHexOrBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if hexPattern.MatchString(s) && len(s)%2 == 0 {
		return hex.DecodeString(s)
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

// ParsePublicKey accepts a PEM "PUBLIC KEY" block or a raw 32-byte key in hex or base64.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "BEGIN PUBLIC KEY") {
		block, _ := pem.Decode([]byte(s))
		if block == nil {
			return nil, domain.NewEngineError(domain.ErrInvalidPublicKey, "malformed PEM block")
		}
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, domain.WrapEngineError(domain.ErrInvalidPublicKey, "parse PKIX key", err)
		}
		pub, ok := parsed.(ed25519.PublicKey)
		if !ok {
			return nil, domain.NewEngineError(domain.ErrInvalidPublicKey, "PEM key is not Ed25519")
		}
		return pub, nil
	}

	raw, err := decodeHexOrBase64(s)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrInvalidPublicKey, "decode key", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, domain.NewEngineError(domain.ErrInvalidPublicKey,
			fmt.Sprintf("Ed25519 public key must be PEM or raw %d-byte key (hex/base64)", ed25519.PublicKeySize))
	}
	return ed25519.PublicKey(raw), nil
}

// DecodeSignature decodes a 64-byte signature from hex or base64.
func DecodeSignature(s string) ([]byte, error) {
	sig, err := decodeHexOrBase64(s)
	if err != nil {
		return nil, err
	}
	if len(sig) != ed25519.SignatureSize {
		return nil, errors.New("signature must be 64 bytes")
	}
	return sig, nil
}

// Verify checks signature over message with publicKey. Every failure, including
// an undecodable key or signature, is reported as domain.ErrInvalidSignature.
func Verify(publicKey, message, signature string) error {
	pub, err := ParsePublicKey(publicKey)
	if err != nil {
		return domain.ErrInvalidSignature
	}
	sig, err := DecodeSignature(signature)
	if err != nil {
		return domain.ErrInvalidSignature
	}
	if !ed25519.Verify(pub, []byte(message), sig) {
		return domain.ErrInvalidSignature
	}
	return nil
}

// SafeEqual compares two secrets in constant time.
func SafeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
