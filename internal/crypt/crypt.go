// Package crypt implements the cryptographic primitives Helium relies on:
// SHA-256 and RIPEMD-160 hashing, ECDSA signatures over NIST P-256, base58
// addresses, and random transaction identifiers. Every function here is
// pure and holds no state.
package crypt

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"regexp"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/ripemd160"
)

var hexRE = regexp.MustCompile(`^[0-9a-fA-F]+$`)

// SHA256Hex returns the lowercase hex-encoded SHA-256 digest of s.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// ValidateSHA256Hex reports whether digest looks like a SHA-256 message
// digest: exactly 64 hexadecimal characters.
func ValidateSHA256Hex(digest string) bool {
	return len(digest) == 64 && hexRE.MatchString(digest)
}

// RIPEMD160Hex returns the lowercase hex-encoded RIPEMD-160 digest of s.
func RIPEMD160Hex(s string) string {
	h := ripemd160.New()
	h.Write([]byte(s))
	return hex.EncodeToString(h.Sum(nil))
}

// ValidateRIPEMD160Hex reports whether digest looks like a RIPEMD-160
// message digest: exactly 40 hexadecimal characters.
func ValidateRIPEMD160Hex(digest string) bool {
	return len(digest) == 40 && hexRE.MatchString(digest)
}

// KeyPair is a PEM-encoded ECDSA private/public key pair on curve P-256.
type KeyPair struct {
	PrivateKey string
	PublicKey  string
}

// MakeKeys generates a new ECDSA key pair on curve P-256, PEM-encoded.
func MakeKeys() (*KeyPair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes})

	pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})

	return &KeyPair{
		PrivateKey: string(privPEM),
		PublicKey:  string(pubPEM),
	}, nil
}

// Sign computes a deterministic-format hex-encoded ECDSA signature over the
// SHA-256 digest of msg, using the PEM-encoded private key priv.
func Sign(priv string, msg string) (string, error) {
	key, err := parsePrivateKey(priv)
	if err != nil {
		return "", err
	}

	digest := sha256.Sum256([]byte(msg))

	r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}

	sig := append(leftPad32(r.Bytes()), leftPad32(s.Bytes())...)
	return hex.EncodeToString(sig), nil
}

// Verify reports whether sigHex is a valid ECDSA signature over the SHA-256
// digest of msg, under the PEM-encoded public key pub.
func Verify(pub string, msg string, sigHex string) bool {
	key, err := parsePublicKey(pub)
	if err != nil {
		return false
	}

	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != 64 {
		return false
	}

	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])

	digest := sha256.Sum256([]byte(msg))
	return ecdsa.Verify(key, digest[:], r, s)
}

func leftPad32(b []byte) []byte {
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}

func parsePrivateKey(pemStr string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("invalid PEM private key")
	}
	return x509.ParseECPrivateKey(block.Bytes)
}

func parsePublicKey(pemStr string) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("invalid PEM public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	key, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an ECDSA public key")
	}
	return key, nil
}

// addressChecksumLen is the length, in hex characters, of the checksum
// suffix appended to every address.
const addressChecksumLen = 4

// MakeAddress derives a Helium address from a PEM-encoded public key. prefix
// must be the single character "1".
func MakeAddress(prefix string, publicKey string) (string, error) {
	if prefix != "1" {
		return "", fmt.Errorf("invalid address prefix %q", prefix)
	}

	pkHash := RIPEMD160Hex(SHA256Hex(publicKey))
	body := prefix + pkHash

	checksum := SHA256Hex(body)
	checksum = checksum[len(checksum)-addressChecksumLen:]

	return base58.Encode([]byte(body + checksum)), nil
}

// ValidateAddress reports whether address is a well-formed Helium address:
// its base58 decoding is 45 bytes long, starts with "1", and its checksum
// matches.
func ValidateAddress(address string) bool {
	decoded, err := base58.Decode(address)
	if err != nil {
		return false
	}
	addr := string(decoded)

	if len(addr) != 45 {
		return false
	}
	if addr[0] != '1' {
		return false
	}

	extracted := addr[len(addr)-addressChecksumLen:]
	body := addr[:len(addr)-addressChecksumLen]
	expected := SHA256Hex(body)
	expected = expected[len(expected)-addressChecksumLen:]

	return extracted == expected
}

// MakeUUID returns a 64-hex-character identifier drawn from a
// cryptographically strong random source, suitable for use as a
// transaction id.
func MakeUUID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
