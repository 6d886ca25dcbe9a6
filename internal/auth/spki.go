package auth

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"math/big"

	"github.com/go-webauthn/webauthn/protocol/webauthncose"
)

// COSE elliptic curve identifiers (RFC 9053).
const (
	coseCurveP256 = 1
	coseCurveP384 = 2
	coseCurveP521 = 3
)

// spkiFromCOSE converts the authenticator's raw COSE public key into the
// portable SubjectPublicKeyInfo (DER) form stored alongside it.
func spkiFromCOSE(coseKey []byte) ([]byte, error) {
	parsed, err := webauthncose.ParsePublicKey(coseKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse COSE key: %w", err)
	}

	switch key := parsed.(type) {
	case webauthncose.EC2PublicKeyData:
		curve, err := coseCurve(key.Curve)
		if err != nil {
			return nil, err
		}
		pub := &ecdsa.PublicKey{
			Curve: curve,
			X:     new(big.Int).SetBytes(key.XCoord),
			Y:     new(big.Int).SetBytes(key.YCoord),
		}
		return x509.MarshalPKIXPublicKey(pub)

	case webauthncose.OKPPublicKeyData:
		return x509.MarshalPKIXPublicKey(ed25519.PublicKey(key.XCoord))

	case webauthncose.RSAPublicKeyData:
		pub := &rsa.PublicKey{
			N: new(big.Int).SetBytes(key.Modulus),
			E: int(new(big.Int).SetBytes(key.Exponent).Int64()),
		}
		return x509.MarshalPKIXPublicKey(pub)

	default:
		return nil, fmt.Errorf("unsupported COSE key type %T", parsed)
	}
}

func coseCurve(id int64) (elliptic.Curve, error) {
	switch id {
	case coseCurveP256:
		return elliptic.P256(), nil
	case coseCurveP384:
		return elliptic.P384(), nil
	case coseCurveP521:
		return elliptic.P521(), nil
	default:
		return nil, fmt.Errorf("unsupported COSE curve %d", id)
	}
}
