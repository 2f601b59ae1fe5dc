package link

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
)

// verifyUnprefixedPKCS1v15 checks an RSA PKCS#1 v1.5 signature over a raw
// SHA-256 digest with no ASN.1 DigestInfo wrapping — the "unprefixed"
// variant tor-spec uses for the RSA→Ed25519 cross-certificate (and that
// dir-spec uses for directory-signature blocks). It is kept as its own
// callable primitive, separate from rsa.VerifyPKCS1v15's standard use, per
// the module's "replaceable primitives" design rule: passing
// crypto.Hash(0) tells the standard library to skip the DigestInfo prefix
// it would otherwise add for a named hash algorithm.
func verifyUnprefixedPKCS1v15(pub *rsa.PublicKey, message, sig []byte) error {
	digest := sha256.Sum256(message)
	return rsa.VerifyPKCS1v15(pub, crypto.Hash(0), digest[:], sig)
}

// crossCertMessage builds the signed payload for the RSA/Ed25519
// cross-certificate: the fixed prefix string concatenated with the
// certificate's own payload (ed25519 identity key || expiration date).
func crossCertMessage(payload []byte) []byte {
	const prefix = "Tor TLS RSA/Ed25519 cross-certificate"
	msg := make([]byte, 0, len(prefix)+len(payload))
	msg = append(msg, prefix...)
	msg = append(msg, payload...)
	return msg
}
