package activitypub

import (
	"bytes"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"code.superseriousbusiness.org/httpsig"

	"github.com/fedipress/fedipress/util"
)

// ActorURI builds the canonical URI of a local actor.
func ActorURI(host, username string) string {
	return fmt.Sprintf("https://%s/users/%s", host, username)
}

// KeyId builds the signing key id of an actor.
// Format: "https://example.com/users/alice#main-key"
func KeyId(actorURI string) string {
	return actorURI + "#main-key"
}

// ActorFromKeyId strips the key fragment, leaving the actor URI.
func ActorFromKeyId(keyId string) string {
	return strings.Split(keyId, "#")[0]
}

// SignRequest signs an outgoing request over (request-target), host, date
// and the body digest. The Date header is set here so the signed value and
// the sent value cannot drift.
func SignRequest(req *http.Request, body []byte, privateKey *rsa.PrivateKey, keyId string) error {
	req.Header.Set("Date", util.HTTPDate(time.Now()))
	if req.Header.Get("Host") == "" {
		req.Header.Set("Host", req.URL.Host)
	}

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{"(request-target)", "host", "date", "digest"},
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	return signer.SignRequest(privateKey, keyId, req, body)
}

// VerifyRequest authenticates an incoming request against the given
// public key: Date freshness, body digest, then the signature itself.
// Returns the actor URI derived from the signing key id.
func VerifyRequest(req *http.Request, publicKeyPem string, maxSkew time.Duration) (string, error) {
	if req.Header.Get("Signature") == "" {
		return "", fmt.Errorf("%w: no Signature header", ErrMalformedSignature)
	}

	if err := checkDate(req, maxSkew); err != nil {
		return "", err
	}
	if err := checkDigest(req); err != nil {
		return "", err
	}

	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}

	rsaPubKey, err := ParsePublicKey(publicKeyPem)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}

	if err := verifier.Verify(rsaPubKey, httpsig.RSA_SHA256); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	return ActorFromKeyId(verifier.KeyId()), nil
}

// checkDate rejects requests whose Date header is missing or further than
// maxSkew from now, closing the replay window.
func checkDate(req *http.Request, maxSkew time.Duration) error {
	dateHeader := req.Header.Get("Date")
	if dateHeader == "" {
		return fmt.Errorf("%w: no Date header", ErrMalformedSignature)
	}
	sent, err := http.ParseTime(dateHeader)
	if err != nil {
		return fmt.Errorf("%w: unparseable Date header", ErrMalformedSignature)
	}
	skew := time.Since(sent)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSkew {
		return fmt.Errorf("%w: %s", ErrRequestExpired, dateHeader)
	}
	return nil
}

// checkDigest recomputes the SHA-256 body digest and compares it to the
// Digest header. The signature covers the header, not the body, so a
// valid signature over a mismatching digest is still a forgery.
func checkDigest(req *http.Request) error {
	digestHeader := req.Header.Get("Digest")
	if digestHeader == "" {
		return fmt.Errorf("%w: no Digest header", ErrMalformedSignature)
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}
	req.Body = io.NopCloser(bytes.NewReader(body))

	sum := sha256.Sum256(body)
	computed := "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
	if !strings.EqualFold(digestHeader, computed) {
		return fmt.Errorf("%w: body digest mismatch", ErrSignatureInvalid)
	}
	return nil
}

// ParsePrivateKey converts a PEM string to *rsa.PrivateKey.
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return privateKey, nil
}

// ParsePublicKey converts a PEM string to *rsa.PublicKey. Both PKIX and
// PKCS1 encodings appear in the wild, so both are accepted.
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if pubKey, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaPubKey, ok := pubKey.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("not an RSA public key")
		}
		return rsaPubKey, nil
	}

	rsaPubKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return rsaPubKey, nil
}
