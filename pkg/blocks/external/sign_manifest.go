package external

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"os"
	"strings"

	"github.com/keiri-labs/keiri-engine/pkg/block"
	"github.com/keiri-labs/keiri-engine/pkg/blockerr"
	"github.com/keiri-labs/keiri-engine/pkg/canonical"
)

// SignManifestBlock signs an evidence manifest with a private key read
// from the environment variable named by key_ref. The signature covers
// the RFC 8785 canonical form of the manifest, so key order and
// whitespace in the caller's copy never change the bytes being signed.
type SignManifestBlock struct{}

func (SignManifestBlock) ID() string      { return "security.sign_manifest" }
func (SignManifestBlock) Version() string { return "1.0.0" }

func (SignManifestBlock) Run(_ *block.Context, inputs map[string]any) (map[string]any, error) {
	manifest, err := block.MapOr(inputs, "manifest")
	if err != nil {
		return nil, err
	}
	if manifest == nil {
		manifest = map[string]any{}
	}
	keyRef, err := block.StringOr(inputs, "key_ref", "SIGNING_KEY")
	if err != nil {
		return nil, err
	}
	keyRef = strings.TrimSpace(keyRef)
	if keyRef == "" {
		keyRef = "SIGNING_KEY"
	}
	algo, err := block.StringOr(inputs, "algo", "ed25519")
	if err != nil {
		return nil, err
	}
	algo = strings.ToLower(algo)

	pemData := os.Getenv(keyRef)
	if strings.TrimSpace(pemData) == "" {
		return nil, blockerr.Newf(blockerr.CodeConfigMissing, "private key not found for %s", keyRef).
			WithDetail("key_ref", keyRef)
	}

	payload, err := canonical.Marshal(manifest)
	if err != nil {
		return nil, blockerr.Newf(blockerr.CodeInputValidationFailed, "manifest cannot be canonicalized: %v", err).
			WithDetail("field", "manifest")
	}

	var sig []byte
	switch algo {
	case "ed25519":
		sig, err = signEd25519([]byte(pemData), payload)
	case "rsa":
		sig, err = signRSA([]byte(pemData), payload)
	default:
		return nil, blockerr.Newf(blockerr.CodeConfigInvalid, "unsupported algo: %s", algo).
			WithDetail("algo", algo)
	}
	if err != nil {
		return nil, err
	}

	encoded := base64.StdEncoding.EncodeToString(sig)
	signed := make(map[string]any, len(manifest)+1)
	for k, v := range manifest {
		signed[k] = v
	}
	signed["_signature"] = map[string]any{
		"algo":    algo,
		"key_ref": keyRef,
		"sig":     encoded,
	}
	return map[string]any{
		"signature":       encoded,
		"signed_manifest": signed,
	}, nil
}

func signEd25519(pemData, payload []byte) ([]byte, error) {
	key, err := parsePrivateKey(pemData)
	if err != nil {
		return nil, err
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, blockerr.Newf(blockerr.CodeBlockExecutionFailed, "key is %T, want an Ed25519 private key", key)
	}
	return ed25519.Sign(priv, payload), nil
}

func signRSA(pemData, payload []byte) ([]byte, error) {
	key, err := parsePrivateKey(pemData)
	if err != nil {
		return nil, err
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, blockerr.Newf(blockerr.CodeBlockExecutionFailed, "key is %T, want an RSA private key", key)
	}
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	if err != nil {
		return nil, blockerr.Newf(blockerr.CodeBlockExecutionFailed, "rsa signing failed: %v", err)
	}
	return sig, nil
}

func parsePrivateKey(pemData []byte) (any, error) {
	p, _ := pem.Decode(pemData)
	if p == nil {
		return nil, blockerr.New(blockerr.CodeBlockExecutionFailed, "private key is not valid PEM")
	}
	if key, err := x509.ParsePKCS8PrivateKey(p.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(p.Bytes); err == nil {
		return key, nil
	}
	return nil, blockerr.New(blockerr.CodeBlockExecutionFailed, "unsupported private key encoding")
}
