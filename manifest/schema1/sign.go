package schema1

import (
	"crypto/x509"
	"encoding/json"

	"github.com/docker/libtrust"
)

// Sign embeds a JWS "pretty signature" block over m's indented JSON form,
// returning the SignedManifest whose Canonical bytes are the unsigned
// payload. The registry itself only verifies and strips these blocks; Sign
// exists for tests and for the sync fixtures that need a signed v2s1
// document to ingest.
//
// Deprecated: Docker Image Manifest v2, Schema 1 is deprecated since 2015.
// Use Docker Image Manifest v2, Schema 2, or the OCI Image Specification.
func Sign(m *Manifest, pk libtrust.PrivateKey) (*SignedManifest, error) {
	return sign(m, func(js *libtrust.JSONSignature) error {
		return js.Sign(pk)
	})
}

// SignWithChain is Sign with an x509 chain attached to the signature. The
// public key of the first certificate in the chain must correspond to key.
//
// Deprecated: Docker Image Manifest v2, Schema 1 is deprecated since 2015.
// Use Docker Image Manifest v2, Schema 2, or the OCI Image Specification.
func SignWithChain(m *Manifest, key libtrust.PrivateKey, chain []*x509.Certificate) (*SignedManifest, error) {
	return sign(m, func(js *libtrust.JSONSignature) error {
		return js.SignWithChain(key, chain)
	})
}

func sign(m *Manifest, signFn func(*libtrust.JSONSignature) error) (*SignedManifest, error) {
	payload, err := json.MarshalIndent(m, "", "   ")
	if err != nil {
		return nil, err
	}

	js, err := libtrust.NewJSONSignature(payload)
	if err != nil {
		return nil, err
	}
	if err := signFn(js); err != nil {
		return nil, err
	}

	pretty, err := js.PrettySignature("signatures")
	if err != nil {
		return nil, err
	}

	return &SignedManifest{
		Manifest:  *m,
		all:       pretty,
		Canonical: payload,
	}, nil
}
