// Package zipsig parses the signed outer ZIP envelope and verifies the
// detached RSA/SHA-256 signature over the inner archive.
package zipsig

import (
	"archive/zip"
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Algorithm selects the signature verification strategy.
type Algorithm string

const (
	// SHA256WithRSA verifies a detached PKCS#1v15 signature over the inner
	// archive bytes using the configured public key.
	SHA256WithRSA Algorithm = "sha256withrsa"
	// None bypasses verification entirely. Test profiles only.
	None Algorithm = "none"
)

const (
	innerEntryName     = "envelope.zip"
	signatureEntryName = "signature"
)

// DocSignatureFailure is a terminal failure: wrong entry names/count,
// verification false, or a key decode error.
type DocSignatureFailure struct {
	Container string
	FileName  string
	Reason    string
}

func (e *DocSignatureFailure) Error() string {
	return fmt.Sprintf("signature failure for %s/%s: %s", e.Container, e.FileName, e.Reason)
}

// Verifier checks the outer ZIP signature and yields the inner archive.
type Verifier struct {
	algorithm Algorithm
	publicKey *rsa.PublicKey
}

// NewVerifier builds a Verifier for algo. publicKeyB64 is the base64-encoded
// X.509 SubjectPublicKeyInfo; it is ignored when algo is None.
func NewVerifier(algo Algorithm, publicKeyB64 string) (*Verifier, error) {
	switch algo {
	case SHA256WithRSA:
		key, err := parsePublicKey(publicKeyB64)
		if err != nil {
			return nil, fmt.Errorf("parsing signature public key: %w", err)
		}
		return &Verifier{algorithm: algo, publicKey: key}, nil
	case None:
		return &Verifier{algorithm: algo}, nil
	default:
		return nil, fmt.Errorf("unrecognized signature algorithm selector %q", algo)
	}
}

func parsePublicKey(publicKeyB64 string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(strings.TrimSpace(publicKeyB64))
	if err != nil {
		return nil, fmt.Errorf("base64 decoding public key: %w", err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parsing SubjectPublicKeyInfo: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return rsaPub, nil
}

// Verify parses the outer archive read from r (outer ZIP requires a
// ReaderAt, so the full archive is buffered), checks its two entries, and
// on success returns a reader over the inner archive bytes.
func (v *Verifier) Verify(container, fileName string, r io.Reader) (io.Reader, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading outer archive: %w", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return nil, &DocSignatureFailure{Container: container, FileName: fileName, Reason: "not a valid zip archive"}
	}

	if len(zr.File) != 2 {
		return nil, &DocSignatureFailure{Container: container, FileName: fileName, Reason: fmt.Sprintf("expected 2 entries, got %d", len(zr.File))}
	}

	var innerFile, sigFile *zip.File
	for _, f := range zr.File {
		switch {
		case strings.EqualFold(f.Name, innerEntryName):
			innerFile = f
		case strings.EqualFold(f.Name, signatureEntryName):
			sigFile = f
		}
	}
	if innerFile == nil || sigFile == nil {
		return nil, &DocSignatureFailure{Container: container, FileName: fileName, Reason: "missing envelope.zip or signature entry"}
	}

	innerBytes, err := readZipEntry(innerFile)
	if err != nil {
		return nil, &DocSignatureFailure{Container: container, FileName: fileName, Reason: fmt.Sprintf("reading inner archive: %s", err)}
	}

	if v.algorithm == None {
		return bytes.NewReader(innerBytes), nil
	}

	sigBytes, err := readZipEntry(sigFile)
	if err != nil {
		return nil, &DocSignatureFailure{Container: container, FileName: fileName, Reason: fmt.Sprintf("reading signature: %s", err)}
	}

	digest := sha256.Sum256(innerBytes)
	if err := rsa.VerifyPKCS1v15(v.publicKey, crypto.SHA256, digest[:], sigBytes); err != nil {
		return nil, &DocSignatureFailure{Container: container, FileName: fileName, Reason: "signature verification failed"}
	}

	return bytes.NewReader(innerBytes), nil
}

func readZipEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
