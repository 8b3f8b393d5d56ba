package policy

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/emersion/go-msgauth/dkim"

	"github.com/polisai/polis-mta/pkg/config"
	"github.com/polisai/polis-mta/pkg/domain"
)

// DKIM signs the message and prepends the DKIM-Signature header.
type DKIM struct {
	options dkim.SignOptions
}

// NewDKIM reads domain, selector, and private_key from sec. private_key is a
// PEM block or the path of a PEM file holding an RSA (PKCS#1 or PKCS#8) or
// Ed25519 key. header_keys optionally restricts the signed header fields.
func NewDKIM(sec *config.Section) (*DKIM, error) {
	if sec == nil {
		return nil, domain.ConfigErrorf("", "dkim", "add_dkim_header requires a dkim section")
	}
	dom, err := sec.RequireString("domain")
	if err != nil {
		return nil, err
	}
	selector, err := sec.RequireString("selector")
	if err != nil {
		return nil, err
	}
	keySrc, err := sec.RequireString("private_key")
	if err != nil {
		return nil, err
	}
	signer, err := loadSigner(keySrc)
	if err != nil {
		return nil, &domain.ConfigurationError{Section: sec.Path(), Field: "private_key", Err: err}
	}
	headerKeys, err := sec.Strings("header_keys")
	if err != nil {
		return nil, err
	}
	return &DKIM{options: dkim.SignOptions{
		Domain:     dom,
		Selector:   selector,
		Signer:     signer,
		HeaderKeys: headerKeys,
	}}, nil
}

func loadSigner(src string) (crypto.Signer, error) {
	data := []byte(src)
	if !strings.HasPrefix(strings.TrimSpace(src), "-----BEGIN") {
		var err error
		//nolint:gosec // key path is operator supplied
		if data, err = os.ReadFile(src); err != nil {
			return nil, err
		}
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported key type %T", key)
	}
	return signer, nil
}

// Apply implements domain.Policy.
func (p *DKIM) Apply(_ context.Context, env *domain.Envelope) ([]*domain.Envelope, error) {
	opts := p.options
	var signed bytes.Buffer
	if err := dkim.Sign(&signed, bytes.NewReader(env.Message), &opts); err != nil {
		return nil, fmt.Errorf("dkim sign: %w", err)
	}
	env.Message = signed.Bytes()
	return nil, nil
}
