package rules

import (
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/GehirnInc/crypt"
	"github.com/GehirnInc/crypt/md5_crypt"
	"github.com/GehirnInc/crypt/sha256_crypt"
	"github.com/GehirnInc/crypt/sha512_crypt"
	"golang.org/x/crypto/bcrypt"

	"github.com/polisai/polis-mta/pkg/config"
	"github.com/polisai/polis-mta/pkg/domain"
)

// Scheme names a password storage format accepted for AUTH, using the
// passlib handler names.
type Scheme string

// Supported schemes. Stored values are recognised by their modular crypt
// prefix: "$2a$", "$2b$" or "$2y$" for bcrypt, "$6$" for sha512_crypt, "$5$"
// for sha256_crypt and "$1$" for md5_crypt. "{PLAIN}" or no prefix at all
// means plaintext.
const (
	SchemeBcrypt      Scheme = "bcrypt"
	SchemeSHA512Crypt Scheme = "sha512_crypt"
	SchemeSHA256Crypt Scheme = "sha256_crypt"
	SchemeMD5Crypt    Scheme = "md5_crypt"
	SchemePlaintext   Scheme = "plaintext"

	// schemeUnknown marks a modular crypt string this build cannot verify.
	schemeUnknown Scheme = ""
)

var defaultSchemes = []Scheme{SchemeBcrypt}

// schemeAliases accepts the short names older configurations used.
var schemeAliases = map[string]Scheme{
	"sha512": SchemeSHA512Crypt,
	"sha256": SchemeSHA256Crypt,
}

var cryptPrefixes = []struct {
	prefix string
	scheme Scheme
}{
	{"$2a$", SchemeBcrypt},
	{"$2b$", SchemeBcrypt},
	{"$2y$", SchemeBcrypt},
	{sha512_crypt.MagicPrefix, SchemeSHA512Crypt},
	{sha256_crypt.MagicPrefix, SchemeSHA256Crypt},
	{md5_crypt.MagicPrefix, SchemeMD5Crypt},
}

func parseSchemes(sec *config.Section) ([]Scheme, error) {
	names, err := sec.Strings("passlib_config")
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return defaultSchemes, nil
	}
	out := make([]Scheme, 0, len(names))
	for i, name := range names {
		key := strings.ToLower(strings.TrimSpace(name))
		s := Scheme(key)
		if alias, ok := schemeAliases[key]; ok {
			s = alias
		}
		switch s {
		case SchemeBcrypt, SchemeSHA512Crypt, SchemeSHA256Crypt, SchemeMD5Crypt, SchemePlaintext:
			out = append(out, s)
		default:
			return nil, domain.ConfigErrorf(sec.Path(), fmt.Sprintf("passlib_config[%d]", i), "unknown password scheme %q", name)
		}
	}
	return out, nil
}

// identify classifies a stored value. A value that looks like a modular
// crypt string ("$id$...") with an unsupported id is never plaintext.
func identify(stored string) (Scheme, string) {
	for _, p := range cryptPrefixes {
		if strings.HasPrefix(stored, p.prefix) {
			return p.scheme, stored
		}
	}
	if strings.HasPrefix(stored, "{PLAIN}") {
		return SchemePlaintext, strings.TrimPrefix(stored, "{PLAIN}")
	}
	if len(stored) > 2 && stored[0] == '$' && strings.IndexByte(stored[1:], '$') > 0 {
		return schemeUnknown, stored
	}
	return SchemePlaintext, stored
}

// verifyPassword checks secret against stored when the stored format is
// one of the allowed schemes.
func verifyPassword(allowed []Scheme, stored, secret string) bool {
	scheme, value := identify(stored)
	if scheme == schemeUnknown {
		return false
	}
	permitted := false
	for _, s := range allowed {
		if s == scheme {
			permitted = true
			break
		}
	}
	if !permitted {
		return false
	}

	var c crypt.Crypter
	switch scheme {
	case SchemeBcrypt:
		return bcrypt.CompareHashAndPassword([]byte(value), []byte(secret)) == nil
	case SchemePlaintext:
		return subtle.ConstantTimeCompare([]byte(value), []byte(secret)) == 1
	case SchemeSHA512Crypt:
		c = sha512_crypt.New()
	case SchemeSHA256Crypt:
		c = sha256_crypt.New()
	case SchemeMD5Crypt:
		c = md5_crypt.New()
	default:
		return false
	}
	return c.Verify(value, []byte(secret)) == nil
}
