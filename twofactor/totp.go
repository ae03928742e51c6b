package twofactor

import (
	"encoding/base32"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	secretBytes = 20
	stepSeconds = 30
	// driftSteps is how many steps either side of now are accepted.
	driftSteps = 1
)

var secretEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

var errEmptySecret = errors.New("empty totp secret")

func validateOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    stepSeconds,
		Skew:      driftSteps,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// GenerateSecret returns a fresh unpadded base32 shared secret.
func GenerateSecret() (string, error) {
	buf := memguard.NewBufferRandom(secretBytes)
	defer buf.Destroy()
	return secretEncoding.EncodeToString(buf.Bytes()), nil
}

// CodeAt returns the 6-digit code for secret at the given instant.
func CodeAt(secret string, at time.Time) (string, error) {
	secret, err := checkSecret(secret)
	if err != nil {
		return "", err
	}
	code, err := totp.GenerateCodeCustom(secret, at, validateOpts())
	if err != nil {
		return "", fmt.Errorf("generating totp code: %w", err)
	}
	return code, nil
}

// ValidateCode reports whether code matches secret at now, one step of
// drift in either direction.
func ValidateCode(secret, code string, now time.Time) bool {
	code = normalizeCode(code)
	if !wellFormedCode(code) {
		return false
	}
	secret, err := checkSecret(secret)
	if err != nil {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, now, validateOpts())
	return err == nil && ok
}

func normalizeCode(code string) string {
	return strings.TrimSpace(strings.ReplaceAll(code, " ", ""))
}

func wellFormedCode(code string) bool {
	if len(code) != otp.DigitsSix.Length() {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// checkSecret canonicalises secret and rejects empty or non-base32 input.
// The decoded key is wiped before returning.
func checkSecret(secret string) (string, error) {
	secret = strings.ToUpper(strings.TrimSpace(secret))
	if secret == "" {
		return "", errEmptySecret
	}
	decoded, err := secretEncoding.DecodeString(strings.TrimRight(secret, "="))
	if err != nil {
		return "", fmt.Errorf("decoding totp secret: %w", err)
	}
	if len(decoded) == 0 {
		return "", errEmptySecret
	}
	memguard.WipeBytes(decoded)
	return secret, nil
}

// ProvisioningURI renders the otpauth:// URI authenticator apps import.
func ProvisioningURI(secret, issuer, accountLabel string) string {
	label := url.PathEscape(issuer + ":" + accountLabel)
	values := url.Values{}
	values.Set("secret", secret)
	values.Set("issuer", issuer)
	values.Set("algorithm", otp.AlgorithmSHA1.String())
	values.Set("digits", otp.DigitsSix.String())
	values.Set("period", strconv.Itoa(stepSeconds))
	return "otpauth://totp/" + label + "?" + values.Encode()
}
