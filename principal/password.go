package principal

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/jmcleod/hubguard/internal/util"
)

const (
	passwordScheme  = "argon2id"
	passwordSaltLen = 16
	passwordKeyLen  = 32
)

var errMalformedHash = errors.New("malformed password hash")

// dummyHash is compared against when the account does not exist.
var dummyHash = mustHashPassword("hubguard-dummy-password")

// hashParams are the argon2id cost parameters recorded in each verifier.
type hashParams struct {
	time        uint32
	memoryKiB   uint32
	parallelism uint8
}

// defaultHashParams applies to every new verifier. Existing verifiers keep
// the parameters they were encoded with.
var defaultHashParams = hashParams{time: 1, memoryKiB: 64 * 1024, parallelism: 4}

func (p hashParams) derive(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(util.Normalize(password)), salt, p.time, p.memoryKiB, p.parallelism, passwordKeyLen)
}

// HashPassword derives an argon2id verifier with a random salt and encodes
// it as argon2id$time$memory$parallelism$salt$key.
func HashPassword(password string) (string, error) {
	salt, err := util.RandomBytes(passwordSaltLen)
	if err != nil {
		return "", err
	}
	params := defaultHashParams
	key := params.derive(password, salt)
	defer util.WipeBytes(key)
	return strings.Join([]string{
		passwordScheme,
		strconv.FormatUint(uint64(params.time), 10),
		strconv.FormatUint(uint64(params.memoryKiB), 10),
		strconv.FormatUint(uint64(params.parallelism), 10),
		util.HexEncode(salt),
		util.HexEncode(key),
	}, "$"), nil
}

// CheckPassword reports whether password matches the encoded verifier.
func CheckPassword(encoded, password string) (bool, error) {
	params, salt, want, err := parsePasswordHash(encoded)
	if err != nil {
		return false, err
	}
	got := params.derive(password, salt)
	defer util.WipeBytes(got)
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

func parsePasswordHash(encoded string) (hashParams, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != passwordScheme {
		return hashParams{}, nil, nil, errMalformedHash
	}
	t, err1 := strconv.ParseUint(parts[1], 10, 32)
	m, err2 := strconv.ParseUint(parts[2], 10, 32)
	p, err3 := strconv.ParseUint(parts[3], 10, 8)
	if err := errors.Join(err1, err2, err3); err != nil {
		return hashParams{}, nil, nil, fmt.Errorf("%w: %v", errMalformedHash, err)
	}
	if t == 0 || p == 0 {
		return hashParams{}, nil, nil, fmt.Errorf("%w: zero cost parameter", errMalformedHash)
	}
	salt, err := util.HexDecode(parts[4])
	if err != nil {
		return hashParams{}, nil, nil, fmt.Errorf("%w: salt: %v", errMalformedHash, err)
	}
	key, err := util.HexDecode(parts[5])
	if err != nil {
		return hashParams{}, nil, nil, fmt.Errorf("%w: key: %v", errMalformedHash, err)
	}
	if len(key) != passwordKeyLen {
		return hashParams{}, nil, nil, fmt.Errorf("%w: key length %d", errMalformedHash, len(key))
	}
	return hashParams{time: uint32(t), memoryKiB: uint32(m), parallelism: uint8(p)}, salt, key, nil
}

func mustHashPassword(password string) string {
	h, err := HashPassword(password)
	if err != nil {
		panic(err)
	}
	return h
}
