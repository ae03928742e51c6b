package twofactor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/jmcleod/hubguard/internal/util"
)

const (
	// DefaultBackupCodeCount is the number of codes issued per batch.
	DefaultBackupCodeCount = 10
	// backupCodeBytes renders as 8 uppercase hex characters.
	backupCodeBytes = 4
)

// GenerateBackupCodes returns count plaintext codes for display and their
// hashes for storage, index-aligned.
func GenerateBackupCodes(principalID string, count int) ([]string, []string, error) {
	plaintext := make([]string, 0, count)
	hashes := make([]string, 0, count)
	seen := make(map[string]struct{}, count)
	for len(plaintext) < count {
		code, err := util.RandomHexUpper(backupCodeBytes)
		if err != nil {
			return nil, nil, fmt.Errorf("generating backup code: %w", err)
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		plaintext = append(plaintext, code)
		hashes = append(hashes, BackupCodeHash(principalID, code))
	}
	return plaintext, hashes, nil
}

// BackupCodeHash is the stored form of a backup code. The principal ID is
// mixed in so equal codes of different principals never share a hash.
// Returns "" when code normalizes to nothing.
func BackupCodeHash(principalID, code string) string {
	normalized := util.NormalizeCode(code)
	if normalized == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(principalID + ":" + normalized))
	return hex.EncodeToString(sum[:])
}
