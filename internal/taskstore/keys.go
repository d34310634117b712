package taskstore

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Key prefixes for task store data structures
const (
	prefixTask    = "task/"  // Unit records
	prefixPending = "pend/"  // Pending index
	prefixLockT   = "lockt/" // Lock-time index
	prefixOwner   = "owner/" // Owner index
	prefixSub     = "sub/"   // Submission records
	prefixSubUser = "subu/"  // Per-user submission index
)

// unitSuffix renders the key tail shared by all unit-addressed keys.
// Pages are zero-padded so lexical order matches numeric order.
func unitSuffix(k UnitKey) string {
	return fmt.Sprintf("%s/%s/%06d", k.Project, k.Machine, k.Page)
}

// TaskKey returns the unit record key.
// Format: task/{project}/{machine}/{page}
func TaskKey(k UnitKey) []byte {
	return []byte(prefixTask + unitSuffix(k))
}

// PendingKey returns the pending index key for a unit.
// Format: pend/{project}/{machine}/{page}
func PendingKey(k UnitKey) []byte {
	return []byte(prefixPending + unitSuffix(k))
}

// PendingPrefix returns the scan prefix for pending units, optionally
// scoped to a project.
func PendingPrefix(project string) []byte {
	if project == "" {
		return []byte(prefixPending)
	}
	return []byte(prefixPending + project + "/")
}

// LockTimeKey returns the lock-time index key.
// Format: lockt/{locked_at_ms 8B BE}/{project}/{machine}/{page}
func LockTimeKey(lockedAtMs int64, k UnitKey) []byte {
	suffix := unitSuffix(k)
	key := make([]byte, len(prefixLockT)+8+1+len(suffix))
	copy(key, prefixLockT)
	binary.BigEndian.PutUint64(key[len(prefixLockT):], uint64(lockedAtMs))
	key[len(prefixLockT)+8] = '/'
	copy(key[len(prefixLockT)+9:], suffix)
	return key
}

// LockTimePrefix returns the scan prefix for the lock-time index.
func LockTimePrefix() []byte { return []byte(prefixLockT) }

// OwnerKey returns the owner index key.
// Format: owner/{owner}/{project}/{machine}/{page}
func OwnerKey(owner string, k UnitKey) []byte {
	return []byte(prefixOwner + owner + "/" + unitSuffix(k))
}

// OwnerPrefix returns the scan prefix for one owner's locked units.
func OwnerPrefix(owner string) []byte {
	return []byte(prefixOwner + owner + "/")
}

// TaskPrefix returns the scan prefix for all unit records.
func TaskPrefix() []byte { return []byte(prefixTask) }

// SubmissionKey returns the submission record key.
// Format: sub/{id 16B}
func SubmissionKey(rawID []byte) []byte {
	key := make([]byte, len(prefixSub)+len(rawID))
	copy(key, prefixSub)
	copy(key[len(prefixSub):], rawID)
	return key
}

// SubmissionPrefix returns the scan prefix for all submissions.
func SubmissionPrefix() []byte { return []byte(prefixSub) }

// SubmissionUserKey returns the per-user submission index key.
// Format: subu/{username}/{id 16B}
func SubmissionUserKey(username string, rawID []byte) []byte {
	prefix := prefixSubUser + username + "/"
	key := make([]byte, len(prefix)+len(rawID))
	copy(key, prefix)
	copy(key[len(prefix):], rawID)
	return key
}

// SubmissionUserPrefix returns the scan prefix for one user's submissions.
func SubmissionUserPrefix(username string) []byte {
	return []byte(prefixSubUser + username + "/")
}

// upperBound returns the exclusive end key for a prefix scan.
func upperBound(prefix []byte) []byte {
	return append(append([]byte{}, prefix...), 0xFF)
}

// parseUnitSuffix decodes {project}/{machine}/{page} into a UnitKey.
func parseUnitSuffix(s string) (UnitKey, bool) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return UnitKey{}, false
	}
	page, err := strconv.Atoi(parts[2])
	if err != nil || page < 0 {
		return UnitKey{}, false
	}
	return UnitKey{Project: parts[0], Machine: parts[1], Page: page}, true
}

// parseUnitFromKey extracts the UnitKey from an index key given its fixed
// prefix length.
func parseUnitFromKey(key []byte, prefixLen int) (UnitKey, bool) {
	if len(key) <= prefixLen {
		return UnitKey{}, false
	}
	return parseUnitSuffix(string(key[prefixLen:]))
}
