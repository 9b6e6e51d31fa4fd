package cache

import (
	"strconv"
	"strings"
)

// KeyPrefix starts every snapshot cache key
const KeyPrefix = "snapshot"

// Key builds "snapshot:{tenantID}:{userID}:{version}"
func Key(tenantID, userID string, version int64) string {
	return KeyPrefix + ":" + tenantID + ":" + userID + ":" + strconv.FormatInt(version, 10)
}

// TenantPrefix matches every key of one tenant. The id must pass
// iam.ValidateTenantID.
func TenantPrefix(tenantID string) string {
	return KeyPrefix + ":" + tenantID + ":"
}

// ParseKey splits a key built by Key. Tenant ids must not contain ':'.
func ParseKey(key string) (tenantID, userID string, version int64, ok bool) {
	rest, found := strings.CutPrefix(key, KeyPrefix+":")
	if !found {
		return "", "", 0, false
	}
	tenantID, rest, found = strings.Cut(rest, ":")
	if !found || tenantID == "" {
		return "", "", 0, false
	}
	sep := strings.LastIndexByte(rest, ':')
	if sep <= 0 {
		return "", "", 0, false
	}
	version, err := strconv.ParseInt(rest[sep+1:], 10, 64)
	if err != nil {
		return "", "", 0, false
	}
	return tenantID, rest[:sep], version, true
}
