package cluster

import (
	"fmt"
	"strconv"
	"strings"
)

// NumPartitions is the fixed number of ledger partitions in the cluster.
const NumPartitions = 3

// ResourceAccounts is the resource name under which account partitions are
// registered.
const ResourceAccounts = "CUENTA"

// PartitionOf returns the partition that owns the given account id.
// The result is always in [1, NumPartitions] and never changes for an id.
func PartitionOf(accountID int64) int {
	var abs uint64
	if accountID < 0 {
		// -(id+1)+1 avoids overflow for math.MinInt64
		abs = uint64(-(accountID + 1)) + 1
	} else {
		abs = uint64(accountID)
	}
	return int(abs%NumPartitions) + 1
}

// ValidPartition reports whether id names a partition of the cluster.
func ValidPartition(id int) bool {
	return id >= 1 && id <= NumPartitions
}

// PartitionKey builds the registry key for a resource partition.
//
// Example:
//
//	PartitionKey(ResourceAccounts, 2) // "CUENTA_2"
func PartitionKey(resource string, partitionID int) string {
	return resource + "_" + strconv.Itoa(partitionID)
}

// ParsePartitionKey splits a registry key back into resource and partition id.
func ParsePartitionKey(key string) (string, int, error) {
	idx := strings.LastIndex(key, "_")
	if idx <= 0 || idx == len(key)-1 {
		return "", 0, fmt.Errorf("%w: partition key %q", ErrMalformedMessage, key)
	}
	pid, err := strconv.Atoi(key[idx+1:])
	if err != nil {
		return "", 0, fmt.Errorf("%w: partition key %q", ErrMalformedMessage, key)
	}
	return key[:idx], pid, nil
}

// ParseAccountID parses a decimal account id as sent on the wire.
func ParseAccountID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: account id %q", ErrMalformedMessage, s)
	}
	return id, nil
}
