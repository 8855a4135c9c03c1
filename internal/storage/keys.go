package storage

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Logical namespaces. Every backend lays records out as <namespace>/<keyhash>.
const (
	NamespaceQueue      = "queue"
	NamespaceDeadLetter = "dead-letter"
)

// KeyHash returns the hex BLAKE3-256 digest of key. Keys are opaque and may
// contain any byte, so backends address records by hash and keep the key
// itself inside the record.
func KeyHash(key string) string {
	sum := blake3.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// QueuePath returns the logical path of key's queue record.
func QueuePath(key string) string { return NamespaceQueue + "/" + KeyHash(key) }

// DeadLetterPath returns the logical path of key's dead-letter record.
func DeadLetterPath(key string) string { return NamespaceDeadLetter + "/" + KeyHash(key) }
