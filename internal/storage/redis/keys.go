package redis

import "github.com/snehjoshi/levelq/internal/storage"

// Redis key naming conventions. All keys carry the store prefix (default
// "levelq:") so several queues can share one Redis.

const defaultPrefix = "levelq:"

// queueKey returns the key holding one queue record: levelq:queue/{hash}
func (s *Store) queueKey(key string) string { return s.prefix + storage.QueuePath(key) }

// queueKeyForHash returns the queue record key for an already-hashed key.
func (s *Store) queueKeyForHash(hash string) string {
	return s.prefix + storage.NamespaceQueue + "/" + hash
}

// queueIndexKey is the Set of key hashes with a live queue record.
func (s *Store) queueIndexKey() string { return s.prefix + "queue_keys" }

// deadLetterKey returns the key holding one dead-letter record: levelq:dead-letter/{hash}
func (s *Store) deadLetterKey(key string) string { return s.prefix + storage.DeadLetterPath(key) }

// deadLetterKeyForHash returns the dead-letter record key for a hash.
func (s *Store) deadLetterKeyForHash(hash string) string {
	return s.prefix + storage.NamespaceDeadLetter + "/" + hash
}

// deadLetterIndexKey is the Set of key hashes with a dead-letter record.
func (s *Store) deadLetterIndexKey() string { return s.prefix + "dead_letter_keys" }
