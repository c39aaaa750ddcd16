package policy

// Policy decides how much a normal cleaner pass should free.
type Policy interface {
	// BytesToFree returns the number of bytes that should be evicted given
	// the current cache usage. Returns 0 if no eviction is needed.
	BytesToFree(currentSize int64) (int64, error)
}
