package ports

type KeyValue struct {
	Key   string
	Value []byte
}

// StoragePort is the small key/value surface the runtime persists node state
// through.
type StoragePort interface {
	Get(key string) (value []byte, exists bool, err error)
	Put(key string, value []byte) error
	Delete(key string) error
	ListByPrefix(prefix string) ([]KeyValue, error)
	Close() error
}
