package store_service

import "fmt"

// LockKey is the key a lock held under name by lease id is stored at.
func LockKey(name string, id LeaseID) string {
	return fmt.Sprintf("%s/%x", name, int64(id))
}

// LockPrefix is the range holding every key of lock name.
func LockPrefix(name string) string {
	return name + "/"
}
