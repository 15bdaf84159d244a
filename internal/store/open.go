package store

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Open returns the store for backend rooted at dataDir. The badger
// database lives in <dataDir>/badger.
func Open(backend, dataDir string) (Store, error) {
	switch strings.ToLower(backend) {
	case "", "fs":
		return NewFSStore(dataDir)
	case "badger":
		return NewBadgerStore(filepath.Join(dataDir, "badger"))
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
