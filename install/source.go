package install

import (
	"context"

	"github.com/nandsync/nandsync/es"
	"github.com/nandsync/nandsync/wad"
)

// WADSource serves content blocks out of a decoded container.
type WADSource struct {
	WAD *wad.WAD
}

// Content returns the stored block for the entry, looked up by its index.
func (s *WADSource) Content(_ context.Context, _ uint64, content es.Content) ([]byte, error) {
	return s.WAD.Content(content.Index)
}
