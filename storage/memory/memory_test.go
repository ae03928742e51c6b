package memory

import (
	"testing"

	"github.com/jmcleod/hubguard/storage"
	"github.com/jmcleod/hubguard/storage/storagetest"
)

func TestMemoryBackend(t *testing.T) {
	storagetest.RunBackend(t, func(t *testing.T) storage.Backend {
		return New()
	})
}
