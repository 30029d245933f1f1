package memory_test

import (
	"aquasim/internal/infra/persistence/memory"
	"aquasim/internal/infra/persistence/storetest"
	"aquasim/pkg/domain"
	"testing"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(*testing.T) domain.PersistentStore { return memory.NewStore(nil) })
}
