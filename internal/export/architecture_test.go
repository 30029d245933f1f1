package export

import (
	"aquasim/testutil"
	"testing"
)

func TestExportReadsThroughTheStoreInterface(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.StoreDriverForbidden, "exports read domain.PersistentStore")
}
