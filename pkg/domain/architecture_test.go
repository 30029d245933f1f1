package domain

import (
	"aquasim/testutil"
	"testing"
)

// TestDomainDoesNotImportInternal keeps the domain layer free of
// implementation packages and storage drivers.
func TestDomainDoesNotImportInternal(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.AnyOf(testutil.InternalImportForbidden, testutil.StoreDriverForbidden),
		"domain must stay implementation-agnostic")
}
