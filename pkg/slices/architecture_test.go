package slices

import (
	"testing"

	"hearth/testutil"
)

func TestCatalogDoesNotImportInternal(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.InternalImportForbidden, "the catalog is public API")
}
