package state

import (
	"testing"

	"hearth/testutil"
)

func TestStoreIsEngineAgnostic(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.EngineImportForbidden, "state reaches storage through durable")
}
