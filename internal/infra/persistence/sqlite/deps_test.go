package sqlite

import (
	"testing"

	"hearth/testutil"
)

func TestImportsAreDomainOrStdlib(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.OnlyModuleImports("hearth/pkg/domain"), "engines see only the domain contract")
}
