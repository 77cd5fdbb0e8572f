package core

import (
	"feedformula/testutil"
	"testing"
)

func TestCoreDoesNotImportAdapters(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.AnyOf(testutil.AdapterImportForbidden, testutil.CommandImportForbidden),
		"the service reaches adapters through domain ports")
}
