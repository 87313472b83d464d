package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultRegistryContainsAllTools(t *testing.T) {
	names := Default.Names()
	require.Equal(t, []string{
		"doc.extract_pdf_text",
		"fs.apply_write_file",
		"fs.list_dir",
		"fs.move",
		"fs.propose_write_file",
		"fs.read_text",
		"fs.rename",
		"web.fetch",
	}, names)
}

func TestRequireUnknownToolErrors(t *testing.T) {
	_, err := Default.Require("fs.delete")
	require.Error(t, err)
}

func TestApprovalRequirements(t *testing.T) {
	spec, ok := Default.Get("fs.apply_write_file")
	require.True(t, ok)
	require.True(t, spec.RequiresApproval)

	spec, ok = Default.Get("fs.read_text")
	require.True(t, ok)
	require.False(t, spec.RequiresApproval)
}
