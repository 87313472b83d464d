package doc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type denyingPrompter struct{ called bool }

func (p *denyingPrompter) PromptForOCR(string) bool {
	p.called = true
	return false
}

func TestExtractPDFTextReturnsErrorForMissingFile(t *testing.T) {
	_, err := ExtractPDFText("/nonexistent/does-not-exist.pdf", 1000, "off", nil)
	require.Error(t, err)
}

func TestChunkTextSplitsIntoFixedSizeChunks(t *testing.T) {
	chunks := ChunkText("abcdefghij", 4)
	require.Equal(t, []string{"abcd", "efgh", "ij"}, chunks)
}

func TestChunkTextEmptyInputReturnsNil(t *testing.T) {
	require.Nil(t, ChunkText("", 10))
	require.Nil(t, ChunkText("abc", 0))
}

func TestTruncateRespectsMaxChars(t *testing.T) {
	require.Equal(t, "ab", truncate("abcdef", 2))
	require.Equal(t, "abcdef", truncate("abcdef", 0))
}

func TestAutoDenyPrompterAlwaysDeclines(t *testing.T) {
	require.False(t, AutoDenyPrompter{}.PromptForOCR("anything.pdf"))
}
