package webfetch

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeHTMLStripsScriptAndTags(t *testing.T) {
	input := `<html><body><p>Hello <b>World</b></p><script>alert(1)</script><style>p{color:red}</style></body></html>`
	require.Equal(t, "Hello World", SanitizeHTML(input))
}

func TestSanitizeHTMLCollapsesWhitespace(t *testing.T) {
	input := "<p>line one\n\n</p><p>   line two</p>"
	require.Equal(t, "line one line two", SanitizeHTML(input))
}

func TestEnsureAllowedURLRejectsNonAllowlistedHost(t *testing.T) {
	err := ensureAllowedURL("https://evil.example.org/page", []string{"example.com"})
	require.Error(t, err)
}

func TestEnsureAllowedURLAllowsSubdomain(t *testing.T) {
	err := ensureAllowedURL("https://docs.example.com/page", []string{"example.com"})
	require.NoError(t, err)
}

func TestEnsureAllowedURLRejectsNonHTTPScheme(t *testing.T) {
	err := ensureAllowedURL("file:///etc/passwd", []string{"example.com"})
	require.Error(t, err)
}

func TestIsPrivateIPBlocksLoopbackAndRFC1918(t *testing.T) {
	require.True(t, isPrivateIP(net.ParseIP("127.0.0.1")))
	require.True(t, isPrivateIP(net.ParseIP("10.1.2.3")))
	require.True(t, isPrivateIP(net.ParseIP("192.168.1.1")))
	require.True(t, isPrivateIP(net.ParseIP("169.254.1.1")))
	require.False(t, isPrivateIP(net.ParseIP("93.184.216.34")))
}

func TestDecodeBodyFallsBackToRawOnUnknownCharset(t *testing.T) {
	text := decodeBody([]byte("hello"), "text/plain; charset=bogus-not-a-real-charset")
	require.Equal(t, "hello", text)
}

func TestIsHTMLDetectsByContentType(t *testing.T) {
	require.True(t, isHTML("text/html; charset=utf-8", ""))
	require.False(t, isHTML("application/json", `{"a":1}`))
}

func TestIsHTMLDetectsByBodySniff(t *testing.T) {
	require.True(t, isHTML("text/plain", "<html><body>hi</body></html>"))
}
