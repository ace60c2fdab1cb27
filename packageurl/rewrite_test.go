package packageurl

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const mirrorBase = "https://wp-mirror.blogvault.net"

func TestRewrite(t *testing.T) {
	tests := []struct {
		name       string
		pkg        string
		want       string
		wantKind   string
		fromMirror bool
	}{
		{"plugin", "https://downloads.wordpress.org/plugin/akismet.5.3.zip", mirrorBase + "/plugins/akismet.5.3.zip", "plugin", true},
		{"plugin over http", "http://downloads.wordpress.org/plugin/akismet.zip", mirrorBase + "/plugins/akismet.zip", "plugin", true},
		{"theme", "https://downloads.wordpress.org/theme/astra.4.6.zip", mirrorBase + "/themes/astra.4.6.zip", "theme", true},
		{"query string preserved", "https://downloads.wordpress.org/plugin/a.zip?x=1", mirrorBase + "/plugins/a.zip?x=1", "plugin", true},
		{"other host untouched", "https://example.com/plugin/a.zip", "https://example.com/plugin/a.zip", "", false},
		{"core untouched", "https://downloads.wordpress.org/release/wordpress-6.5.zip", "https://downloads.wordpress.org/release/wordpress-6.5.zip", "", false},
	}

	r := New(mirrorBase + "/")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, kind := r.Rewrite(Options{Package: tt.pkg, Destination: "/wp-content/plugins"})
			require.Equal(t, tt.want, got.Package)
			require.Equal(t, tt.wantKind, kind)
			require.Equal(t, tt.fromMirror, got.FromMirror)
			require.Equal(t, "/wp-content/plugins", got.Destination)
		})
	}
}

func TestRewrite_Idempotent(t *testing.T) {
	r := New(mirrorBase)
	for _, pkg := range []string{
		"https://downloads.wordpress.org/plugin/akismet.zip",
		"https://downloads.wordpress.org/theme/astra.zip",
		"https://example.com/x.zip",
	} {
		once, _ := r.Rewrite(Options{Package: pkg})
		twice, kind := r.Rewrite(once)
		require.Equal(t, once, twice)
		require.Empty(t, kind)
	}
}

func TestRewrite_ExtraRule(t *testing.T) {
	r := New(mirrorBase, Rule{Kind: "plugin", From: "https://legacy.example/p/", To: mirrorBase + "/plugins/"})
	got, kind := r.Rewrite(Options{Package: "https://legacy.example/p/a.zip"})
	require.Equal(t, mirrorBase+"/plugins/a.zip", got.Package)
	require.Equal(t, "plugin", kind)
}
