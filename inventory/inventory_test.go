package inventory

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/update-mirror/update"
)

func newFs(t *testing.T, files map[string]string) afero.Fs {
	t.Helper()
	fsys := afero.NewMemMapFs()
	for name, content := range files {
		require.NoError(t, afero.WriteFile(fsys, name, []byte(content), 0o644))
	}
	return fsys
}

func TestScanner_Plugins(t *testing.T) {
	fsys := newFs(t, map[string]string{
		"plugins/akismet/akismet.php": "<?php\n/**\n * Plugin Name: Akismet Anti-spam\n * Version: 5.3\n */\n",
		"plugins/akismet/class.php":   "<?php\nclass Akismet {}\n",
		"plugins/hello.php":           "<?php\n/*\nPlugin Name: Hello Dolly\nVersion: 1.7.2\n*/\n",
		"plugins/index.php":           "<?php // Silence is golden.\n",
		"plugins/readme.txt":          "Plugin Name: not a plugin\n",
		"plugins/deep/nested/x.php":   "<?php\n/* Plugin Name: Too Deep */\n",
	})

	items, err := NewWithFs(fsys).Plugins(context.Background())
	require.NoError(t, err)
	require.Equal(t, []update.Item{
		{ID: "akismet/akismet.php", Name: "Akismet Anti-spam", Version: "5.3"},
		{ID: "hello.php", Name: "Hello Dolly", Version: "1.7.2"},
	}, items)
}

func TestScanner_Themes(t *testing.T) {
	fsys := newFs(t, map[string]string{
		"themes/twentytwentyfour/style.css": "/*\nTheme Name: Twenty Twenty-Four\nVersion: 1.1\n*/\n",
		"themes/astra/style.css":            "/**\n * Theme Name: Astra\n */",
		"themes/broken/functions.php":       "<?php\n",
		"themes/index.php":                  "<?php\n",
	})

	items, err := NewWithFs(fsys).Themes(context.Background())
	require.NoError(t, err)
	require.Equal(t, []update.Item{
		{ID: "astra", Name: "Astra"},
		{ID: "twentytwentyfour", Name: "Twenty Twenty-Four", Version: "1.1"},
	}, items)
}

func TestScanner_MissingDirectoryIsUnavailable(t *testing.T) {
	s := NewWithFs(afero.NewMemMapFs())

	_, err := s.Plugins(context.Background())
	require.ErrorIs(t, err, update.ErrUnavailable)

	_, err = s.Themes(context.Background())
	require.ErrorIs(t, err, update.ErrUnavailable)
}

func TestScanner_FeedsResolverSlugs(t *testing.T) {
	fsys := newFs(t, map[string]string{
		"plugins/a/a.php": "<?php\n/* Plugin Name: A */\n",
		"plugins/b.php":   "<?php\n/* Plugin Name: B */\n",
	})
	items, err := NewWithFs(fsys).Plugins(context.Background())
	require.NoError(t, err)

	slugs := map[string]string{}
	for _, it := range items {
		slugs[it.ID] = update.Slug(it.ID)
	}
	require.Equal(t, map[string]string{"a/a.php": "a", "b.php": "b"}, slugs)
}

func TestStatic(t *testing.T) {
	s := Static{PluginItems: []update.Item{{ID: "a/a.php"}}, ThemeItems: []update.Item{{ID: "astra"}}}
	p, err := s.Plugins(context.Background())
	require.NoError(t, err)
	require.Len(t, p, 1)
	th, err := s.Themes(context.Background())
	require.NoError(t, err)
	require.Len(t, th, 1)
}
