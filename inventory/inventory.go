// Package inventory enumerates installed plugins and themes from a
// wp-content directory.
package inventory

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/wolfeidau/update-mirror/update"
)

// headerReadLimit is how much of a file is searched for headers.
const headerReadLimit = 8 * 1024

var (
	pluginNameRe = headerRe("Plugin Name")
	themeNameRe  = headerRe("Theme Name")
	versionRe    = headerRe("Version")
)

func headerRe(field string) *regexp.Regexp {
	return regexp.MustCompile(`(?mi)^[ \t/*#@]*` + regexp.QuoteMeta(field) + `:(.*)$`)
}

// Scanner reads plugin and theme headers from a filesystem rooted at the
// content directory.
type Scanner struct {
	fs     afero.Fs
	logger *slog.Logger
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scanner) {
		s.logger = l
	}
}

// New creates a scanner over the OS directory dir.
func New(dir string, opts ...Option) *Scanner {
	return NewWithFs(afero.NewBasePathFs(afero.NewOsFs(), dir), opts...)
}

// NewWithFs creates a scanner over fsys, which must be rooted at the
// content directory.
func NewWithFs(fsys afero.Fs, opts ...Option) *Scanner {
	s := &Scanner{
		fs:     afero.NewReadOnlyFs(fsys),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "inventory")
	return s
}

// Plugins lists plugin main files: plugins/<file>.php or
// plugins/<dir>/<file>.php carrying a Plugin Name header.
func (s *Scanner) Plugins(ctx context.Context) ([]update.Item, error) {
	entries, err := s.readDir("plugins")
	if err != nil {
		return nil, err
	}

	var items []update.Item
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if !e.IsDir() {
			if item, ok := s.plugin(e.Name()); ok {
				items = append(items, item)
			}
			continue
		}

		files, err := afero.ReadDir(s.fs, path.Join("plugins", e.Name()))
		if err != nil {
			s.logger.DebugContext(ctx, "skipping plugin directory", "dir", e.Name(), "error", err)
			continue
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			if item, ok := s.plugin(path.Join(e.Name(), f.Name())); ok {
				items = append(items, item)
			}
		}
	}

	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

// Themes lists theme directories with a style.css carrying a Theme Name
// header.
func (s *Scanner) Themes(ctx context.Context) ([]update.Item, error) {
	entries, err := s.readDir("themes")
	if err != nil {
		return nil, err
	}

	var items []update.Item
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.IsDir() {
			continue
		}

		headers, err := s.readHeaders(path.Join("themes", e.Name(), "style.css"))
		if err != nil {
			continue
		}
		name := match(themeNameRe, headers)
		if name == "" {
			continue
		}
		items = append(items, update.Item{
			ID:      e.Name(),
			Name:    name,
			Version: match(versionRe, headers),
		})
	}

	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (s *Scanner) plugin(rel string) (update.Item, bool) {
	if !strings.EqualFold(path.Ext(rel), ".php") {
		return update.Item{}, false
	}
	headers, err := s.readHeaders(path.Join("plugins", rel))
	if err != nil {
		return update.Item{}, false
	}
	name := match(pluginNameRe, headers)
	if name == "" {
		return update.Item{}, false
	}
	return update.Item{ID: rel, Name: name, Version: match(versionRe, headers)}, true
}

func (s *Scanner) readDir(dir string) ([]fs.FileInfo, error) {
	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s missing", update.ErrUnavailable, dir)
		}
		return nil, fmt.Errorf("%w: reading %s: %w", update.ErrUnavailable, dir, err)
	}
	return entries, nil
}

func (s *Scanner) readHeaders(name string) (string, error) {
	f, err := s.fs.Open(name)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(io.LimitReader(bufio.NewReader(f), headerReadLimit))
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(string(data), "\r", "\n"), nil
}

func match(re *regexp.Regexp, headers string) string {
	m := re.FindStringSubmatch(headers)
	if m == nil {
		return ""
	}
	v := strings.TrimSpace(m[1])
	v = strings.TrimSpace(strings.TrimSuffix(v, "*/"))
	return v
}

// Static is an inventory supplied by the host.
type Static struct {
	PluginItems []update.Item `json:"plugins"`
	ThemeItems  []update.Item `json:"themes"`
}

// Plugins implements update.Inventory.
func (s Static) Plugins(context.Context) ([]update.Item, error) {
	return s.PluginItems, nil
}

// Themes implements update.Inventory.
func (s Static) Themes(context.Context) ([]update.Item, error) {
	return s.ThemeItems, nil
}

var (
	_ update.Inventory = (*Scanner)(nil)
	_ update.Inventory = Static{}
)
