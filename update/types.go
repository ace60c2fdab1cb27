// Package update resolves missing update information from the mirror and
// replays persisted mirror results into rebuilt record sets.
package update

import (
	"encoding/json"
	"fmt"
	"maps"
	"path"
	"strings"
)

// Category is a kind of managed item.
type Category string

const (
	CategoryCore    Category = "core"
	CategoryPlugins Category = "plugins"
	CategoryThemes  Category = "themes"
)

// Categories lists every category in resolution order.
var Categories = []Category{CategoryCore, CategoryPlugins, CategoryThemes}

// ParseCategory validates s as a Category.
func ParseCategory(s string) (Category, error) {
	switch c := Category(strings.ToLower(s)); c {
	case CategoryCore, CategoryPlugins, CategoryThemes:
		return c, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCategory, s)
	}
}

func (c Category) String() string { return string(c) }

// Info is a single update entry. It is opaque apart from new_version.
type Info map[string]any

// NewVersion returns the new_version field as a string, or "" if absent.
func (i Info) NewVersion() string {
	switch v := i["new_version"].(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Valid reports whether the entry carries a non-null new_version.
func (i Info) Valid() bool {
	if i == nil {
		return false
	}
	v, ok := i["new_version"]
	return ok && v != nil
}

// RecordSet is the host's update record for one category. A nil
// *RecordSet is the empty, not yet structured, state.
type RecordSet struct {
	LastChecked    int64             `json:"last_checked,omitempty"`
	VersionChecked string            `json:"version_checked,omitempty"`
	Checked        map[string]string `json:"checked,omitempty"`
	Response       map[string]Info   `json:"response"`
	NoUpdate       map[string]Info   `json:"no_update,omitempty"`
	Translations   []any             `json:"translations,omitempty"`
	Updates        []Info            `json:"updates,omitempty"`
}

// Normalize returns rs with an initialised response map, allocating a new
// record set when rs is nil.
func Normalize(rs *RecordSet) *RecordSet {
	if rs == nil {
		rs = &RecordSet{}
	}
	if rs.Response == nil {
		rs.Response = make(map[string]Info)
	}
	return rs
}

// Clone returns a copy of rs whose maps and slices can be mutated
// independently. Info values are copied one level deep.
func (rs *RecordSet) Clone() *RecordSet {
	if rs == nil {
		return nil
	}
	out := *rs
	out.Checked = maps.Clone(rs.Checked)
	out.Response = cloneInfos(rs.Response)
	out.NoUpdate = cloneInfos(rs.NoUpdate)
	if rs.Translations != nil {
		out.Translations = append([]any(nil), rs.Translations...)
	}
	if rs.Updates != nil {
		out.Updates = make([]Info, len(rs.Updates))
		for i, u := range rs.Updates {
			out.Updates[i] = maps.Clone(u)
		}
	}
	return &out
}

func cloneInfos(in map[string]Info) map[string]Info {
	if in == nil {
		return nil
	}
	out := make(map[string]Info, len(in))
	for k, v := range in {
		out[k] = maps.Clone(v)
	}
	return out
}

// Item is an installed plugin or theme.
type Item struct {
	// ID is the plugin file ("akismet/akismet.php", "hello.php") or the
	// theme directory name.
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// Slug derives the mirror slug for an item identifier: the parent
// directory, or the file name without extension for single-file items.
func Slug(id string) string {
	id = strings.Trim(path.Clean("/"+id), "/")
	if dir := path.Dir(id); dir != "." {
		return dir
	}
	return strings.TrimSuffix(id, path.Ext(id))
}
