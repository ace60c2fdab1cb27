// Package packageurl redirects package downloads from the primary source to
// the mirror's package storage.
package packageurl

import "strings"

// Options describes a package about to be installed.
type Options struct {
	Package          string         `json:"package"`
	Destination      string         `json:"destination,omitempty"`
	ClearDestination bool           `json:"clear_destination,omitempty"`
	HookExtra        map[string]any `json:"hook_extra,omitempty"`

	// FromMirror marks packages redirected to the mirror.
	FromMirror bool `json:"from_mirror,omitempty"`
}

// Rule maps a primary-source URL prefix to a mirror prefix.
type Rule struct {
	Kind string
	From string
	To   string
}

// Primary-source package prefixes.
const (
	PluginPrefix = "https://downloads.wordpress.org/plugin/"
	ThemePrefix  = "https://downloads.wordpress.org/theme/"
)

// DefaultRules returns the plugin and theme rules for a mirror base URL.
func DefaultRules(mirrorBase string) []Rule {
	base := strings.TrimSuffix(mirrorBase, "/")
	return []Rule{
		{Kind: "plugin", From: PluginPrefix, To: base + "/plugins/"},
		{Kind: "plugin", From: "http://downloads.wordpress.org/plugin/", To: base + "/plugins/"},
		{Kind: "theme", From: ThemePrefix, To: base + "/themes/"},
		{Kind: "theme", From: "http://downloads.wordpress.org/theme/", To: base + "/themes/"},
	}
}

// Rewriter applies the first matching rule to a package URL.
type Rewriter struct {
	rules []Rule
}

// New creates a Rewriter for mirrorBase using DefaultRules plus any extra rules.
func New(mirrorBase string, extra ...Rule) *Rewriter {
	return &Rewriter{rules: append(DefaultRules(mirrorBase), extra...)}
}

// Rewrite returns opts with its package URL pointed at the mirror when it
// matches a primary-source prefix, and the kind of rule applied.
func (r *Rewriter) Rewrite(opts Options) (Options, string) {
	for _, rule := range r.rules {
		if rest, ok := strings.CutPrefix(opts.Package, rule.From); ok {
			opts.Package = rule.To + rest
			opts.FromMirror = true
			return opts, rule.Kind
		}
	}
	return opts, ""
}
