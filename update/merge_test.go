package update

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/update-mirror/mirror"
)

func TestMerge_ReplayReproducesValidEntries(t *testing.T) {
	ctx := context.Background()
	snaps := newSnapshots(t)
	require.NoError(t, snaps.Save(ctx, "plugins", []byte(`{"a/a.php":{"new_version":"2.0"},"b.php":null,"c/c.php":{"slug":"c"}}`)))

	m := NewMerger(snaps, nil)
	rs := m.Merge(ctx, CategoryPlugins, &RecordSet{})

	require.Equal(t, map[string]Info{"a/a.php": {"new_version": "2.0"}}, rs.Response)

	// Replaying again changes nothing.
	again := m.Merge(ctx, CategoryPlugins, rs.Clone())
	require.Equal(t, rs.Response, again.Response)
}

func TestMerge_PrimaryPrecedence(t *testing.T) {
	ctx := context.Background()
	snaps := newSnapshots(t)
	require.NoError(t, snaps.Save(ctx, "themes", []byte(`{"astra":{"new_version":"9.0"},"neve":{"new_version":"3.1"}}`)))

	m := NewMerger(snaps, nil)
	rs := m.Merge(ctx, CategoryThemes, &RecordSet{Response: map[string]Info{"astra": {"new_version": "4.0"}}})

	require.Equal(t, "4.0", rs.Response["astra"].NewVersion())
	require.Equal(t, "3.1", rs.Response["neve"].NewVersion())
}

func TestMerge_NilRecordSet(t *testing.T) {
	ctx := context.Background()
	snaps := newSnapshots(t)
	require.NoError(t, snaps.Save(ctx, "plugins", []byte(`{"a/a.php":{"new_version":"2.0"}}`)))

	require.Nil(t, NewMerger(snaps, nil).Merge(ctx, CategoryPlugins, nil))
}

func TestMerge_NoSnapshot(t *testing.T) {
	rs := NewMerger(newSnapshots(t), nil).Merge(context.Background(), CategoryPlugins, &RecordSet{})
	require.NotNil(t, rs.Response)
	require.Empty(t, rs.Response)
}

func TestMerge_LoadFailure(t *testing.T) {
	rs := &RecordSet{Response: map[string]Info{}}
	require.Same(t, rs, NewMerger(failingSnapshots{}, nil).Merge(context.Background(), CategoryThemes, rs))
}

func TestMerge_Core(t *testing.T) {
	ctx := context.Background()
	snaps := newSnapshots(t)
	require.NoError(t, snaps.Save(ctx, "core", []byte(`{"updates":[{"current":"6.5"}]}`)))
	m := NewMerger(snaps, nil)

	rs := m.Merge(ctx, CategoryCore, &RecordSet{})
	require.Len(t, rs.Updates, 1)

	existing := &RecordSet{Updates: []Info{{"current": "6.4"}}}
	m.Merge(ctx, CategoryCore, existing)
	require.Equal(t, "6.4", existing.Updates[0]["current"])
}

func TestResolveThenMergeAfterRebuild(t *testing.T) {
	ctx := context.Background()
	fm := &fakeMirror{replies: map[string]string{
		mirror.PathPluginInfoBulk: `{"a/a.php":{"new_version":"2.0"}}`,
	}}
	snaps := newSnapshots(t)

	r := NewResolver(fm, WithInventory(staticInventory{plugins: []Item{{ID: "a/a.php"}}}), WithSnapshots(snaps))
	r.ResolvePlugins(ctx, nil)

	// The host rebuilds its record set and loses the in-memory entry.
	rebuilt := &RecordSet{LastChecked: 1}
	rebuilt = NewMerger(snaps, nil).Merge(ctx, CategoryPlugins, rebuilt)

	require.Equal(t, "2.0", rebuilt.Response["a/a.php"].NewVersion())
	require.Len(t, fm.requests, 1)
}
