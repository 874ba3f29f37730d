package attachment

import (
	"path/filepath"
	"testing"

	"github.com/cuemby/satchel/pkg/blob"
	"github.com/cuemby/satchel/pkg/kvp"
	"github.com/cuemby/satchel/pkg/revision"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	kv, err := kvp.Open(filepath.Join(dir, "index.db"), []kvp.Migration{{Version: 1, Apply: blob.EnsureSchema}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	store, err := blob.Open(filepath.Join(dir, "blobs"), kv, nil)
	require.NoError(t, err)
	return NewManager(store)
}

func TestParsePendingInline(t *testing.T) {
	body := []byte(`{"_id":"doc1","_attachments":{"photo.jpg":{"content_type":"image/jpeg","data":"aGVsbG8="}}}`)
	pending, err := ParsePending(body)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "photo.jpg", pending[0].Name)
	assert.Equal(t, []byte("hello"), pending[0].Inline)
}

func TestParsePendingStubInheritsFromParent(t *testing.T) {
	body := []byte(`{"_attachments":{"photo.jpg":{"stub":true,"content_type":"image/jpeg"}}}`)
	pending, err := ParsePending(body)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "photo.jpg", pending[0].InheritFrom)
}

func TestBuildDescriptorsInline(t *testing.T) {
	m := newTestManager(t)

	descs, err := m.BuildDescriptors([]PendingAttachment{
		{Name: "a.txt", ContentType: "text/plain", Inline: []byte("hello world")},
	}, nil, 1)
	require.NoError(t, err)
	require.Contains(t, descs, "a.txt")
	assert.Equal(t, int64(len("hello world")), descs["a.txt"].Length)
	assert.NotEmpty(t, descs["a.txt"].Digest)
}

func TestBuildDescriptorsInheritCarriesForwardDigest(t *testing.T) {
	m := newTestManager(t)

	first, err := m.BuildDescriptors([]PendingAttachment{
		{Name: "a.txt", Inline: []byte("v1")},
	}, nil, 1)
	require.NoError(t, err)

	second, err := m.BuildDescriptors([]PendingAttachment{
		{Name: "a.txt", InheritFrom: "a.txt"},
	}, first, 1)
	require.NoError(t, err)
	assert.Equal(t, first["a.txt"].Digest, second["a.txt"].Digest)
	assert.Equal(t, first["a.txt"].RevPos, second["a.txt"].RevPos)
}

func TestReconstructInlinesWhenRequested(t *testing.T) {
	m := newTestManager(t)

	descs, err := m.BuildDescriptors([]PendingAttachment{
		{Name: "a.txt", ContentType: "text/plain", Inline: []byte("hello world")},
	}, nil, 1)
	require.NoError(t, err)

	rev := &revision.Revision{Attachments: descs}
	rendered, err := m.Reconstruct(rev, IncludeAttachments, 0)
	require.NoError(t, err)
	require.Contains(t, rendered, "a.txt")
	assert.False(t, rendered["a.txt"].Stub)
	assert.NotEmpty(t, rendered["a.txt"].DataBase64)
}

func TestReconstructStubsBelowMinRevPos(t *testing.T) {
	m := newTestManager(t)

	descs, err := m.BuildDescriptors([]PendingAttachment{
		{Name: "a.txt", Inline: []byte("hello world")},
	}, nil, 1)
	require.NoError(t, err)

	rev := &revision.Revision{Attachments: descs}
	rendered, err := m.Reconstruct(rev, IncludeAttachments, 5)
	require.NoError(t, err)
	assert.True(t, rendered["a.txt"].Stub, "attachments older than minRevPos must be stubbed regardless of opts")
}

func TestReconstructNoBodyOmitsAttachments(t *testing.T) {
	m := newTestManager(t)

	descs, err := m.BuildDescriptors([]PendingAttachment{
		{Name: "a.txt", Inline: []byte("hello world")},
	}, nil, 1)
	require.NoError(t, err)

	rev := &revision.Revision{Attachments: descs}
	rendered, err := m.Reconstruct(rev, NoBody, 0)
	require.NoError(t, err)
	assert.Nil(t, rendered)
}

func TestKeepSetCollectsReferencedBlobKeys(t *testing.T) {
	m := newTestManager(t)

	descs, err := m.BuildDescriptors([]PendingAttachment{
		{Name: "a.txt", Inline: []byte("hello world")},
	}, nil, 1)
	require.NoError(t, err)

	keep, err := m.KeepSet([]*revision.Revision{{Attachments: descs}})
	require.NoError(t, err)
	assert.Len(t, keep, 1)
}
