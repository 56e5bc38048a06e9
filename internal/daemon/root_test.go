package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoot_AddFolder_RegistersWithQueryOnceReady(t *testing.T) {
	// Given: a root and a folder on disk holding one document
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "doc.txt"), []byte("a small document about daemons."), 0o644))

	r := NewRoot(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// When: the folder is added
	require.NoError(t, r.AddFolder(ctx, FolderSpec{Path: root, ModelID: "static:test"}))

	// Then: the folder eventually becomes queryable and appears in the FMDM
	require.Eventually(t, func() bool {
		_, _, err := r.Query.ListDocuments(context.Background(), root, "", true, "", 10)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	docs, _, err := r.Query.ListDocuments(context.Background(), root, "", true, "", 10)
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	snap := r.Fleet.Snapshot()
	require.Len(t, snap.Folders, 1)
	assert.Equal(t, root, snap.Folders[0].Path)
}

func TestRoot_RemoveFolder_UnregistersEverywhere(t *testing.T) {
	root := t.TempDir()
	r := NewRoot(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, r.AddFolder(ctx, FolderSpec{Path: root, ModelID: "static:test"}))
	require.Eventually(t, func() bool {
		return len(r.Fleet.Snapshot().Folders) == 1
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, r.RemoveFolder(root))

	assert.Empty(t, r.Fleet.Snapshot().Folders)
	_, _, err := r.Query.ListDocuments(context.Background(), root, "", true, "", 10)
	assert.ErrorContains(t, err, "not registered")
}

func TestRoot_Metadata_ReturnsOpenedStore(t *testing.T) {
	root := t.TempDir()
	r := NewRoot(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, ok := r.Metadata(root)
	assert.False(t, ok, "unregistered folder should not have a store")

	require.NoError(t, r.AddFolder(ctx, FolderSpec{Path: root, ModelID: "static:test"}))

	metadata, ok := r.Metadata(root)
	assert.True(t, ok)
	assert.NotNil(t, metadata)
}

func TestRoot_AddFolder_DuplicateRejected(t *testing.T) {
	root := t.TempDir()
	r := NewRoot(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, r.AddFolder(ctx, FolderSpec{Path: root, ModelID: "static:test"}))
	err := r.AddFolder(ctx, FolderSpec{Path: root, ModelID: "static:test"})
	assert.Error(t, err)
}

func TestRoot_Shutdown_StopsAllFolders(t *testing.T) {
	root := t.TempDir()
	r := NewRoot(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, r.AddFolder(ctx, FolderSpec{Path: root, ModelID: "static:test"}))
	require.Eventually(t, func() bool {
		return len(r.Fleet.Snapshot().Folders) == 1
	}, 5*time.Second, 20*time.Millisecond)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	r.Shutdown(shutdownCtx)

	assert.Empty(t, r.Fleet.Snapshot().Folders)
}
