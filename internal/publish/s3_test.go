package publish

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStore struct {
	// objects maps existing keys to their sizes for HeadObject.
	objects map[string]int64
	pages   []*s3.ListObjectsV2Output

	puts    []string
	deletes []string
	putErr  error
}

func (f *fakeStore) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if size, ok := f.objects[aws.ToString(in.Key)]; ok {
		return &s3.HeadObjectOutput{ContentLength: aws.Int64(size)}, nil
	}
	return nil, &types.NotFound{}
}

func (f *fakeStore) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	f.puts = append(f.puts, aws.ToString(in.Key))
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeStore) ListObjectsV2(_ context.Context, _ *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if len(f.pages) == 0 {
		return &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func (f *fakeStore) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.deletes = append(f.deletes, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func newTestMirror(store *fakeStore) *Mirror {
	return &Mirror{store: store, bucket: "packages", prefix: "desktop", log: zap.NewNop()}
}

func writeVersionDir(t *testing.T, names map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
	return dir
}

func TestUploadPutsChecksumsLast(t *testing.T) {
	store := &fakeStore{}
	m := newTestMirror(store)

	dir := writeVersionDir(t, map[string]string{
		"SHA256SUMS": "sums",
		"a.deb":      "deb",
		"z.dmg":      "dmg",
	})

	require.NoError(t, m.Upload(context.Background(), dir, "2024060101"))
	assert.Equal(t, []string{
		"desktop/2024060101/a.deb",
		"desktop/2024060101/z.dmg",
		"desktop/2024060101/SHA256SUMS",
	}, store.puts)
}

func TestUploadSkipsObjectsAlreadyThere(t *testing.T) {
	store := &fakeStore{objects: map[string]int64{
		"desktop/2024060101/a.deb": int64(len("deb")),
	}}
	m := newTestMirror(store)

	dir := writeVersionDir(t, map[string]string{
		"a.deb": "deb",
		"b.dmg": "dmg",
	})

	require.NoError(t, m.Upload(context.Background(), dir, "2024060101"))
	assert.Equal(t, []string{"desktop/2024060101/b.dmg"}, store.puts)
}

func TestUploadReplacesSizeMismatch(t *testing.T) {
	store := &fakeStore{objects: map[string]int64{
		"desktop/2024060101/a.deb": 999,
	}}
	m := newTestMirror(store)

	dir := writeVersionDir(t, map[string]string{"a.deb": "deb"})

	require.NoError(t, m.Upload(context.Background(), dir, "2024060101"))
	assert.Equal(t, []string{"desktop/2024060101/a.deb"}, store.puts)
}

func TestUploadFailure(t *testing.T) {
	store := &fakeStore{putErr: errors.New("slow down")}
	m := newTestMirror(store)

	dir := writeVersionDir(t, map[string]string{"a.deb": "deb"})

	err := m.Upload(context.Background(), dir, "2024060101")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to upload s3://packages/desktop/2024060101/a.deb")
}

func TestMirrorPruneDeletesOldNightlies(t *testing.T) {
	store := &fakeStore{pages: []*s3.ListObjectsV2Output{
		{
			Contents: []types.Object{
				{Key: aws.String("desktop/2024060101/a.deb")},
				{Key: aws.String("desktop/2024060101/SHA256SUMS")},
				{Key: aws.String("desktop/2024060201/a.deb")},
			},
			IsTruncated:           aws.Bool(true),
			NextContinuationToken: aws.String("next"),
		},
		{
			Contents: []types.Object{
				{Key: aws.String("desktop/2024060301/a.deb")},
				{Key: aws.String("desktop/1.11.8/a.deb")},
			},
			IsTruncated: aws.Bool(false),
		},
	}}
	m := newTestMirror(store)

	require.NoError(t, m.Prune(context.Background(), 1))

	assert.ElementsMatch(t, []string{
		"desktop/2024060101/a.deb",
		"desktop/2024060101/SHA256SUMS",
		"desktop/2024060201/a.deb",
	}, store.deletes, "only nightlies beyond the newest survive, releases untouched")
}

func TestMirrorPruneUnderRetention(t *testing.T) {
	store := &fakeStore{pages: []*s3.ListObjectsV2Output{
		{
			Contents:    []types.Object{{Key: aws.String("desktop/2024060101/a.deb")}},
			IsTruncated: aws.Bool(false),
		},
	}}
	m := newTestMirror(store)

	require.NoError(t, m.Prune(context.Background(), 14))
	assert.Empty(t, store.deletes)
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(&types.NotFound{}))
	assert.True(t, isNotFound(&types.NoSuchKey{}))
	assert.True(t, isNotFound(&smithy.GenericAPIError{Code: "NotFound"}))
	assert.False(t, isNotFound(&smithy.GenericAPIError{Code: "AccessDenied"}))
	assert.False(t, isNotFound(errors.New("plain")))
}

func TestContentTypeFor(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{name: "Element.dmg", want: "application/x-apple-diskimage"},
		{name: "Element Setup.exe", want: "application/x-msdownload"},
		{name: "element.deb", want: "application/vnd.debian.binary-package"},
		{name: "Element-full.nupkg", want: "application/zip"},
		{name: "element.tar.gz", want: "application/gzip"},
		{name: "RELEASES", want: "text/plain"},
		{name: "SHA256SUMS", want: "text/plain"},
		{name: "element.AppImage", want: "application/octet-stream"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, contentTypeFor(tt.name))
		})
	}
}
