package publish

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/element-hq/element-builder/internal/artifacts"
	"github.com/element-hq/element-builder/internal/config"
)

// objectStore is the slice of the S3 client the mirror needs.
type objectStore interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Mirror uploads versions to an S3 or S3-compatible bucket.
type Mirror struct {
	store  objectStore
	bucket string
	prefix string
	log    *zap.Logger
}

// NewMirror connects to the configured bucket. Credentials resolve through
// the SDK's default chain (environment, shared config, instance role).
func NewMirror(ctx context.Context, cfg config.S3, log *zap.Logger) (*Mirror, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		// S3-compatible stores want path-style addressing.
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &Mirror{
		store:  s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		log:    log,
	}, nil
}

// Upload pushes every file in the version's staging directory. Objects
// already present with the right size are skipped, so re-publishing a
// version only transfers what changed. The checksum manifest goes up last;
// a mirror that has it has everything it attests to.
func (m *Mirror) Upload(ctx context.Context, dir, version string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read version directory: %w", err)
	}

	var checksums string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if e.Name() == artifacts.ChecksumFile {
			checksums = filepath.Join(dir, e.Name())
			continue
		}
		if err := m.putFile(ctx, filepath.Join(dir, e.Name()), m.key(version, e.Name())); err != nil {
			return err
		}
	}
	if checksums != "" {
		if err := m.putFile(ctx, checksums, m.key(version, artifacts.ChecksumFile)); err != nil {
			return err
		}
	}
	return nil
}

// Prune deletes every object belonging to a nightly version beyond the
// newest keep. Release versions are never touched.
func (m *Mirror) Prune(ctx context.Context, keep int) error {
	byVersion, err := m.listVersions(ctx)
	if err != nil {
		return err
	}

	var versions []string
	for v := range byVersion {
		if nightlyVersion.MatchString(v) {
			versions = append(versions, v)
		}
	}
	if len(versions) <= keep {
		return nil
	}

	// Fixed-width date versions sort chronologically as strings.
	sortDescending(versions)

	var errs *multierror.Error
	for _, v := range versions[keep:] {
		removed := 0
		for _, key := range byVersion[v] {
			_, err := m.store.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(m.bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("failed to delete s3://%s/%s: %w", m.bucket, key, err))
				continue
			}
			removed++
		}
		m.log.Info("pruned nightly from S3 mirror",
			zap.String("version", v),
			zap.Int("objects", removed))
	}
	return errs.ErrorOrNil()
}

// listVersions groups every object key under the prefix by its version
// directory.
func (m *Mirror) listVersions(ctx context.Context) (map[string][]string, error) {
	byVersion := make(map[string][]string)

	listPrefix := ""
	if m.prefix != "" {
		listPrefix = m.prefix + "/"
	}

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(m.bucket),
	}
	if listPrefix != "" {
		input.Prefix = aws.String(listPrefix)
	}

	for {
		out, err := m.store.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to list s3://%s/%s: %w", m.bucket, listPrefix, err)
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			rel := strings.TrimPrefix(key, listPrefix)
			version, _, ok := strings.Cut(rel, "/")
			if !ok {
				continue
			}
			byVersion[version] = append(byVersion[version], key)
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		input.ContinuationToken = out.NextContinuationToken
	}
	return byVersion, nil
}

func (m *Mirror) key(version, name string) string {
	return path.Join(m.prefix, version, name)
}

func (m *Mirror) putFile(ctx context.Context, file, key string) error {
	info, err := os.Stat(file)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", file, err)
	}

	head, err := m.store.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	})
	switch {
	case err == nil:
		if aws.ToInt64(head.ContentLength) == info.Size() {
			m.log.Debug("object already on mirror", zap.String("key", key))
			return nil
		}
	case !isNotFound(err):
		return fmt.Errorf("failed to check s3://%s/%s: %w", m.bucket, key, err)
	}

	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", file, err)
	}
	defer f.Close()

	size := info.Size()
	_, err = m.store.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: &size,
		ContentType:   aws.String(contentTypeFor(filepath.Base(file))),
	})
	if err != nil {
		return fmt.Errorf("failed to upload s3://%s/%s: %w", m.bucket, key, err)
	}

	m.log.Info("uploaded to S3 mirror",
		zap.String("key", key),
		zap.Int64("size", size))
	return nil
}

// isNotFound reports whether err is S3's way of saying the object does not
// exist. HeadObject responses carry no typed NoSuchKey, so the smithy error
// code has to be checked as well.
func isNotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

func contentTypeFor(name string) string {
	if name == "RELEASES" || name == artifacts.ChecksumFile {
		return "text/plain"
	}
	switch filepath.Ext(name) {
	case ".dmg":
		return "application/x-apple-diskimage"
	case ".exe", ".msi":
		return "application/x-msdownload"
	case ".deb":
		return "application/vnd.debian.binary-package"
	case ".nupkg":
		return "application/zip"
	case ".gz":
		return "application/gzip"
	default:
		return "application/octet-stream"
	}
}
