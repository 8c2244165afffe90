package target

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/openmined/drivesync/internal/hasher"
	"github.com/openmined/drivesync/internal/utils"
)

// metaDigest is the user metadata key carrying the MD5 of an uploaded file.
// Multipart ETags are not content digests, so the metadata is authoritative.
const metaDigest = "md5"

type S3Config struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// S3API is the subset of the S3 client used by S3Target
type S3API interface {
	s3.ListObjectsV2APIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// NewS3Client builds a client from cfg. Without an access key the default AWS
// credential chain is used.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          32,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithHTTPClient(httpClient),
	}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	slog.Debug("s3 client", "region", cfg.Region, "endpoint", cfg.Endpoint, "accessKey", utils.MaskSecret(cfg.AccessKey))
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// S3Target mirrors a drive under a key prefix of a bucket
type S3Target struct {
	client S3API
	bucket string
	prefix string
}

func NewS3Target(client S3API, bucket, prefix string) *S3Target {
	return &S3Target{client: client, bucket: bucket, prefix: prefix}
}

func (t *S3Target) Kind() string {
	return KindS3
}

func (t *S3Target) Scan(ctx context.Context) (map[string]Object, error) {
	objects := make(map[string]Object)

	paginator := s3.NewListObjectsV2Paginator(t.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(t.bucket),
		Prefix: aws.String(t.prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", t.bucket, t.prefix, err)
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			rel := strings.TrimPrefix(key, t.prefix)
			if rel == "" || strings.HasSuffix(rel, "/") || hasher.IsSidecar(rel) {
				continue
			}

			digest := unquoteETag(aws.ToString(obj.ETag))
			if !hasher.ValidDigest(digest) {
				digest, err = t.headDigest(ctx, key)
				if err != nil {
					return nil, err
				}
			}

			objects[rel] = Object{Digest: digest, Size: aws.ToInt64(obj.Size)}
		}
	}

	slog.Debug("s3 target scan", "bucket", t.bucket, "prefix", t.prefix, "objects", len(objects))
	return objects, nil
}

func (t *S3Target) Put(ctx context.Context, rel, src string, obj Object) error {
	raw, err := hex.DecodeString(obj.Digest)
	if err != nil || !hasher.ValidDigest(obj.Digest) {
		return fmt.Errorf("put %s: %w: %q", rel, hasher.ErrInvalidDigest, obj.Digest)
	}

	file, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("put %s: %w", rel, err)
	}
	defer file.Close()

	_, err = t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(t.bucket),
		Key:           aws.String(t.key(rel)),
		Body:          file,
		ContentLength: aws.Int64(obj.Size),
		ContentMD5:    aws.String(base64.StdEncoding.EncodeToString(raw)),
		ContentType:   aws.String(utils.DetectContentType(rel)),
		Metadata:      map[string]string{metaDigest: obj.Digest},
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", t.bucket, t.key(rel), err)
	}
	return nil
}

func (t *S3Target) Delete(ctx context.Context, rel string) error {
	_, err := t.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(t.key(rel)),
	})
	if err != nil {
		return fmt.Errorf("delete s3://%s/%s: %w", t.bucket, t.key(rel), err)
	}
	return nil
}

func (t *S3Target) Close() error {
	return nil
}

// headDigest reads the digest metadata of key. Objects uploaded by other tools
// have none and yield an empty digest, which always compares as changed.
func (t *S3Target) headDigest(ctx context.Context, key string) (string, error) {
	head, err := t.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("head s3://%s/%s: %w", t.bucket, key, err)
	}

	for k, v := range head.Metadata {
		if strings.EqualFold(k, metaDigest) && hasher.ValidDigest(strings.ToLower(v)) {
			return strings.ToLower(v), nil
		}
	}
	return "", nil
}

func (t *S3Target) key(rel string) string {
	return t.prefix + rel
}

func unquoteETag(etag string) string {
	return strings.ToLower(strings.ReplaceAll(etag, "\"", ""))
}

var _ Target = (*S3Target)(nil)
