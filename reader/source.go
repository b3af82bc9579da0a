package reader

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/time/rate"

	appconfig "traderflow/config"
)

// objectSource abstracts where snapshot files live. Both feeds are plain
// NDJSON objects under a trades/ or markets/ prefix.
type objectSource interface {
	List(ctx context.Context) ([]string, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

type localSource struct {
	dir string
}

func newLocalSource(dir string) *localSource {
	return &localSource{dir: dir}
}

func (s *localSource) List(ctx context.Context) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch filepath.Ext(path) {
		case ".ndjson", ".jsonl", ".json":
			keys = append(keys, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshot files in %s: %w", s.dir, err)
	}
	return keys, nil
}

func (s *localSource) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	return os.Open(key)
}

type s3Source struct {
	client  *s3.Client
	bucket  string
	prefix  string
	limiter *rate.Limiter
}

func newS3Source(cfg *appconfig.Config, prefix string) (*s3Source, error) {
	client, err := newS3Client(cfg)
	if err != nil {
		return nil, err
	}

	rl := cfg.Reader.RateLimit
	rps := rl.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := rl.BurstSize
	if burst <= 0 {
		burst = rps
	}

	return &s3Source{
		client:  client,
		bucket:  cfg.Storage.S3.Bucket,
		prefix:  prefix,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}, nil
}

func (s *s3Source) List(ctx context.Context) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for paginator.HasMorePages() {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list s3://%s/%s: %w", s.bucket, s.prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *s3Source) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get s3://%s/%s: %w", s.bucket, key, err)
	}
	return out.Body, nil
}

func newS3Client(cfg *appconfig.Config) (*s3.Client, error) {
	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})
	return client, nil
}

// sourceFor builds the configured object source for one feed subdirectory.
func sourceFor(cfg *appconfig.Config, feed string) (objectSource, error) {
	switch cfg.Reader.Source {
	case "local":
		return newLocalSource(filepath.Join(cfg.Reader.LocalDir, feed)), nil
	case "s3":
		prefix := strings.TrimSuffix(cfg.Reader.S3Prefix, "/") + "/" + feed + "/"
		return newS3Source(cfg, prefix)
	default:
		return nil, fmt.Errorf("unknown reader source '%s'", cfg.Reader.Source)
	}
}
