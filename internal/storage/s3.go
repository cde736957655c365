package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

var ErrUnsupportedRef = errors.New("unsupported source reference")

// Options configures the S3 client. Static keys are optional; without them
// the default credential chain is used.
type Options struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	HTTPClient      *http.Client
	MaxBytes        int64
}

// Client fetches source documents from s3:// and http(s):// references
// and uploads committed output to S3.
type Client struct {
	s3       *s3.Client
	uploader *manager.Uploader
	http     *http.Client
	maxBytes int64
}

// Object is a fetched remote document.
type Object struct {
	Name        string
	ContentType string
	Data        []byte
}

// New creates a Client.
func New(ctx context.Context, opts Options) (*Client, error) {
	var loadOpts []func(*awscfg.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awscfg.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awscfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	cli := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		s3:       cli,
		uploader: manager.NewUploader(cli),
		http:     hc,
		maxBytes: opts.MaxBytes,
	}, nil
}

// ParseS3URL splits s3://bucket/key.
func ParseS3URL(ref string) (bucket, key string, err error) {
	p := strings.TrimPrefix(ref, "s3://")
	if p == ref {
		return "", "", fmt.Errorf("invalid s3 url: %s", ref)
	}
	slash := strings.Index(p, "/")
	if slash <= 0 || slash == len(p)-1 {
		return "", "", fmt.Errorf("invalid s3 url: %s", ref)
	}
	return p[:slash], p[slash+1:], nil
}

// Fetch downloads the document a reference points to.
func (c *Client) Fetch(ctx context.Context, ref string) (*Object, error) {
	if i := strings.Index(ref, "#"); i >= 0 {
		ref = ref[:i]
	}
	switch {
	case strings.HasPrefix(ref, "s3://"):
		return c.fetchS3(ctx, ref)
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return c.fetchHTTP(ctx, ref)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedRef, ref)
	}
}

func (c *Client) fetchS3(ctx context.Context, ref string) (*Object, error) {
	bucket, key, err := ParseS3URL(ref)
	if err != nil {
		return nil, err
	}
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return nil, fmt.Errorf("failed to download from S3: %w", err)
	}
	defer out.Body.Close()

	data, err := c.readAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read S3 object: %w", err)
	}

	name := path.Base(key)
	if out.Metadata != nil {
		if n, ok := out.Metadata["name"]; ok && n != "" {
			name = n
		}
	}
	obj := &Object{Name: name, Data: data, ContentType: aws.ToString(out.ContentType)}
	log.Info().Str("bucket", bucket).Str("key", key).Int("size", len(data)).Msg("downloaded source from S3")
	return obj, nil
}

func (c *Client) fetchHTTP(ctx context.Context, ref string) (*Object, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d", resp.StatusCode)
	}
	data, err := c.readAll(resp.Body)
	if err != nil {
		return nil, err
	}

	name := ""
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		name = params["filename"]
	}
	if name == "" {
		if u, err := url.Parse(ref); err == nil {
			name = path.Base(u.Path)
		}
	}
	if name == "" || name == "/" || name == "." {
		name = "download"
	}
	log.Info().Str("url", ref).Int("size", len(data)).Msg("downloaded source over HTTP")
	return &Object{Name: name, Data: data, ContentType: resp.Header.Get("Content-Type")}, nil
}

func (c *Client) readAll(r io.Reader) ([]byte, error) {
	if c.maxBytes <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, c.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > c.maxBytes {
		return nil, fmt.Errorf("object exceeds %d bytes", c.maxBytes)
	}
	return data, nil
}

// Upload stores data at s3://bucket/key and returns the object URL.
func (c *Client) Upload(ctx context.Context, target string, data []byte, contentType string, meta map[string]string) (string, error) {
	bucket, key, err := ParseS3URL(target)
	if err != nil {
		return "", err
	}
	out, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata:    meta,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}
	log.Info().Str("bucket", bucket).Str("key", key).Int("size", len(data)).Msg("uploaded output to S3")
	return out.Location, nil
}

// HeadBucket checks that bucket is reachable with the configured
// credentials.
func (c *Client) HeadBucket(ctx context.Context, bucket string) error {
	_, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	return err
}
