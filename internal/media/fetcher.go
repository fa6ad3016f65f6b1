// Package media fetches post attachments from object storage.
package media

import (
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
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const DefaultMaxBytes = 15 << 20

var (
	ErrTooLarge          = errors.New("media exceeds size limit")
	ErrUnsupportedScheme = errors.New("unsupported media url scheme")
)

// Item is a downloaded attachment.
type Item struct {
	Data        []byte
	ContentType string
	Filename    string
}

// S3API is the subset of the S3 client used for s3:// references.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type Fetcher struct {
	httpClient *http.Client
	s3         S3API
	maxBytes   int64
}

// NewFetcher returns a fetcher for http(s) URLs, and for s3:// URLs when
// s3API is non-nil.
func NewFetcher(httpClient *http.Client, s3API S3API, maxBytes int64) *Fetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Fetcher{httpClient: httpClient, s3: s3API, maxBytes: maxBytes}
}

// NewS3Client builds an S3 client from the default AWS credential chain.
// endpoint is set for S3-compatible storage such as MinIO.
func NewS3Client(ctx context.Context, region, endpoint string) (*s3.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}
	return s3.NewFromConfig(awsCfg, s3Opts...), nil
}

func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Item, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse media url: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
		return f.fetchHTTP(ctx, u)
	case "s3":
		if f.s3 == nil {
			return nil, fmt.Errorf("%w: s3 storage not configured", ErrUnsupportedScheme)
		}
		return f.fetchS3(ctx, u)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

func (f *Fetcher) fetchHTTP(ctx context.Context, u *url.URL) (*Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download media: status %d", resp.StatusCode)
	}
	if resp.ContentLength > f.maxBytes {
		return nil, ErrTooLarge
	}

	data, err := f.readLimited(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Item{
		Data:        data,
		ContentType: contentType(resp.Header.Get("Content-Type"), data),
		Filename:    path.Base(u.Path),
	}, nil
}

func (f *Fetcher) fetchS3(ctx context.Context, u *url.URL) (*Item, error) {
	key := strings.TrimPrefix(u.Path, "/")
	out, err := f.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.Host),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get s3 object: %w", err)
	}
	defer out.Body.Close()

	if out.ContentLength != nil && *out.ContentLength > f.maxBytes {
		return nil, ErrTooLarge
	}
	data, err := f.readLimited(out.Body)
	if err != nil {
		return nil, err
	}
	return &Item{
		Data:        data,
		ContentType: contentType(aws.ToString(out.ContentType), data),
		Filename:    path.Base(key),
	}, nil
}

func (f *Fetcher) readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read media: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, ErrTooLarge
	}
	return data, nil
}

// contentType prefers the declared type and sniffs the bytes otherwise.
func contentType(declared string, data []byte) string {
	if declared != "" {
		if mt, _, err := mime.ParseMediaType(declared); err == nil && mt != "application/octet-stream" {
			return mt
		}
	}
	return http.DetectContentType(data)
}
