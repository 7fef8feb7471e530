package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/platinummonkey/berth/pkg/plugins"
)

// ManifestFile is the manifest name appended to directory-like locations
const ManifestFile = "manifest.json"

// maxManifestSize bounds how much of a manifest is read
const maxManifestSize = 32 << 20

// Source fetches the raw manifest document of a repository
type Source interface {
	Fetch(ctx context.Context) ([]byte, error)
	Location() string
}

// NewSource builds the provider for a descriptor. An empty Type is inferred
// from the URL scheme. client may be nil.
func NewSource(ctx context.Context, desc Descriptor, client *http.Client) (Source, error) {
	typ := desc.Type
	if typ == "" {
		typ = inferType(desc.URL)
	}

	switch typ {
	case SourceHTTP:
		src, err := NewHTTPSource(desc.URL, desc.Auth, client)
		if err != nil {
			return nil, err
		}
		return src, nil
	case SourceFile:
		return NewFileSource(strings.TrimPrefix(desc.URL, "file://")), nil
	case SourceS3:
		bucket, key, err := parseS3URL(desc.URL)
		if err != nil {
			return nil, err
		}
		src, err := NewS3Source(ctx, bucket, key, desc.Auth)
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		return nil, plugins.Errorf(plugins.ValidationFailure, "repository source", "unsupported repository type %q", typ).WithID(desc.ID)
	}
}

func inferType(raw string) SourceType {
	switch {
	case strings.HasPrefix(raw, "http://"), strings.HasPrefix(raw, "https://"):
		return SourceHTTP
	case strings.HasPrefix(raw, "s3://"):
		return SourceS3
	default:
		return SourceFile
	}
}

// HTTPSource fetches <base>/manifest.json over HTTP(S)
type HTTPSource struct {
	url    string
	auth   Auth
	client *http.Client
}

// NewHTTPSource creates an HTTP provider. A base URL ending in .json is used
// as is. A nil client gets an otelhttp-instrumented default.
func NewHTTPSource(base string, auth Auth, client *http.Client) (*HTTPSource, error) {
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, plugins.Errorf(plugins.ValidationFailure, "repository source", "invalid repository URL %q", base)
	}

	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	manifestURL := base
	if !strings.HasSuffix(u.Path, ".json") {
		manifestURL = strings.TrimSuffix(base, "/") + "/" + ManifestFile
	}

	if auth.Type == AuthOAuth2 {
		if auth.TokenURL == "" || auth.ClientID == "" {
			return nil, plugins.Errorf(plugins.ValidationFailure, "repository source", "oauth2 auth requires clientId and tokenUrl")
		}
		cc := clientcredentials.Config{
			ClientID:     auth.ClientID,
			ClientSecret: auth.ClientSecret,
			TokenURL:     auth.TokenURL,
			Scopes:       auth.Scopes,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, client)
		client = cc.Client(ctx)
	}

	return &HTTPSource{url: manifestURL, auth: auth, client: client}, nil
}

// Location returns the manifest URL
func (s *HTTPSource) Location() string { return s.url }

// Fetch implements Source
func (s *HTTPSource) Fetch(ctx context.Context) ([]byte, error) {
	const op = "fetch manifest"

	ctx, span := repositoryTracer.Start(ctx, "HTTPSource.Fetch",
		trace.WithAttributes(attribute.String("repository.url", s.url)),
	)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, plugins.Wrap(plugins.ValidationFailure, op, err, "invalid request")
	}
	req.Header.Set("Accept", "application/json")

	switch s.auth.Type {
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+s.auth.Token)
	case AuthBasic:
		req.SetBasicAuth(s.auth.Username, s.auth.Password)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, plugins.Wrap(plugins.TransportFailure, op, err, "GET %s", s.url)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		span.SetStatus(codes.Error, "manifest not found")
		return nil, plugins.Errorf(plugins.NotFound, op, "no manifest at %s", s.url)
	case resp.StatusCode != http.StatusOK:
		span.SetStatus(codes.Error, "unexpected status")
		return nil, plugins.Errorf(plugins.TransportFailure, op, "GET %s returned %s", s.url, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read failed")
		return nil, plugins.Wrap(plugins.TransportFailure, op, err, "failed to read manifest")
	}
	return data, nil
}

// FileSource reads a manifest from the local filesystem
type FileSource struct {
	path string
}

// NewFileSource creates a file provider. A directory path reads its
// manifest.json.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Location returns the configured path
func (s *FileSource) Location() string { return s.path }

// Fetch implements Source
func (s *FileSource) Fetch(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := s.path
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		path = filepath.Join(path, ManifestFile)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, plugins.Wrap(plugins.NotFound, "fetch manifest", err, "")
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return data, nil
}

// S3API is the subset of the S3 client used by S3Source
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source reads a manifest object from an S3 bucket
type S3Source struct {
	client S3API
	bucket string
	key    string
}

// NewS3Source creates an S3 provider. Static credentials are used when the
// auth carries an access key; otherwise the default AWS credential chain.
func NewS3Source(ctx context.Context, bucket, key string, auth Auth) (*S3Source, error) {
	region := auth.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if auth.AccessKey != "" && auth.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(auth.AccessKey, auth.SecretKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if auth.Endpoint != "" {
			o.BaseEndpoint = aws.String(auth.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3SourceWithClient(client, bucket, key), nil
}

// NewS3SourceWithClient creates an S3 provider around an existing client.
// A key that is empty or ends in "/" reads its manifest.json.
func NewS3SourceWithClient(client S3API, bucket, key string) *S3Source {
	if key == "" || strings.HasSuffix(key, "/") {
		key += ManifestFile
	}
	return &S3Source{client: client, bucket: bucket, key: key}
}

// Location returns the s3:// URL of the manifest
func (s *S3Source) Location() string { return "s3://" + s.bucket + "/" + s.key }

// Fetch implements Source
func (s *S3Source) Fetch(ctx context.Context) ([]byte, error) {
	const op = "fetch manifest"

	ctx, span := repositoryTracer.Start(ctx, "S3Source.Fetch",
		trace.WithAttributes(
			attribute.String("s3.bucket", s.bucket),
			attribute.String("s3.key", s.key),
		),
	)
	defer span.End()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get object from s3")
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, plugins.Wrap(plugins.NotFound, op, err, "no manifest at %s", s.Location())
		}
		return nil, plugins.Wrap(plugins.TransportFailure, op, err, "failed to get object from s3")
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, maxManifestSize))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read failed")
		return nil, plugins.Wrap(plugins.TransportFailure, op, err, "failed to read manifest")
	}
	return data, nil
}

func parseS3URL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "s3" || u.Host == "" {
		return "", "", plugins.Errorf(plugins.ValidationFailure, "repository source", "invalid S3 URL %q", raw)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}
