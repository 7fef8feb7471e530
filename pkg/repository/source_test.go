package repository

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/berth/pkg/plugins"
)

func TestHTTPSource_Fetch(t *testing.T) {
	body := manifestJSON(t, testPlugin("hello", "Hello"))

	var (
		mu               sync.Mutex
		gotPath, gotAuth string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	}))
	defer srv.Close()

	tests := []struct {
		name     string
		base     string
		auth     Auth
		wantPath string
		wantAuth string
	}{
		{"directory base", srv.URL + "/repo/", Auth{}, "/repo/manifest.json", ""},
		{"explicit document", srv.URL + "/catalog.json", Auth{}, "/catalog.json", ""},
		{"bearer", srv.URL, Auth{Type: AuthBearer, Token: "s3cret"}, "/manifest.json", "Bearer s3cret"},
		{"basic", srv.URL, Auth{Type: AuthBasic, Username: "u", Password: "p"}, "/manifest.json", "Basic dTpw"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := NewHTTPSource(tt.base, tt.auth, srv.Client())
			require.NoError(t, err)

			data, err := src.Fetch(context.Background())
			require.NoError(t, err)
			assert.Equal(t, body, data)

			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, tt.wantPath, gotPath)
			assert.Equal(t, tt.wantAuth, gotAuth)
		})
	}
}

func TestHTTPSource_OAuth2ClientCredentials(t *testing.T) {
	body := manifestJSON(t, testPlugin("hello", "Hello"))

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.Form.Get("grant_type") != "client_credentials" {
			http.Error(w, "bad grant", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-123","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-123" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Write(body)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	src, err := NewHTTPSource(srv.URL, Auth{
		Type:         AuthOAuth2,
		ClientID:     "berth",
		ClientSecret: "secret",
		TokenURL:     srv.URL + "/token",
		Scopes:       []string{"catalog:read"},
	}, srv.Client())
	require.NoError(t, err)

	data, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, body, data)
}

func TestHTTPSource_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing/manifest.json":
			http.NotFound(w, r)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	src, err := NewHTTPSource(srv.URL+"/missing", Auth{}, srv.Client())
	require.NoError(t, err)
	_, err = src.Fetch(context.Background())
	assert.True(t, plugins.IsNotFound(err))

	src, err = NewHTTPSource(srv.URL+"/broken", Auth{}, srv.Client())
	require.NoError(t, err)
	_, err = src.Fetch(context.Background())
	assert.True(t, plugins.IsTransportFailure(err))

	src, err = NewHTTPSource("http://127.0.0.1:1", Auth{}, nil)
	require.NoError(t, err)
	_, err = src.Fetch(context.Background())
	assert.True(t, plugins.IsTransportFailure(err))
}

func TestNewHTTPSource_Invalid(t *testing.T) {
	for _, raw := range []string{"", "ftp://example.com", "example.com/repo"} {
		_, err := NewHTTPSource(raw, Auth{}, nil)
		assert.True(t, plugins.IsValidationFailure(err), raw)
	}

	_, err := NewHTTPSource("https://example.com", Auth{Type: AuthOAuth2}, nil)
	assert.True(t, plugins.IsValidationFailure(err))
}

type fakeS3 struct {
	objects map[string][]byte
	err     error
	input   *s3.GetObjectInput
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestS3Source_Fetch(t *testing.T) {
	body := manifestJSON(t, testPlugin("hello", "Hello"))
	client := &fakeS3{objects: map[string][]byte{"plugins/stable/manifest.json": body}}

	src := NewS3SourceWithClient(client, "plugins", "stable/")
	assert.Equal(t, "s3://plugins/stable/manifest.json", src.Location())

	data, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, body, data)
	assert.Equal(t, "stable/manifest.json", *client.input.Key)

	_, err = NewS3SourceWithClient(client, "plugins", "other/").Fetch(context.Background())
	assert.True(t, plugins.IsNotFound(err))

	client.err = errors.New("access denied")
	_, err = src.Fetch(context.Background())
	assert.True(t, plugins.IsTransportFailure(err))
}

func TestParseS3URL(t *testing.T) {
	bucket, key, err := parseS3URL("s3://plugins/stable/")
	require.NoError(t, err)
	assert.Equal(t, "plugins", bucket)
	assert.Equal(t, "stable/", key)

	_, _, err = parseS3URL("https://plugins/stable")
	assert.True(t, plugins.IsValidationFailure(err))
}

func TestNewSource(t *testing.T) {
	dir := t.TempDir()

	src, err := NewSource(context.Background(), Descriptor{ID: "web", URL: "https://example.com/repo"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &HTTPSource{}, src)

	src, err = NewSource(context.Background(), Descriptor{ID: "local", URL: "file://" + dir}, nil)
	require.NoError(t, err)
	assert.IsType(t, &FileSource{}, src)
	assert.Equal(t, dir, src.Location())

	src, err = NewSource(context.Background(), Descriptor{ID: "plain", URL: filepath.Join(dir, "manifest.json")}, nil)
	require.NoError(t, err)
	assert.IsType(t, &FileSource{}, src)

	_, err = NewSource(context.Background(), Descriptor{ID: "x", URL: "https://example.com", Type: "ftp"}, nil)
	assert.True(t, plugins.IsValidationFailure(err))
}
