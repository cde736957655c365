package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseS3URL(t *testing.T) {
	bucket, key, err := ParseS3URL("s3://docs/in/report.pdf")
	require.NoError(t, err)
	assert.Equal(t, "docs", bucket)
	assert.Equal(t, "in/report.pdf", key)

	for _, bad := range []string{"docs/report.pdf", "s3://", "s3://docs", "s3://docs/", "s3:///key"} {
		_, _, err := ParseS3URL(bad)
		assert.Error(t, err, bad)
	}
}

func TestFetchHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/files/a.pdf":
			w.Header().Set("Content-Type", "application/pdf")
			io.WriteString(w, "%PDF-1.4 body")
		case "/named":
			w.Header().Set("Content-Disposition", `attachment; filename="scan.png"`)
			io.WriteString(w, "png")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := &Client{http: srv.Client()}

	obj, err := c.Fetch(context.Background(), srv.URL+"/files/a.pdf#page=2")
	require.NoError(t, err)
	assert.Equal(t, "a.pdf", obj.Name)
	assert.Equal(t, "application/pdf", obj.ContentType)
	assert.Equal(t, "%PDF-1.4 body", string(obj.Data))

	obj, err = c.Fetch(context.Background(), srv.URL+"/named")
	require.NoError(t, err)
	assert.Equal(t, "scan.png", obj.Name)

	_, err = c.Fetch(context.Background(), srv.URL+"/missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestFetchHTTPSizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, strings.Repeat("x", 64))
	}))
	defer srv.Close()

	c := &Client{http: srv.Client(), maxBytes: 16}
	_, err := c.Fetch(context.Background(), srv.URL+"/big.bin")
	require.Error(t, err)

	c.maxBytes = 64
	obj, err := c.Fetch(context.Background(), srv.URL+"/big.bin")
	require.NoError(t, err)
	assert.Len(t, obj.Data, 64)
}

func TestFetchUnsupportedRef(t *testing.T) {
	c := &Client{http: http.DefaultClient}
	_, err := c.Fetch(context.Background(), "ftp://host/file.pdf")
	assert.ErrorIs(t, err, ErrUnsupportedRef)
}

func TestFetchS3AgainstEndpoint(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("x-amz-meta-name", "original.pdf")
		io.WriteString(w, "%PDF-1.7")
	}))
	defer srv.Close()

	c, err := New(context.Background(), Options{
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	})
	require.NoError(t, err)

	obj, err := c.Fetch(context.Background(), "s3://docs/in/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, "/docs/in/a.pdf", gotPath)
	assert.Equal(t, "original.pdf", obj.Name)
	assert.Equal(t, "%PDF-1.7", string(obj.Data))
}
