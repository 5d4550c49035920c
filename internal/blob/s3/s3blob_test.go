package s3blob

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://e2.example.com", normaliseEndpoint("https://e2.example.com", false))
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "reconcile/a.json", (&Client{}).objectKey("/reconcile/a.json"))
	assert.Equal(t, "prod/reconcile/a.json", (&Client{prefix: "prod"}).objectKey("reconcile/a.json"))
}

func TestNew_RequiresBucketAndRegion(t *testing.T) {
	_, err := New(context.Background(), ClientConfig{Region: "us-east-1"})
	assert.ErrorContains(t, err, "bucket")
	_, err = New(context.Background(), ClientConfig{Bucket: "b"})
	assert.ErrorContains(t, err, "region")
}

func TestWriter_Put(t *testing.T) {
	var (
		mu     sync.Mutex
		path   string
		body   string
		ctype  string
		method string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		method, path, body, ctype = r.Method, r.URL.Path, string(b), r.Header.Get("Content-Type")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(context.Background(), ClientConfig{
		Endpoint:       srv.URL,
		Region:         "us-east-1",
		Bucket:         "reports",
		AccessKey:      "key",
		SecretKey:      "secret",
		ForcePathStyle: true,
		Prefix:         "ledger",
	})
	require.NoError(t, err)

	err = NewWriter(c).Put(context.Background(), "reconcile/2026/01/02/x.json", strings.NewReader(`{"checked":1}`), "application/json")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/reports/ledger/reconcile/2026/01/02/x.json", path)
	assert.Contains(t, body, `{"checked":1}`)
	assert.Equal(t, "application/json", ctype)
}
