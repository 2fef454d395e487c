package blobstore

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

	"github.com/ililio1/chesshelper/internal/store"
)

func TestKey(t *testing.T) {
	k := store.AssetKey{Kind: store.AssetLine, Orientation: store.OrientationBlack}
	assert.Equal(t, "blunders/42/line-black.gif", Key(42, k))
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	data := []byte("GIF89a")
	require.NoError(t, m.Put(ctx, "a", data, "image/gif"))
	data[0] = 'X'

	got, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "GIF89a", string(got))
	assert.Equal(t, 1, m.Len())
}

func TestR2PutGet(t *testing.T) {
	var (
		mu      sync.Mutex
		objects = map[string]string{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch r.Method {
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			objects[r.URL.Path] = string(body)
			assert.Equal(t, "image/gif", r.Header.Get("Content-Type"))
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			body, ok := objects[r.URL.Path]
			if !ok {
				w.Header().Set("Content-Type", "application/xml")
				w.WriteHeader(http.StatusNotFound)
				_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
				return
			}
			_, _ = io.WriteString(w, body)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	r2, err := NewR2(ctx, R2Config{
		AccessKey: "key",
		SecretKey: "secret",
		Bucket:    "assets",
		Endpoint:  srv.URL,
	})
	require.NoError(t, err)

	key := Key(7, store.AssetKey{Kind: store.AssetBest, Orientation: store.OrientationWhite})
	require.NoError(t, r2.Put(ctx, key, []byte("GIF89a-payload"), "image/gif"))

	mu.Lock()
	stored, ok := objects["/assets/"+key]
	mu.Unlock()
	require.True(t, ok)
	assert.True(t, strings.Contains(stored, "GIF89a-payload"))

	_, err = r2.Get(ctx, "blunders/8/best-white.gif")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewR2RequiresBucket(t *testing.T) {
	_, err := NewR2(context.Background(), R2Config{})
	assert.Error(t, err)
}
