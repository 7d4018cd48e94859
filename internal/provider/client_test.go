package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/cardscan/internal/retry"
)

const cardInfoBody = `{"data":[
 {"id":89631139,"name":"Blue-Eyes White Dragon","card_images":[{"image_url":"https://img/full/89631139.jpg","image_url_cropped":"https://img/cropped/89631139.jpg"}]},
 {"id":46986414,"name":"Dark Magician","card_images":[{"image_url":"https://img/full/46986414.jpg"}]},
 {"id":1,"name":"No Art"}
]}`

func fastRetry() Option {
	return WithRetryPolicy(retry.Policy{Attempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})
}

func TestFetchCardsParsesListInOrder(t *testing.T) {
	var (
		mu                    sync.Mutex
		gotLanguage, gotAgent string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v7/cardinfo.php", r.URL.Path)
		mu.Lock()
		gotLanguage = r.URL.Query().Get("language")
		gotAgent = r.Header.Get("User-Agent")
		mu.Unlock()
		_, _ = w.Write([]byte(cardInfoBody))
	}))
	defer srv.Close()

	client, err := New(srv.URL+"/api/v7/", WithUserAgent("cardscan-test"))
	require.NoError(t, err)

	cards, err := client.FetchCards(context.Background(), "")
	require.NoError(t, err)
	mu.Lock()
	assert.Empty(t, gotLanguage)
	assert.Equal(t, "cardscan-test", gotAgent)
	mu.Unlock()
	assert.Equal(t, []Card{
		{ID: "89631139", Name: "Blue-Eyes White Dragon", ImageRef: "https://img/cropped/89631139.jpg"},
		{ID: "46986414", Name: "Dark Magician", ImageRef: "https://img/full/46986414.jpg"},
		{ID: "1", Name: "No Art"},
	}, cards)

	_, err = client.FetchCards(context.Background(), "IT")
	require.NoError(t, err)
	mu.Lock()
	assert.Equal(t, "it", gotLanguage)
	mu.Unlock()
}

func TestFetchCardsRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			_, _ = w.Write([]byte(cardInfoBody))
		}
	}))
	defer srv.Close()

	client, err := New(srv.URL, fastRetry())
	require.NoError(t, err)

	cards, err := client.FetchCards(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, cards, 3)
	assert.EqualValues(t, 3, calls.Load())
}

func TestFetchCardsDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := New(srv.URL, fastRetry())
	require.NoError(t, err)

	_, err = client.FetchCards(context.Background(), "xx")
	require.Error(t, err)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	assert.EqualValues(t, 1, calls.Load())
}

func TestFetchCardsRejectsMalformedPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":`))
	}))
	defer srv.Close()

	client, err := New(srv.URL, fastRetry())
	require.NoError(t, err)
	_, err = client.FetchCards(context.Background(), "")
	require.ErrorContains(t, err, "decode catalog response")
}

func TestFetchImageFromURLAndPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("remote-bytes"))
	}))
	defer srv.Close()

	local := filepath.Join(t.TempDir(), "card.png")
	require.NoError(t, os.WriteFile(local, []byte("local-bytes"), 0o644))

	client, err := New(srv.URL, fastRetry())
	require.NoError(t, err)

	data, err := client.FetchImage(context.Background(), srv.URL+"/card.jpg")
	require.NoError(t, err)
	assert.Equal(t, "remote-bytes", string(data))

	data, err = client.FetchImage(context.Background(), local)
	require.NoError(t, err)
	assert.Equal(t, "local-bytes", string(data))

	_, err = client.FetchImage(context.Background(), filepath.Join(t.TempDir(), "missing.png"))
	require.Error(t, err)

	_, err = client.FetchImage(context.Background(), " ")
	require.Error(t, err)
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New("  ")
	require.Error(t, err)
}
