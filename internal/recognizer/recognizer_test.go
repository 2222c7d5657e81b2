package recognizer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateGuess(t *testing.T) {
	tests := []struct {
		guess   string
		length  int
		wantErr bool
	}{
		{"42", 2, false},
		{"07", 2, false},
		{"4", 2, true},
		{"421", 2, true},
		{"4a", 2, true},
		{"", 2, true},
		{"1234", 4, false},
	}
	for _, tt := range tests {
		t.Run(tt.guess, func(t *testing.T) {
			err := ValidateGuess(tt.guess, tt.length)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedGuess)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLabelsToString(t *testing.T) {
	assert.Equal(t, "98", LabelsToString([]int{9, 8}))
	assert.Equal(t, "05", LabelsToString([]int{0, 5}))
}

func TestAdapterRejectsMalformedGuess(t *testing.T) {
	a := NewAdapter(Func(func(context.Context, []byte) (string, error) { return "123", nil }), 2, 1)
	_, err := a.Recognize(context.Background(), []byte("img"))
	assert.ErrorIs(t, err, ErrMalformedGuess)
}

func TestAdapterPassesBackendError(t *testing.T) {
	boom := errors.New("model crashed")
	a := NewAdapter(Func(func(context.Context, []byte) (string, error) { return "", boom }), 2, 1)
	_, err := a.Recognize(context.Background(), []byte("img"))
	assert.ErrorIs(t, err, boom)
}

func TestAdapterBoundsConcurrency(t *testing.T) {
	var inFlight, peak int32
	backend := Func(func(ctx context.Context, image []byte) (string, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return string(image), nil
	})
	a := NewAdapter(backend, 2, 2)

	var wg sync.WaitGroup
	results := make([]string, 6)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			img := []byte{byte('0' + i), byte('0' + i)}
			guess, err := a.Recognize(context.Background(), img)
			assert.NoError(t, err)
			results[i] = guess
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	for i, r := range results {
		assert.Equal(t, string([]byte{byte('0' + i), byte('0' + i)}), r, "result attributed to wrong request")
	}
}

func TestAdapterHonoursContextWhileWaiting(t *testing.T) {
	release := make(chan struct{})
	backend := Func(func(context.Context, []byte) (string, error) {
		<-release
		return "11", nil
	})
	a := NewAdapter(backend, 2, 1)
	go a.Recognize(context.Background(), nil)
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.Recognize(ctx, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

func TestHTTPRecognize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "captcha-bytes", string(body))
		assert.Equal(t, http.MethodPost, r.Method)
		w.Write([]byte(`{"code":"37"}`))
	}))
	defer srv.Close()

	guess, err := NewHTTP(srv.URL, time.Second).Recognize(context.Background(), []byte("captcha-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "37", guess)
}

func TestHTTPRecognizeLabels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"labels":[0,4]}`))
	}))
	defer srv.Close()

	guess, err := NewHTTP(srv.URL, time.Second).Recognize(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "04", guess)
}

func TestHTTPRecognizeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTP(srv.URL, time.Second).Recognize(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestExecRecognize(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	guess, err := Exec{Command: "cat"}.Recognize(context.Background(), []byte(" 56\n"))
	require.NoError(t, err)
	assert.Equal(t, "56", guess)
}

func TestExecRequiresCommand(t *testing.T) {
	_, err := Exec{}.Recognize(context.Background(), nil)
	assert.Error(t, err)
}
