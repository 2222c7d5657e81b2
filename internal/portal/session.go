package portal

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// maxPageSize caps how much of a response body is kept.
const maxPageSize = 8 << 20

// Session is the cookie and header context of a single run. It is owned by
// that run and dropped when the run ends.
type Session struct {
	ID        string
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
}

// Page is a fully read response.
type Page struct {
	URL    *url.URL // final URL after redirects
	Status int
	Body   []byte
}

func (s *Session) Get(ctx context.Context, target string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return s.do(req)
}

func (s *Session) PostForm(ctx context.Context, target string, form url.Values) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return s.do(req)
}

// Cookies returns the cookies the session would send to target.
func (s *Session) Cookies(target *url.URL) []*http.Cookie {
	return s.client.Jar.Cookies(target)
}

func (s *Session) do(req *http.Request) (*Page, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(req.Context()); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransport, err)
		}
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrTransport, req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrTransport, req.URL, err)
	}
	return &Page{URL: resp.Request.URL, Status: resp.StatusCode, Body: body}, nil
}

func newSession(transport http.RoundTripper, cfg Config, limiter *rate.Limiter) (*Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	return &Session{
		ID: "ses_" + uuid.NewString(),
		client: &http.Client{
			Jar:       jar,
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		limiter:   limiter,
		userAgent: cfg.UserAgent,
	}, nil
}
