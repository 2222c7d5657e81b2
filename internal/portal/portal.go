// Package portal speaks the check-in portal's HTTP protocol: a CAS login
// guarded by an image captcha, then a daily check-in form.
package portal

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"checkinbot/internal/domain"
	"checkinbot/internal/recognizer"
)

const (
	DefaultLandingURL = "https://dk.shmtu.edu.cn/"
	DefaultCaptchaURL = "https://cas.shmtu.edu.cn/cas/captcha"
	DefaultUserAgent  = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/80.0.3987.87 Safari/537.36"
)

type Config struct {
	LandingURL         string
	CaptchaURL         string
	CheckinURL         string
	StayURL            string // optional stay declaration, posted after check-in
	UserAgent          string
	Timeout            time.Duration
	InsecureSkipVerify bool
	RequestsPerSecond  float64 // 0 disables pacing
	SuccessMarker      string
}

func DefaultConfig() Config {
	return Config{
		LandingURL:    DefaultLandingURL,
		CaptchaURL:    DefaultCaptchaURL,
		CheckinURL:    DefaultLandingURL + "checkin",
		UserAgent:     DefaultUserAgent,
		Timeout:       30 * time.Second,
		SuccessMarker: DefaultSuccessMarker,
	}
}

// Client holds what every session shares: endpoints, the transport and the
// request pacer. Per-account state lives in Session.
type Client struct {
	cfg       Config
	landing   *url.URL
	transport http.RoundTripper
	limiter   *rate.Limiter
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.LandingURL == "" || cfg.CaptchaURL == "" || cfg.CheckinURL == "" {
		return nil, fmt.Errorf("landing, captcha and checkin URLs are required")
	}
	landing, err := url.Parse(cfg.LandingURL)
	if err != nil {
		return nil, fmt.Errorf("invalid landing URL: %w", err)
	}
	if cfg.SuccessMarker == "" {
		cfg.SuccessMarker = DefaultSuccessMarker
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Client{cfg: cfg, landing: landing, transport: transport, limiter: limiter}, nil
}

// Open starts a fresh session with an empty cookie jar.
func (c *Client) Open() (*Session, error) {
	return newSession(c.transport, c.cfg, c.limiter)
}

// Authenticate logs acct in on s. A wrong captcha guess or wrong
// credentials yield false with a nil error; the next call fetches a new
// captcha.
func (c *Client) Authenticate(ctx context.Context, s *Session, acct domain.Account, rec recognizer.Recognizer) (bool, error) {
	logger := log.With().Str("account", acct.ID).Str("session", s.ID).Logger()

	home, err := s.Get(ctx, c.cfg.LandingURL)
	if err != nil {
		return false, err
	}
	if home.Status >= 400 {
		return false, fmt.Errorf("%w: login page HTTP %d", ErrTransport, home.Status)
	}
	execution, err := HiddenField(home.Body, ExecutionField)
	if err != nil {
		return false, err
	}

	// The captcha must be fetched on the same visit as the execution token.
	captcha, err := s.Get(ctx, c.cfg.CaptchaURL)
	if err != nil {
		return false, err
	}
	if captcha.Status >= 400 {
		return false, fmt.Errorf("%w: captcha HTTP %d", ErrTransport, captcha.Status)
	}

	logger.Debug().Msg("detecting captcha")
	guess, err := rec.Recognize(ctx, captcha.Body)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrRecognizer, err)
	}
	logger.Debug().Str("guess", guess).Msg("captcha detected")

	form := url.Values{
		"username":     {acct.ID},
		"password":     {acct.Secret},
		"validateCode": {guess},
		"execution":    {execution},
		"_eventId":     {"submit"},
		"geolocation":  {""},
	}
	post, err := s.PostForm(ctx, home.URL.String(), form)
	if err != nil {
		return false, err
	}
	logger.Info().Str("landed", post.URL.String()).Msg("login submitted")
	return c.isLanding(post.URL), nil
}

// Checkin submits the daily form for acct on an authenticated session and
// verifies it by re-reading the landing page. When the page already shows
// success nothing is submitted, so repeated calls are safe.
func (c *Client) Checkin(ctx context.Context, s *Session, acct domain.Account) (bool, error) {
	logger := log.With().Str("account", acct.ID).Str("session", s.ID).Logger()

	done, err := c.Verify(ctx, s)
	if err != nil {
		return false, err
	}
	if done {
		logger.Info().Msg("already checked in")
		return true, nil
	}

	region := strconv.Itoa(acct.WithDefaults().Region)
	form := url.Values{
		"xgh":    {acct.ID},
		"lon":    {""},
		"lat":    {""},
		"region": {region},
		"rylx":   {"4"},
		"status": {"0"},
	}
	if _, err := s.PostForm(ctx, c.cfg.CheckinURL, form); err != nil {
		return false, err
	}
	logger.Info().Msg("checkin submitted")

	if c.cfg.StayURL != "" {
		stay := url.Values{"xgh": {acct.ID}, "region": {region}}
		if _, err := s.PostForm(ctx, c.cfg.StayURL, stay); err != nil {
			logger.Warn().Err(err).Msg("stay declaration failed")
		}
	}

	return c.Verify(ctx, s)
}

// Verify reports whether the landing page currently shows a completed
// check-in.
func (c *Client) Verify(ctx context.Context, s *Session) (bool, error) {
	home, err := s.Get(ctx, c.cfg.LandingURL)
	if err != nil {
		return false, err
	}
	if home.Status >= 400 {
		return false, fmt.Errorf("%w: landing page HTTP %d", ErrTransport, home.Status)
	}
	return IndicatesSuccess(home.Body, c.cfg.SuccessMarker)
}

func (c *Client) isLanding(u *url.URL) bool {
	return u != nil && u.String() == c.landing.String()
}
