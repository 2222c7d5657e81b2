package portal

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"checkinbot/internal/recognizer"
)

// fakePortal mimics the CAS login and check-in pages closely enough to
// drive Client end to end.
type fakePortal struct {
	*httptest.Server

	mu          sync.Mutex
	users       map[string]string
	codes       map[string]string // visit cookie -> captcha code
	sessions    map[string]string // auth cookie -> user
	checkedIn   map[string]bool
	visits      int
	captchas    int
	dropToken   bool
	homeStatus  int // non-zero replaces the landing page with an error
	ignoreForm  bool // accept check-in POSTs without recording success
	checkinForm url.Values
	checkinPost int
	stayPost    int
	loginForm   url.Values
}

func newFakePortal(t *testing.T) *fakePortal {
	f := &fakePortal{
		users:     map[string]string{"2020001": "secret"},
		codes:     map[string]string{},
		sessions:  map[string]string{},
		checkedIn: map[string]bool{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", f.home)
	mux.HandleFunc("/cas/login", f.login)
	mux.HandleFunc("/cas/captcha", f.captcha)
	mux.HandleFunc("/checkin", f.checkin)
	mux.HandleFunc("/arrsh", f.stay)
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakePortal) config() Config {
	cfg := DefaultConfig()
	cfg.LandingURL = f.URL + "/"
	cfg.CaptchaURL = f.URL + "/cas/captcha"
	cfg.CheckinURL = f.URL + "/checkin"
	return cfg
}

func (f *fakePortal) user(r *http.Request) (string, bool) {
	c, err := r.Cookie("auth")
	if err != nil {
		return "", false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.sessions[c.Value]
	return u, ok
}

func (f *fakePortal) home(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	f.mu.Lock()
	code := f.homeStatus
	f.mu.Unlock()
	if code != 0 {
		http.Error(w, "<html><body>Bad Gateway</body></html>", code)
		return
	}
	u, ok := f.user(r)
	if !ok {
		http.Redirect(w, r, "/cas/login?service=home", http.StatusFound)
		return
	}
	f.mu.Lock()
	status := "pending"
	if f.checkedIn[u] {
		status = "success"
	}
	f.mu.Unlock()
	fmt.Fprintf(w, `<html><body><div class="form-group"><p>%s</p></div><div class="form-group">success</div></body></html>`, status)
}

func (f *fakePortal) loginPage(w http.ResponseWriter) {
	f.mu.Lock()
	f.visits++
	visit := fmt.Sprintf("v%d", f.visits)
	drop := f.dropToken
	f.mu.Unlock()
	http.SetCookie(w, &http.Cookie{Name: "visit", Value: visit, Path: "/"})
	token := `<input type="hidden" name="execution" value="e1s1">`
	if drop {
		token = ""
	}
	fmt.Fprintf(w, `<html><body><form method="post"><input name="username">%s</form></body></html>`, token)
}

func (f *fakePortal) login(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		f.loginPage(w)
		return
	}
	r.ParseForm()
	visit, _ := r.Cookie("visit")

	f.mu.Lock()
	f.loginForm = r.PostForm
	var code string
	if visit != nil {
		code = f.codes[visit.Value]
	}
	ok := r.PostForm.Get("execution") == "e1s1" &&
		code != "" && r.PostForm.Get("validateCode") == code &&
		f.users[r.PostForm.Get("username")] == r.PostForm.Get("password")
	if ok {
		tok := fmt.Sprintf("tok-%s-%d", r.PostForm.Get("username"), f.visits)
		f.sessions[tok] = r.PostForm.Get("username")
		http.SetCookie(w, &http.Cookie{Name: "auth", Value: tok, Path: "/"})
	}
	f.mu.Unlock()

	if ok {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	f.loginPage(w)
}

func (f *fakePortal) captcha(w http.ResponseWriter, r *http.Request) {
	visit, err := r.Cookie("visit")
	if err != nil {
		http.Error(w, "no visit", http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.captchas++
	code := fmt.Sprintf("%02d", f.captchas%100)
	f.codes[visit.Value] = code
	f.mu.Unlock()
	w.Write([]byte("img:" + code))
}

func (f *fakePortal) checkin(w http.ResponseWriter, r *http.Request) {
	u, ok := f.user(r)
	if !ok {
		http.Redirect(w, r, "/cas/login", http.StatusFound)
		return
	}
	r.ParseForm()
	f.mu.Lock()
	f.checkinPost++
	f.checkinForm = r.PostForm
	if !f.ignoreForm {
		f.checkedIn[u] = true
	}
	f.mu.Unlock()
	w.Write([]byte("ok"))
}

func (f *fakePortal) stay(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.stayPost++
	f.mu.Unlock()
	w.Write([]byte("ok"))
}

// readingRecognizer decodes the fake captcha, optionally getting the first
// wrong guesses wrong.
func readingRecognizer(wrong int) recognizer.Recognizer {
	var mu sync.Mutex
	return recognizer.Func(func(_ context.Context, image []byte) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if wrong > 0 {
			wrong--
			return "xx", nil
		}
		return strings.TrimPrefix(string(image), "img:"), nil
	})
}
