package session

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	manager, err := NewManager(NewStore(time.Hour), ManagerConfig{
		CookieName:   "chat",
		CookieSecret: "0123456789abcdef0123456789abcdef",
		IdleTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return manager
}

func TestManagerResolveCreatesSessionAndCookie(t *testing.T) {
	manager := newTestManager(t)

	rec := httptest.NewRecorder()
	st, err := manager.Resolve(rec, httptest.NewRequest(http.MethodGet, "/v1/session", nil))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if rec.Header().Get(HeaderSessionID) != st.ID {
		t.Fatalf("%s = %q", HeaderSessionID, rec.Header().Get(HeaderSessionID))
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != "chat" || !cookies[0].HttpOnly {
		t.Fatalf("cookies = %+v", cookies)
	}

	next := httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	next.AddCookie(cookies[0])
	again, err := manager.Resolve(httptest.NewRecorder(), next)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if again != st {
		t.Fatal("cookie should resolve to the same session")
	}
	if manager.Store().Len() != 1 {
		t.Fatalf("Len() = %d", manager.Store().Len())
	}
}

func TestManagerResolvePrefersSessionHeader(t *testing.T) {
	manager := newTestManager(t)
	named := manager.Store().Create()

	req := httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	req.Header.Set(HeaderSessionID, named.ID)
	rec := httptest.NewRecorder()
	st, err := manager.Resolve(rec, req)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if st != named {
		t.Fatal("header should select the named session")
	}
	if len(rec.Result().Cookies()) != 0 {
		t.Fatal("header-resolved sessions do not set cookies")
	}
}

func TestManagerResolveIgnoresUnknownHeaderAndTamperedCookie(t *testing.T) {
	manager := newTestManager(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	req.Header.Set(HeaderSessionID, "does-not-exist")
	req.AddCookie(&http.Cookie{Name: "chat", Value: "tampered"})
	st, err := manager.Resolve(httptest.NewRecorder(), req)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if st.ID == "does-not-exist" {
		t.Fatal("unknown header id must not be adopted")
	}
}

func TestManagerForgetDeletesSession(t *testing.T) {
	manager := newTestManager(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	st, err := manager.Resolve(rec, req)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	forgetRec := httptest.NewRecorder()
	if err := manager.Forget(forgetRec, httptest.NewRequest(http.MethodDelete, "/v1/session", nil), st); err != nil {
		t.Fatalf("Forget() error = %v", err)
	}
	if _, ok := manager.Store().Get(st.ID); ok {
		t.Fatal("session should be deleted")
	}
	cookies := forgetRec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].MaxAge >= 0 {
		t.Fatalf("cookies = %+v", cookies)
	}
}
