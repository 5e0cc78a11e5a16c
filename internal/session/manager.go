package session

import (
	"crypto/rand"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/sessions"
)

// HeaderSessionID lets non-browser clients name their session explicitly.
const HeaderSessionID = "X-Session-ID"

const cookieValueKey = "sid"

type ManagerConfig struct {
	CookieName   string
	CookieSecret string
	SecureCookie bool
	IdleTTL      time.Duration
}

// Manager resolves the session of an HTTP request from the session header or
// the signed session cookie, creating one when neither names a live session.
type Manager struct {
	store      *Store
	cookies    *sessions.CookieStore
	cookieName string
}

func NewManager(store *Store, cfg ManagerConfig) (*Manager, error) {
	secret := []byte(cfg.CookieSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate cookie secret: %w", err)
		}
	}
	cookies := sessions.NewCookieStore(secret)
	cookies.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(cfg.IdleTTL / time.Second),
		HttpOnly: true,
		Secure:   cfg.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	}
	name := cfg.CookieName
	if name == "" {
		name = "sqlassist_session"
	}
	return &Manager{store: store, cookies: cookies, cookieName: name}, nil
}

func (m *Manager) Store() *Store {
	return m.store
}

func (m *Manager) Resolve(w http.ResponseWriter, r *http.Request) (*State, error) {
	if st, ok := m.store.Get(r.Header.Get(HeaderSessionID)); ok {
		w.Header().Set(HeaderSessionID, st.ID)
		return st, nil
	}

	// A cookie that fails to decode still yields a fresh session to save into.
	cookie, _ := m.cookies.Get(r, m.cookieName)
	if id, ok := cookie.Values[cookieValueKey].(string); ok {
		if st, ok := m.store.Get(id); ok {
			w.Header().Set(HeaderSessionID, st.ID)
			return st, nil
		}
	}

	st := m.store.Create()
	cookie.Values[cookieValueKey] = st.ID
	if err := cookie.Save(r, w); err != nil {
		m.store.Delete(st.ID)
		return nil, fmt.Errorf("save session cookie: %w", err)
	}
	w.Header().Set(HeaderSessionID, st.ID)
	return st, nil
}

// Forget deletes st and expires the session cookie.
func (m *Manager) Forget(w http.ResponseWriter, r *http.Request, st *State) error {
	m.store.Delete(st.ID)
	cookie, _ := m.cookies.Get(r, m.cookieName)
	cookie.Options.MaxAge = -1
	delete(cookie.Values, cookieValueKey)
	if err := cookie.Save(r, w); err != nil {
		return fmt.Errorf("expire session cookie: %w", err)
	}
	return nil
}
