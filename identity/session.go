/*
Copyright 2022 The GAS Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package identity

import (
	"net/http"

	"github.com/gorilla/sessions"
)

const (
	sessionName = "gas-session"
	userIDKey   = "user_id"
)

// Sessions reads and writes the browser session cookie. Only the user id
// lives in the cookie; roles are always read fresh from the directory so an
// upgrade is visible immediately.
type Sessions struct {
	store *sessions.CookieStore
}

// NewSessions builds a session reader around the cookie signing secret.
func NewSessions(secret []byte) *Sessions {
	return &Sessions{store: sessions.NewCookieStore(secret)}
}

// UserID extracts the authenticated user from the request cookie. The
// second return is false for anonymous or tampered sessions.
func (s *Sessions) UserID(r *http.Request) (string, bool) {
	session, err := s.store.Get(r, sessionName)
	if err != nil {
		return "", false
	}
	id, ok := session.Values[userIDKey].(string)
	return id, ok && id != ""
}

// Login writes the user id into a fresh session cookie.
func (s *Sessions) Login(w http.ResponseWriter, r *http.Request, userID string) error {
	// Get returns a usable fresh session even when the inbound cookie
	// fails to decode.
	session, _ := s.store.Get(r, sessionName)
	session.Values[userIDKey] = userID
	return session.Save(r, w)
}

// Logout drops the session cookie.
func (s *Sessions) Logout(w http.ResponseWriter, r *http.Request) error {
	session, _ := s.store.Get(r, sessionName)
	session.Options.MaxAge = -1
	return session.Save(r, w)
}
