package auth_test

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/granary-farm/granary/internal/auth"
	"github.com/granary-farm/granary/internal/notify"
)

func subject(id string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{Subject: id}
}

type fakeUser struct {
	principal auth.Principal
	hash      string
}

// fakeDirectory is an in-memory UserStore and PrincipalLoader.
type fakeDirectory struct {
	mu     sync.Mutex
	users  map[string]*fakeUser
	logins int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{users: make(map[string]*fakeUser)}
}

func (d *fakeDirectory) add(p auth.Principal, password string) {
	hash := ""
	if password != "" {
		var err error
		hash, err = auth.HashPassword(password)
		if err != nil {
			panic(err)
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[p.ID] = &fakeUser{principal: p, hash: hash}
}

func (d *fakeDirectory) setActive(id string, active bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[id].principal.Active = active
}

func (d *fakeDirectory) LoadPrincipal(_ context.Context, userID string) (*auth.Principal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[userID]
	if !ok {
		return nil, auth.ErrUserNotFound
	}
	p := u.principal
	return &p, nil
}

func (d *fakeDirectory) FindCredentials(_ context.Context, email string) (*auth.Credentials, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range d.users {
		if u.principal.Email == email {
			return &auth.Credentials{UserID: u.principal.ID, Email: email, PasswordHash: u.hash, Active: u.principal.Active}, nil
		}
	}
	return nil, auth.ErrUserNotFound
}

func (d *fakeDirectory) CreateUser(_ context.Context, nu auth.NewUser) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range d.users {
		if u.principal.Email == nu.Email {
			return "", auth.ErrEmailTaken
		}
	}
	id := uuid.NewString()
	d.users[id] = &fakeUser{
		principal: auth.Principal{ID: id, Email: nu.Email, DisplayName: nu.DisplayName, Active: true, RoleName: "user"},
		hash:      nu.PasswordHash,
	}
	return id, nil
}

func (d *fakeDirectory) UpdatePassword(_ context.Context, userID, hash string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[userID]
	if !ok {
		return auth.ErrUserNotFound
	}
	u.hash = hash
	return nil
}

func (d *fakeDirectory) TouchLogin(context.Context, string, time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logins++
	return nil
}

type fakeFamily struct {
	userID     string
	generation int
	hash       string
	revoked    bool
}

// fakeSessions mirrors the rotation rules of RefreshTokenStore.
type fakeSessions struct {
	mu       sync.Mutex
	families map[string]*fakeFamily
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{families: make(map[string]*fakeFamily)}
}

func (s *fakeSessions) Open(_ context.Context, userID string, sign func(string) (string, error)) (string, error) {
	id := uuid.NewString()
	token, err := sign(id)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.families[id] = &fakeFamily{userID: userID, generation: 1, hash: auth.HashToken(token)}
	return token, nil
}

func (s *fakeSessions) Rotate(_ context.Context, familyID, presented string, gen int, newHash string) (*auth.TokenFamily, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.families[familyID]
	switch {
	case !ok:
		return nil, auth.ErrFamilyNotFound
	case f.revoked:
		return nil, auth.ErrFamilyRevoked
	case f.hash != presented || f.generation != gen:
		f.revoked = true
		return nil, auth.ErrTokenReuse
	}
	f.generation++
	f.hash = newHash
	return &auth.TokenFamily{ID: familyID, UserID: f.userID, CurrentGeneration: f.generation, CurrentTokenHash: newHash}, nil
}

func (s *fakeSessions) Revoke(_ context.Context, familyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.families[familyID]
	if !ok || f.revoked {
		return auth.ErrFamilyNotFound
	}
	f.revoked = true
	return nil
}

func (s *fakeSessions) RevokeAllForUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.families {
		if f.userID == userID {
			f.revoked = true
		}
	}
	return nil
}

func (s *fakeSessions) revoked(familyID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.families[familyID].revoked
}

type fakeReset struct {
	userID  string
	expires time.Time
	used    bool
}

type fakeResets struct {
	mu     sync.Mutex
	resets map[string]*fakeReset
	now    func() time.Time
}

func newFakeResets() *fakeResets {
	return &fakeResets{resets: make(map[string]*fakeReset), now: time.Now}
}

func (r *fakeResets) Create(_ context.Context, userID, hash string, expires time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets[hash] = &fakeReset{userID: userID, expires: expires}
	return nil
}

func (r *fakeResets) Consume(_ context.Context, hash string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs, ok := r.resets[hash]
	if !ok || rs.used || !r.now().Before(rs.expires) {
		return "", auth.ErrResetNotFound
	}
	rs.used = true
	return rs.userID, nil
}

// capturingNotifier records delivered messages.
type capturingNotifier struct {
	ch chan notify.Message
}

func newCapturingNotifier() *capturingNotifier {
	return &capturingNotifier{ch: make(chan notify.Message, 8)}
}

func (n *capturingNotifier) Notify(_ context.Context, msg notify.Message) error {
	n.ch <- msg
	return nil
}
