package vnc

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"sync"

	"github.com/xdg-go/scram"
	"github.com/xdg-go/stringprep"
)

const scramIterations = 4096

// UserStore holds the credentials the service authenticates against. The
// password is kept SASLprep-normalized for PLAIN, plus derived SCRAM
// stored credentials so cleartext never crosses the wire for that
// mechanism.
type UserStore struct {
	mu    sync.RWMutex
	users map[string]*storedUser
}

type storedUser struct {
	password string
	scram    scram.StoredCredentials
}

func NewUserStore() *UserStore {
	return &UserStore{users: map[string]*storedUser{}}
}

// Add registers or replaces a user.
func (s *UserStore) Add(username, password string) error {
	prepped, err := stringprep.SASLprep.Prepare(password)
	if err != nil {
		return fmt.Errorf("prepare password: %w", err)
	}

	client, err := scram.SHA256.NewClient(username, password, "")
	if err != nil {
		return fmt.Errorf("derive scram credentials: %w", err)
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return err
	}

	creds := client.GetStoredCredentials(scram.KeyFactors{
		Salt:  string(salt),
		Iters: scramIterations,
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	s.users[username] = &storedUser{password: prepped, scram: creds}

	return nil
}

func (s *UserStore) lookupPlain(username string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[username]
	if !ok {
		return "", false
	}

	return u.password, true
}

// CredentialLookup is the SCRAM server's view of the store.
func (s *UserStore) CredentialLookup(username string) (scram.StoredCredentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[username]
	if !ok {
		return scram.StoredCredentials{}, fmt.Errorf("unknown user %q", username)
	}

	return u.scram, nil
}

// authenticator runs one mechanism's server side over opaque messages.
type authenticator interface {
	// step consumes one client message and produces the next server
	// message. done reports a completed, successful exchange.
	step(clientMsg []byte) (serverMsg []byte, done bool, err error)
}

func newAuthenticator(mech string, store *UserStore) (authenticator, error) {
	switch mech {
	case MechPlain:
		return &plainAuth{store: store}, nil
	case MechScram:
		server, err := scram.SHA256.NewServer(store.CredentialLookup)
		if err != nil {
			return nil, err
		}

		return &scramAuth{conv: server.NewConversation()}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMechanism, mech)
	}
}

// plainAuth verifies the RFC 4616 message authzid NUL authcid NUL passwd.
type plainAuth struct {
	store *UserStore
}

func (a *plainAuth) step(clientMsg []byte) ([]byte, bool, error) {
	parts := bytes.Split(clientMsg, []byte{0})
	if len(parts) != 3 {
		return nil, false, fmt.Errorf("%w: malformed PLAIN message", ErrProtocolError)
	}

	authcid, err := stringprep.SASLprep.Prepare(string(parts[1]))
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	password, err := stringprep.SASLprep.Prepare(string(parts[2]))
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	stored, ok := a.store.lookupPlain(authcid)

	// Compare even for unknown users to keep timing flat.
	match := subtle.ConstantTimeCompare([]byte(password), []byte(stored))

	if !ok || match != 1 {
		return nil, false, ErrAuthFailed
	}

	return nil, true, nil
}

// scramAuth adapts a SCRAM-SHA-256 server conversation.
type scramAuth struct {
	conv *scram.ServerConversation
}

func (a *scramAuth) step(clientMsg []byte) ([]byte, bool, error) {
	resp, err := a.conv.Step(string(clientMsg))
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	if a.conv.Done() {
		if !a.conv.Valid() {
			return nil, false, ErrAuthFailed
		}

		return []byte(resp), true, nil
	}

	return []byte(resp), false, nil
}
