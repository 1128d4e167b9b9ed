package server

import (
	"bufio"
	"context"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/ndlib/npmstore/packages"
)

// A UserList is the predefined list of users allowed to log in. It is read
// from a file having a sequence of user entries, separated by newlines.
// Each entry has the form:
//
//	<user name>  <role>  <bcrypt password hash>
//
// The fields are delineated by whitespace (spaces or tabs). The role is one of
// "Read", "Write", "Admin" (case insensitive). Empty lines and lines beginning
// with a hash '#' are skipped.
type UserList struct {
	m     sync.RWMutex
	users map[string]userEntry
}

type userEntry struct {
	role packages.Role
	hash []byte
}

// NewUserList parses the users in r.
func NewUserList(r io.Reader) (*UserList, error) {
	ul := &UserList{}
	err := ul.load(r)
	if err != nil {
		return nil, err
	}
	return ul, nil
}

// NewUserListFile is a convenience function that reads the contents of
// the given file into a UserList.
func NewUserListFile(fname string) (*UserList, error) {
	f, err := os.Open(fname)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return NewUserList(f)
}

// NewUserListString passes the given string into NewUserList.
func NewUserListString(data string) (*UserList, error) {
	return NewUserList(strings.NewReader(data))
}

// Reload replaces the list with the users in r. Tokens already issued stay
// valid only for users still in the list.
func (ul *UserList) Reload(r io.Reader) error {
	return ul.load(r)
}

func (ul *UserList) load(r io.Reader) error {
	users := make(map[string]userEntry)
	scanner := bufio.NewScanner(r)
	lineno := 0
	for scanner.Scan() {
		lineno++
		// split on whitespace
		pieces := strings.Fields(scanner.Text())
		// skip blank lines or lines beginning with a '#'
		if len(pieces) == 0 || pieces[0][0] == '#' {
			continue
		}
		if len(pieces) != 3 {
			log.Printf("user list line %d: expected 3 fields, got %d", lineno, len(pieces))
			continue
		}
		role := packages.ParseRole(pieces[1])
		if role == packages.RoleUnknown {
			log.Printf("user list line %d: unknown role %q", lineno, pieces[1])
			continue
		}
		users[pieces[0]] = userEntry{role: role, hash: []byte(pieces[2])}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	ul.m.Lock()
	ul.users = users
	ul.m.Unlock()
	return nil
}

// Check returns the role of user if password is correct.
func (ul *UserList) Check(user, password string) (packages.Role, bool) {
	ul.m.RLock()
	entry, ok := ul.users[user]
	ul.m.RUnlock()
	if !ok {
		return packages.RoleUnknown, false
	}
	err := bcrypt.CompareHashAndPassword(entry.hash, []byte(password))
	if err != nil {
		return packages.RoleUnknown, false
	}
	return entry.role, true
}

// Role returns the current role of user, RoleUnknown if there is no such user.
func (ul *UserList) Role(user string) packages.Role {
	ul.m.RLock()
	defer ul.m.RUnlock()
	return ul.users[user].role
}

// HashPassword returns the line to put into a user list for the given user.
func HashPassword(user string, role packages.Role, password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return user + " " + role.String() + " " + string(hash), nil
}

// TokenAuthority checks passwords against a UserList and hands out random
// bearer tokens, which are kept in a TokenStore.
type TokenAuthority struct {
	Users  *UserList
	Tokens TokenStore
	Clock  clock.Clock
}

var _ packages.CredentialAuthority = &TokenAuthority{}

func (ta *TokenAuthority) Authenticate(ctx context.Context, user, password string) (string, error) {
	role, ok := ta.Users.Check(user, password)
	if !ok {
		return "", errors.Wrapf(packages.ErrUnauthorized, "bad password for %q", user)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	token := uuid.NewString()
	err := ta.Tokens.SaveToken(token, packages.Identity{User: user, Role: role}, ta.now())
	if err != nil {
		return "", errors.Wrapf(packages.ErrStorage, "saving token: %v", err)
	}
	log.Printf("login %s (%s)", user, role)
	return token, nil
}

// Validate looks up the token. The role returned is the one the user has
// now, not the one at login.
func (ta *TokenAuthority) Validate(ctx context.Context, token string) (packages.Identity, error) {
	id, ok, err := ta.Tokens.LookupToken(token)
	if err != nil {
		return packages.Identity{}, errors.Wrapf(packages.ErrStorage, "looking up token: %v", err)
	}
	if !ok {
		return packages.Identity{}, errors.Wrap(packages.ErrUnauthorized, "unknown token")
	}
	id.Role = ta.Users.Role(id.User)
	if id.Role == packages.RoleUnknown {
		return packages.Identity{}, errors.Wrapf(packages.ErrUnauthorized, "user %q removed", id.User)
	}
	return id, nil
}

func (ta *TokenAuthority) Revoke(ctx context.Context, token string) error {
	err := ta.Tokens.DeleteToken(token)
	if err != nil {
		return errors.Wrapf(packages.ErrStorage, "deleting token: %v", err)
	}
	return nil
}

func (ta *TokenAuthority) now() time.Time {
	if ta.Clock == nil {
		return time.Now()
	}
	return ta.Clock.Now()
}

// NewNobodyAuthority returns a CredentialAuthority that accepts every
// password and every token as the user "nobody" with the Admin role.
// It is meant for development only.
func NewNobodyAuthority() packages.CredentialAuthority {
	return nobodyAuthority{}
}

type nobodyAuthority struct{}

func (nobodyAuthority) Authenticate(ctx context.Context, user, password string) (string, error) {
	return "nobody", nil
}

func (nobodyAuthority) Validate(ctx context.Context, token string) (packages.Identity, error) {
	return packages.Identity{User: "nobody", Role: packages.RoleAdmin}, nil
}

func (nobodyAuthority) Revoke(ctx context.Context, token string) error {
	return nil
}
