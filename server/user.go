package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"

	"github.com/ndlib/npmstore/packages"
)

// the body of the login request npm sends
type loginRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

// LoginHandler handles PUT /-/user/org.couchdb.user::user, exchanging a
// password for a token.
func (s *RESTServer) LoginHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	user := ps.ByName("arg")
	var req loginRequest
	err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&req)
	if err != nil {
		writeError(w, errors.Wrapf(packages.ErrBadRequest, "decoding login: %v", err))
		return
	}
	if req.Name == "" {
		req.Name = user
	} else if req.Name != user {
		writeError(w, errors.Wrapf(packages.ErrBadRequest, "user %q does not match %q", req.Name, user))
		return
	}
	token, err := s.Auth.Authenticate(r.Context(), req.Name, req.Password)
	if err != nil {
		if packages.Kind(err) == nil {
			err = errors.Wrap(packages.ErrUnauthorized, err.Error())
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"ok":    true,
		"id":    loginPrefix + req.Name,
		"token": token,
	})
}

// WhoamiHandler handles GET /-/whoami.
func WhoamiHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"username": ps.ByName("username")})
}

// LogoutHandler handles DELETE /-/user/token/:token. Users may revoke their
// own token. Admins may revoke any.
func (s *RESTServer) LogoutHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	target := ps.ByName("arg")
	if target != ps.ByName("token") && ps.ByName("role") != packages.RoleAdmin.String() {
		writeError(w, errors.Wrap(packages.ErrForbidden, "not your token"))
		return
	}
	err := s.Auth.Revoke(r.Context(), target)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// PingHandler handles GET /-/ping.
func PingHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	writeJSON(w, http.StatusOK, struct{}{})
}
