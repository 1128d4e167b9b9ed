package server

import (
	"fmt"
	"net/http"

	"github.com/julienschmidt/httprouter"
)

// Version is the server version. It is set at build time with
//
//	go build -ldflags "-X github.com/ndlib/npmstore/server.Version=1.2.3"
var Version = "dev"

func WelcomeHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fmt.Fprintf(w, "npmstore (%s)\n", Version)
}
