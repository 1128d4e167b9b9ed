package server

import (
	"net/url"
	"strings"
)

// routeKind identifies which part of the API a request path addresses.
type routeKind int

const (
	routeUnknown routeKind = iota
	routeWelcome
	routePing
	routeWhoami
	routeLogin   // Arg is the user name
	routeToken   // Arg is the token
	routeFixity  // search across every package
	routeFixityPackage
	routeVars
	routePackage
	routeVersion // Arg is a version or a dist-tag
	routeTarball // Arg is the file name
)

// An apiPath is a parsed request path.
type apiPath struct {
	Kind routeKind
	Name string // package name, unescaped
	Arg  string
}

const loginPrefix = "org.couchdb.user:"

// ParsePath splits the escaped path of a request. npm clients send scoped
// package names both as "/@scope%2fname" and as "/@scope/name", so both are
// recognized. Paths matching nothing have the kind routeUnknown.
func ParsePath(escaped string) apiPath {
	p := strings.TrimPrefix(escaped, "/")
	if p == "" {
		return apiPath{Kind: routeWelcome}
	}
	segments := strings.Split(p, "/")
	for i := range segments {
		s, err := url.PathUnescape(segments[i])
		if err != nil {
			return apiPath{}
		}
		segments[i] = s
	}
	if segments[0] == "-" {
		return parseSpecial(segments[1:])
	}
	var result apiPath
	switch {
	case strings.HasPrefix(segments[0], "@") && strings.Contains(segments[0], "/"):
		result.Name = segments[0]
		segments = segments[1:]
	case strings.HasPrefix(segments[0], "@"):
		if len(segments) < 2 {
			return apiPath{}
		}
		result.Name = segments[0] + "/" + segments[1]
		segments = segments[2:]
	default:
		result.Name = segments[0]
		segments = segments[1:]
	}
	if result.Name == "" || strings.HasSuffix(result.Name, "/") {
		return apiPath{}
	}
	switch {
	case len(segments) == 0:
		result.Kind = routePackage
	case len(segments) == 1 && segments[0] != "" && segments[0] != "-":
		result.Kind = routeVersion
		result.Arg = segments[0]
	case len(segments) == 2 && segments[0] == "-" && segments[1] != "":
		result.Kind = routeTarball
		result.Arg = segments[1]
	default:
		return apiPath{}
	}
	return result
}

// parseSpecial handles the paths beginning with "/-/".
func parseSpecial(segments []string) apiPath {
	switch len(segments) {
	case 1:
		switch segments[0] {
		case "ping":
			return apiPath{Kind: routePing}
		case "whoami":
			return apiPath{Kind: routeWhoami}
		case "fixity":
			return apiPath{Kind: routeFixity}
		}
	case 2:
		switch {
		case segments[0] == "user" && strings.HasPrefix(segments[1], loginPrefix):
			user := strings.TrimPrefix(segments[1], loginPrefix)
			if user != "" {
				return apiPath{Kind: routeLogin, Arg: user}
			}
		case segments[0] == "debug" && segments[1] == "vars":
			return apiPath{Kind: routeVars}
		case segments[0] == "fixity" && segments[1] != "":
			return apiPath{Kind: routeFixityPackage, Name: segments[1]}
		}
	case 3:
		switch {
		case segments[0] == "user" && segments[1] == "token" && segments[2] != "":
			return apiPath{Kind: routeToken, Arg: segments[2]}
		case segments[0] == "fixity" && strings.HasPrefix(segments[1], "@"):
			return apiPath{Kind: routeFixityPackage, Name: segments[1] + "/" + segments[2]}
		}
	}
	return apiPath{}
}
