package dbi

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Locator is a parsed connection string
type Locator struct {
	Scheme   string
	Host     string
	Port     int // 0 when absent
	User     string
	Password string
	DBName   string     // server dialects: first path element
	Path     string     // file dialects: file system path
	Params   url.Values // query parameters, passed through to the driver
}

// ParseScheme splits "scheme://rest"; a string without a separator is a plain file path
func ParseScheme(s string) (scheme string, rest string, err error) {
	const schemeSeparator = "://"
	if s == "" {
		return "", "", fmt.Errorf("empty locator")
	}

	parts := strings.SplitN(s, schemeSeparator, 2)
	if len(parts) == 1 {
		return SchemeFile, s, nil
	}
	if parts[0] == "" {
		return "", "", fmt.Errorf("'%s' has an empty scheme", s)
	}

	return strings.ToLower(parts[0]), parts[1], nil
}

// ParseLocator splits a locator into its components
func ParseLocator(s string) (*Locator, error) {
	scheme, rest, err := ParseScheme(s)
	if err != nil {
		return nil, err
	}

	if scheme == SchemeFile || scheme == SchemeSQLite3 {
		var path = rest
		var params url.Values
		if i := strings.IndexByte(path, '?'); i >= 0 {
			if params, err = url.ParseQuery(path[i+1:]); err != nil {
				return nil, fmt.Errorf("invalid query in %q: %v", s, err)
			}
			path = path[:i]
		}
		if path == "" {
			return nil, fmt.Errorf("locator %q has no file path", s)
		}
		return &Locator{Scheme: scheme, Path: path, Params: params}, nil
	}

	u, err := url.Parse(scheme + "://" + rest)
	if err != nil {
		return nil, fmt.Errorf("invalid locator: %v", err)
	}

	var loc = &Locator{
		Scheme: scheme,
		Host:   u.Hostname(),
		DBName: strings.TrimPrefix(u.Path, "/"),
		Params: u.Query(),
	}
	if u.User != nil {
		loc.User = u.User.Username()
		loc.Password, _ = u.User.Password()
	}
	if p := u.Port(); p != "" {
		if loc.Port, err = strconv.Atoi(p); err != nil {
			return nil, fmt.Errorf("invalid port %q: %v", p, err)
		}
	}
	if loc.Host == "" {
		return nil, fmt.Errorf("locator %q has no host", SanitizeConn(s))
	}
	if loc.DBName == "" || strings.Contains(loc.DBName, "/") {
		return nil, fmt.Errorf("locator %q must name exactly one database", SanitizeConn(s))
	}

	return loc, nil
}

// SanitizeConn strips credentials from a locator for logging
func SanitizeConn(cs string) string {
	sanitized := cs
	u, _ := url.Parse(cs)
	if u != nil && u.User != nil {
		u.User = nil
		sanitized = u.String()
	}
	return sanitized
}
