package cnm

import (
	"fmt"
	"strings"
)

type Protocol string

const (
	ProtocolS3    Protocol = "s3"
	ProtocolHTTP  Protocol = "http"
	ProtocolHTTPS Protocol = "https"
	ProtocolSFTP  Protocol = "sftp"
)

var supportedProtocols = map[Protocol]bool{
	ProtocolS3:    true,
	ProtocolHTTP:  true,
	ProtocolHTTPS: true,
	ProtocolSFTP:  true,
}

// UnsupportedProtocolError is returned for a file URI that is empty, malformed,
// or uses a protocol other than s3, http, https or sftp.
type UnsupportedProtocolError struct {
	URI    string
	Reason string
}

func (e *UnsupportedProtocolError) Error() string {
	return fmt.Sprintf("unsupported file uri %q: %s", e.URI, e.Reason)
}

// Location is the decomposition of a file URI of the form protocol://host[/path][/name].
type Location struct {
	Protocol Protocol
	// Host is the bucket for s3 locations.
	Host string
	// Key is everything after the host; only meaningful for s3.
	Key string
	// Path is the directory portion of Key, without a leading or trailing slash.
	Path string
	Name string
}

// Bucket returns the bucket name of an s3 location, or "" for other protocols.
func (l Location) Bucket() string {
	if l.Protocol != ProtocolS3 {
		return ""
	}
	return l.Host
}

// ParseURI decomposes a CNM file URI. The remainder after the host is split by hand
// because s3 keys may legally contain characters such as '?' and '#'.
func ParseURI(uri string) (Location, error) {
	trimmed := strings.TrimSpace(uri)
	if trimmed == "" {
		return Location{}, &UnsupportedProtocolError{URI: uri, Reason: "uri is empty"}
	}

	scheme, rest, found := strings.Cut(trimmed, "://")
	if !found {
		return Location{}, &UnsupportedProtocolError{URI: uri, Reason: "missing protocol"}
	}
	protocol := Protocol(strings.ToLower(scheme))
	if !supportedProtocols[protocol] {
		return Location{}, &UnsupportedProtocolError{
			URI:    uri,
			Reason: fmt.Sprintf("protocol %q is not one of s3, http, https, sftp", scheme),
		}
	}

	host, key, _ := strings.Cut(rest, "/")
	if host == "" {
		return Location{}, &UnsupportedProtocolError{URI: uri, Reason: "missing host"}
	}

	loc := Location{Protocol: protocol, Host: host, Key: key, Name: key}
	if i := strings.LastIndex(key, "/"); i >= 0 {
		loc.Path = strings.Trim(key[:i], "/")
		loc.Name = key[i+1:]
	}
	return loc, nil
}
