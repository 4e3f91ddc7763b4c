// Package reference parses target references submitted at intake into the canonical identity of the
// resource they point at.
package reference

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// Kind is the flavour of resource implied by the shape of the reference.
type Kind string

const (
	KindVideo Kind = "video"
	KindShort Kind = "short"
	KindLive  Kind = "live"
)

// Reference is a parsed target reference.
type Reference struct {
	Raw string
	// Key is the canonical resource id. Two references with the same Key point at the same resource.
	Key  string
	Kind Kind
}

var (
	ErrMalformed = errors.New("malformed reference")

	resourceIdPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{6,64}$`)

	pathKinds = map[string]Kind{
		"shorts": KindShort,
		"live":   KindLive,
		"embed":  KindVideo,
		"v":      KindVideo,
	}
)

// Parse extracts the resource id from references of the forms
//
//	https://youtu.be/<id>
//	https://[www.|m.]youtube.com/watch?v=<id>
//	https://[www.|m.]youtube.com/{shorts,live,embed,v}/<id>
//	https://www.youtube-nocookie.com/embed/<id>
//
// Any other shape is ErrMalformed.
func Parse(raw string) (Reference, error) {
	trimmed := strings.TrimSpace(raw)
	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" {
		return Reference{}, errors.Wrapf(ErrMalformed, "%q is not an absolute url", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Reference{}, errors.Wrapf(ErrMalformed, "%q has unsupported scheme %q", raw, u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	host = strings.TrimPrefix(host, "m.")

	var id string
	kind := KindVideo
	switch host {
	case "youtu.be":
		id = strings.Trim(u.Path, "/")
	case "youtube.com", "youtube-nocookie.com":
		segments := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(segments) == 1 && segments[0] == "watch" {
			id = u.Query().Get("v")
		} else if len(segments) == 2 {
			pathKind, ok := pathKinds[segments[0]]
			if !ok {
				return Reference{}, errors.Wrapf(ErrMalformed, "%q has unsupported path %q", raw, u.Path)
			}
			kind = pathKind
			id = segments[1]
		}
	default:
		return Reference{}, errors.Wrapf(ErrMalformed, "%q has unsupported host %q", raw, u.Hostname())
	}

	if !resourceIdPattern.MatchString(id) {
		return Reference{}, errors.Wrapf(ErrMalformed, "%q does not contain a valid resource id", raw)
	}
	return Reference{Raw: trimmed, Key: id, Kind: kind}, nil
}

// IsMalformed returns true if err was returned by Parse for an unparseable reference.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformed)
}
