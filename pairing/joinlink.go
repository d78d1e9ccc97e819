package pairing

import (
	"net/url"
	"strings"
)

// JoinLink is the parsed form of a pairing link. RelayBaseURL is optional;
// when present it is an http(s) origin with no path, query or fragment.
type JoinLink struct {
	SessionID    string
	JoinToken    string
	RelayBaseURL string
}

// BuildJoinLink renders base#sid=...&jt=...&relay=... . The fragment keeps
// the credentials out of server logs and referer headers.
func BuildJoinLink(base string, link JoinLink) string {
	params := url.Values{}
	params.Set("sid", link.SessionID)
	params.Set("jt", link.JoinToken)
	if link.RelayBaseURL != "" {
		params.Set("relay", link.RelayBaseURL)
	}
	return base + "#" + params.Encode()
}

// ParseJoinLink accepts a full URL, a bare fragment ("#sid=...&jt=...") or a
// bare query string, and returns nil if no session ID and join token pair can
// be extracted.
func ParseJoinLink(raw string) *JoinLink {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}

	if link := fromParams(trimmed); link != nil {
		return link
	}
	if strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "?") {
		return nil
	}

	if parsed, err := url.Parse(trimmed); err == nil && parsed.Scheme != "" {
		if link := fromParams(parsed.Fragment); link != nil {
			return link
		}
		return fromParams(parsed.RawQuery)
	}

	if i := strings.Index(trimmed, "#"); i >= 0 {
		if link := fromParams(trimmed[i+1:]); link != nil {
			return link
		}
	}
	if i := strings.Index(trimmed, "?"); i >= 0 {
		if link := fromParams(trimmed[i+1:]); link != nil {
			return link
		}
	}
	return nil
}

func fromParams(rawParams string) *JoinLink {
	rawParams = strings.TrimLeft(rawParams, "#?")
	params, err := url.ParseQuery(rawParams)
	if err != nil {
		return nil
	}
	sessionID := params.Get("sid")
	joinToken := params.Get("jt")
	if sessionID == "" || joinToken == "" {
		return nil
	}
	return &JoinLink{
		SessionID:    sessionID,
		JoinToken:    joinToken,
		RelayBaseURL: normalizeRelayBaseURL(params.Get("relay")),
	}
}

// normalizeRelayBaseURL restricts the relay override to http/https origins,
// stripping any path, query or fragment. Anything else is discarded.
func normalizeRelayBaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ""
	}
	parsed.Path = ""
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return strings.TrimRight(parsed.String(), "/")
}
