package match

import (
	"net/url"
	"strings"

	"github.com/madeofus/scanner/internal/store"
)

// socialDomains are well-known platforms where a bare-domain allowlist entry
// must never suppress a match: a contributor's own instagram.com entry says
// nothing about instagram.com/impersonator. These only match by
// (platform, handle).
var socialDomains = map[string]string{
	"instagram.com":  "instagram",
	"twitter.com":    "twitter",
	"x.com":          "twitter",
	"tiktok.com":     "tiktok",
	"reddit.com":     "reddit",
	"deviantart.com": "deviantart",
	"civitai.com":    "civitai",
	"facebook.com":   "facebook",
	"linkedin.com":   "linkedin",
	"youtube.com":    "youtube",
}

// MatchKnownAccount checks a page URL against a contributor's allowlist.
// Social-platform URLs match only when the entry's platform and handle agree
// with the URL; custom personal domains match by domain alone.
func MatchKnownAccount(pageURL string, accounts []store.KnownAccount) (*store.KnownAccount, bool) {
	host, handle, ok := parsePage(pageURL)
	if !ok {
		return nil, false
	}

	platform, social := socialDomains[host]
	for i := range accounts {
		acct := &accounts[i]
		if social {
			if acct.Platform != "" && strings.EqualFold(acct.Platform, platform) &&
				acct.Handle != "" && strings.EqualFold(acct.Handle, handle) {
				return acct, true
			}
			continue
		}
		if acct.Domain != "" && strings.EqualFold(normalizeDomain(acct.Domain), host) {
			return acct, true
		}
	}
	return nil, false
}

// parsePage extracts the normalized host and the first path segment, which
// is the account handle on every platform in the social table.
func parsePage(pageURL string) (host, handle string, ok bool) {
	parsed, err := url.Parse(pageURL)
	if err != nil || parsed.Host == "" {
		return "", "", false
	}

	host = normalizeDomain(parsed.Host)
	for _, seg := range strings.Split(parsed.Path, "/") {
		if seg != "" {
			handle = strings.TrimPrefix(seg, "@")
			break
		}
	}
	return host, handle, true
}

func normalizeDomain(raw string) string {
	host := strings.ToLower(raw)
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	host = strings.TrimPrefix(host, "www.")
	return host
}
