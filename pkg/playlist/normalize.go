// Package playlist implements media URL normalization and idempotent
// playlist insertion.
package playlist

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/gabrielmiguelok/watchsync/pkg/session"
)

// Provider identifies the hosting service of a media URL.
type Provider string

const (
	ProviderYouTube  Provider = "youtube"
	ProviderVimeo    Provider = "vimeo"
	ProviderFacebook Provider = "facebook"
	ProviderTwitch   Provider = "twitch"
	ProviderOther    Provider = "other"
)

var (
	youtubeID = regexp.MustCompile(`(?i)(?:youtube\.com/(?:[^/]+/.+/|(?:v|e(?:mbed)?)/|.*[?&]v=)|youtu\.be/)([^"&?/\s]{11})`)
	vimeoID   = regexp.MustCompile(`(?i)vimeo\.com/(?:video/)?(\d+)`)
	shortsID  = regexp.MustCompile(`(?i)youtube\.com/shorts/([^"&?/\s]{11})`)
	shortLink = regexp.MustCompile(`(?i)^https?://youtu\.be/([^"&?/\s]{11})`)
)

// Default thumbnails per provider.
const (
	thumbYouTubeFallback = "https://i.imgur.com/MJ6SogY.png"
	thumbVimeo           = "https://i.imgur.com/HRjbr8L.png"
	thumbFacebook        = "https://i.imgur.com/VbYMzK5.png"
	thumbTwitch          = "https://i.imgur.com/1biVLCh.png"
	thumbOther           = "https://i.imgur.com/MmXXUmY.png"
)

// Normalize converts a user-entered URL to its canonical form: the scheme
// defaults to https and YouTube short links and shorts are rewritten to
// the watch form.
func Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", session.Invalid("url", "must not be empty")
	}
	lower := strings.ToLower(s)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		s = "https://" + s
	}

	if m := shortsID.FindStringSubmatch(s); m != nil {
		s = "https://www.youtube.com/watch?v=" + m[1]
	} else if m := shortLink.FindStringSubmatch(s); m != nil {
		s = "https://www.youtube.com/watch?v=" + m[1]
	}

	u, err := url.Parse(s)
	if err != nil {
		return "", session.Invalid("url", "not a valid URL")
	}
	if u.Host == "" || strings.ContainsAny(u.Host, " \t") {
		return "", session.Invalid("url", "missing host")
	}
	return u.String(), nil
}

// Detect returns the provider hosting the URL.
func Detect(rawURL string) Provider {
	lower := strings.ToLower(rawURL)
	switch {
	case strings.Contains(lower, "youtube.com"), strings.Contains(lower, "youtu.be"):
		return ProviderYouTube
	case strings.Contains(lower, "vimeo.com"):
		return ProviderVimeo
	case strings.Contains(lower, "facebook.com"), strings.Contains(lower, "fb.watch"):
		return ProviderFacebook
	case strings.Contains(lower, "twitch.tv"):
		return ProviderTwitch
	default:
		return ProviderOther
	}
}

// ContentID extracts the provider's own content id from the URL.
func ContentID(rawURL string) (string, bool) {
	switch Detect(rawURL) {
	case ProviderYouTube:
		if m := youtubeID.FindStringSubmatch(rawURL); m != nil {
			return m[1], true
		}
	case ProviderVimeo:
		if m := vimeoID.FindStringSubmatch(rawURL); m != nil {
			return m[1], true
		}
	}
	return "", false
}

// CanonicalID derives a deterministic item id from a normalized URL, so
// independent submissions of the same content get the same id.
func CanonicalID(normalizedURL string) string {
	id, ok := ContentID(normalizedURL)
	if ok {
		switch Detect(normalizedURL) {
		case ProviderYouTube:
			return id
		case ProviderVimeo:
			return "vimeo-" + id
		}
	}
	return "video-" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(normalizedURL)).String()
}

// DefaultThumbnail returns the thumbnail used when none was submitted.
func DefaultThumbnail(normalizedURL string) string {
	switch Detect(normalizedURL) {
	case ProviderYouTube:
		if id, ok := ContentID(normalizedURL); ok {
			return "https://img.youtube.com/vi/" + id + "/hqdefault.jpg"
		}
		return thumbYouTubeFallback
	case ProviderVimeo:
		return thumbVimeo
	case ProviderFacebook:
		return thumbFacebook
	case ProviderTwitch:
		return thumbTwitch
	default:
		return thumbOther
	}
}

// DefaultTitle returns the title used when none was submitted.
func DefaultTitle(normalizedURL string) string {
	id, ok := ContentID(normalizedURL)
	switch Detect(normalizedURL) {
	case ProviderYouTube:
		if ok {
			return "YouTube Video (" + id + ")"
		}
		return "YouTube Video"
	case ProviderVimeo:
		if ok {
			return "Vimeo Video (" + id + ")"
		}
		return "Vimeo Video"
	}
	if u, err := url.Parse(normalizedURL); err == nil && u.Host != "" {
		return "Video (" + u.Host + ")"
	}
	return "Video"
}
