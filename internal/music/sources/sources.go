// Package sources classifies links and resolves them into playable locators.
package sources

import (
	"context"
	"errors"
	"time"
)

const (
	SourceYouTube    = "youtube"
	SourceSoundCloud = "soundcloud"
	SourceSpotify    = "spotify"
	SourceDirect     = "direct"
)

var ErrUnsupported = errors.New("unsupported source")

// Track is one playable item. Locator is what the transcoder opens; URL is
// the link the user gave.
type Track struct {
	URL        string
	Title      string
	Locator    string
	SourceName string
	Duration   time.Duration
}

type Source interface {
	// Match checks if this source can handle the given input
	Match(input string) bool

	// Resolve turns an input into one or more playable tracks
	Resolve(ctx context.Context, input string) ([]Track, error)

	// SourceName returns the string identifier ("youtube", "soundcloud", etc.)
	SourceName() string
}
