package sources

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/keshon/voice-dispatcher/pkg/retrylimit"
)

// Resolver picks the first matching source for an input. Failed lookups are
// retried per Retry, throttled by Limiter when set.
type Resolver struct {
	Sources []Source
	Retry   retrylimit.Config
	Limiter *retrylimit.AdaptiveLimiter
}

// NewResolver returns a resolver with every built-in source, most specific first.
func NewResolver() *Resolver {
	return &Resolver{
		Sources: []Source{
			NewSpotify(),
			NewYouTube(),
			NewSoundCloud(),
			NewDirect(),
		},
		Retry:   retrylimit.DefaultConfig(),
		Limiter: retrylimit.NewAdaptiveLimiter(2, 0.5, 5, 0.5),
	}
}

func (r *Resolver) Resolve(ctx context.Context, input string) ([]Track, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, fmt.Errorf("empty input: %w", ErrUnsupported)
	}

	for _, src := range r.Sources {
		if !src.Match(input) {
			continue
		}
		log.Debug().Str("component", "resolver").Str("source", src.SourceName()).Str("input", input).Msg("Resolving input")
		var tracks []Track
		err := retrylimit.Do(ctx, r.Retry, r.Limiter, func(ctx context.Context) error {
			var err error
			tracks, err = src.Resolve(ctx, input)
			if isPermanent(err) {
				return retrylimit.Permanent(err)
			}
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", src.SourceName(), err)
		}
		return tracks, nil
	}
	return nil, fmt.Errorf("no matching source for %q: %w", input, ErrUnsupported)
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrUnsupported) ||
		errors.Is(err, ErrNoAudioFormats) ||
		errors.Is(err, ErrEmptyPlaylist)
}

// Direct passes http(s) URLs and local files straight to the transcoder.
type Direct struct{}

func NewDirect() *Direct { return &Direct{} }

func (d *Direct) Match(input string) bool {
	if isURL(input) {
		return true
	}
	info, err := os.Stat(input)
	return err == nil && !info.IsDir()
}

func (d *Direct) Resolve(_ context.Context, input string) ([]Track, error) {
	return []Track{{
		URL:        input,
		Title:      input,
		Locator:    input,
		SourceName: SourceDirect,
	}}, nil
}

func (d *Direct) SourceName() string { return SourceDirect }

// Spotify links are recognised so they fail with a clear error instead of
// being handed to ffmpeg.
type Spotify struct{}

func NewSpotify() *Spotify { return &Spotify{} }

func (s *Spotify) Match(input string) bool { return IsSpotifyTrackLink(input) }

func (s *Spotify) Resolve(context.Context, string) ([]Track, error) {
	return nil, fmt.Errorf("spotify tracks are DRM protected: %w", ErrUnsupported)
}

func (s *Spotify) SourceName() string { return SourceSpotify }

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
