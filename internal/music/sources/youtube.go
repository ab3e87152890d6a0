package sources

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kkdai/youtube/v2"
	"github.com/rs/zerolog/log"

	"github.com/keshon/voice-dispatcher/pkg/util"
)

var (
	ErrNoAudioFormats = errors.New("no audio formats found for video")
	ErrEmptyPlaylist  = errors.New("no playable videos found in the playlist")
)

// YouTube resolves video and playlist links through the kkdai client.
type YouTube struct {
	client  *youtube.Client
	workers int
}

func NewYouTube() *YouTube {
	return &YouTube{
		client:  &youtube.Client{},
		workers: 4,
	}
}

func (y *YouTube) Match(input string) bool {
	return IsYouTubeVideoLink(input)
}

func (y *YouTube) SourceName() string { return SourceYouTube }

func (y *YouTube) Resolve(ctx context.Context, input string) ([]Track, error) {
	if IsYouTubePlaylistLink(input) && !strings.Contains(input, "v=") {
		return y.resolvePlaylist(ctx, input)
	}

	video, err := y.client.GetVideoContext(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("youtube client error: %w", err)
	}
	track, err := y.trackFromVideo(ctx, video)
	if err != nil {
		return nil, err
	}
	return []Track{track}, nil
}

func (y *YouTube) resolvePlaylist(ctx context.Context, input string) ([]Track, error) {
	playlist, err := y.client.GetPlaylistContext(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("youtube playlist error: %w", err)
	}

	type entry struct {
		index int
		video *youtube.PlaylistEntry
	}
	entries := make([]entry, len(playlist.Videos))
	for i, v := range playlist.Videos {
		entries[i] = entry{index: i, video: v}
	}

	resolved := make([]*Track, len(entries))
	err = util.Parallel(ctx, entries, y.workers, func(ctx context.Context, e entry) error {
		video, err := y.client.VideoFromPlaylistEntryContext(ctx, e.video)
		if err != nil {
			log.Warn().Str("component", "youtube").Err(err).Str("video", e.video.ID).Msg("Skipping playlist entry")
			return nil
		}
		track, err := y.trackFromVideo(ctx, video)
		if err != nil {
			log.Warn().Str("component", "youtube").Err(err).Str("video", e.video.ID).Msg("Skipping playlist entry")
			return nil
		}
		resolved[e.index] = &track
		return nil
	})
	if err != nil {
		return nil, err
	}

	tracks := make([]Track, 0, len(resolved))
	for _, t := range resolved {
		if t != nil {
			tracks = append(tracks, *t)
		}
	}
	if len(tracks) == 0 {
		return nil, ErrEmptyPlaylist
	}
	log.Debug().Str("component", "youtube").Str("playlist", playlist.Title).Int("tracks", len(tracks)).Msg("Playlist resolved")
	return tracks, nil
}

func (y *YouTube) trackFromVideo(ctx context.Context, video *youtube.Video) (Track, error) {
	formats := video.Formats.Type("audio")
	if len(formats) == 0 {
		formats = video.Formats.WithAudioChannels()
	}
	if len(formats) == 0 {
		return Track{}, ErrNoAudioFormats
	}

	link, err := y.client.GetStreamURLContext(ctx, video, &formats[0])
	if err != nil {
		return Track{}, fmt.Errorf("get stream URL error: %w", err)
	}

	return Track{
		URL:        "https://www.youtube.com/watch?v=" + video.ID,
		Title:      video.Title,
		Locator:    link,
		SourceName: SourceYouTube,
		Duration:   video.Duration,
	}, nil
}
