package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// SoundCloud resolves links with yt-dlp.
type SoundCloud struct {
	// YTDLP is the yt-dlp binary; "yt-dlp" when empty.
	YTDLP string
}

func NewSoundCloud() *SoundCloud { return &SoundCloud{} }

func (s *SoundCloud) Match(input string) bool { return IsSoundCloudLink(input) }

func (s *SoundCloud) SourceName() string { return SourceSoundCloud }

func (s *SoundCloud) Resolve(ctx context.Context, input string) ([]Track, error) {
	bin := s.YTDLP
	if bin == "" {
		bin = "yt-dlp"
	}

	output, err := exec.CommandContext(ctx, bin, "-j", "-f", "bestaudio", "--no-playlist", input).Output()
	if err != nil {
		return nil, fmt.Errorf("yt-dlp get-url error: %w", err)
	}

	track, err := parseYTDLPInfo(output)
	if err != nil {
		return nil, err
	}
	track.URL = input
	track.SourceName = SourceSoundCloud
	return []Track{track}, nil
}

func parseYTDLPInfo(output []byte) (Track, error) {
	type format struct {
		URL string `json:"url"`
	}

	type ytdlpInfo struct {
		Title    string   `json:"title"`
		Duration float64  `json:"duration"`
		Formats  []format `json:"formats"`
		URL      string   `json:"url"`
	}

	var info ytdlpInfo
	if err := json.Unmarshal(output, &info); err != nil {
		return Track{}, fmt.Errorf("json unmarshal error: %w", err)
	}

	link := strings.TrimSpace(info.URL)
	if link == "" && len(info.Formats) > 0 {
		link = strings.TrimSpace(info.Formats[len(info.Formats)-1].URL)
	}
	if link == "" {
		return Track{}, errors.New("empty URL returned from yt-dlp")
	}

	return Track{
		Title:    info.Title,
		Locator:  link,
		Duration: time.Duration(info.Duration * float64(time.Second)),
	}, nil
}
