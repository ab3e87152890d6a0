package sources

import "regexp"

var (
	soundCloudRegex   = regexp.MustCompile(`^https?://(soundcloud\.com|snd\.sc)/(.*)$`)
	spotifyTrackRegex = regexp.MustCompile(`^(https?://open\.spotify\.com/(intl-[a-z]{2}/)?track/|spotify:track:)([a-zA-Z0-9]+)(.*)$`)
	youtubeListRegex  = regexp.MustCompile(`^.*(list=)([^#&?]*).*`)
	youtubeVideoRegex = regexp.MustCompile(`^((?:https?:)?//)?((?:www|m|music)\.)?(youtube\.com|youtu\.be)(/(?:[\w\-]+\?v=|embed/|v/|shorts/)?)([\w\-]+)(\S+)?$`)
)

// IsSoundCloudLink reports whether query points at soundcloud.com or snd.sc.
func IsSoundCloudLink(query string) bool {
	return soundCloudRegex.MatchString(query)
}

// IsSpotifyTrackLink matches open.spotify.com track URLs and spotify:track: URIs.
func IsSpotifyTrackLink(query string) bool {
	return spotifyTrackRegex.MatchString(query)
}

// IsYouTubePlaylistLink matches any query carrying a list= parameter.
func IsYouTubePlaylistLink(query string) bool {
	return youtubeListRegex.MatchString(query)
}

func IsYouTubeVideoLink(query string) bool {
	return youtubeVideoRegex.MatchString(query)
}
