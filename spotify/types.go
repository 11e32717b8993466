package spotify

import (
	"fmt"
	"strings"
)

// SearchKind selects the catalog the search endpoint queries.
type SearchKind string

const (
	SearchTrack    SearchKind = "track"
	SearchAlbum    SearchKind = "album"
	SearchArtist   SearchKind = "artist"
	SearchPlaylist SearchKind = "playlist"
)

// ParseSearchKind accepts the singular kind names case-insensitively.
func ParseSearchKind(s string) (SearchKind, error) {
	switch k := SearchKind(strings.ToLower(strings.TrimSpace(s))); k {
	case SearchTrack, SearchAlbum, SearchArtist, SearchPlaylist:
		return k, nil
	case "":
		return SearchTrack, nil
	default:
		return "", fmt.Errorf("unknown search type %q", s)
	}
}

type Artist struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URI  string `json:"uri"`
}

type Album struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	URI         string   `json:"uri"`
	ReleaseDate string   `json:"release_date,omitempty"`
	Artists     []Artist `json:"artists,omitempty"`
}

type Track struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	URI        string   `json:"uri"`
	DurationMS int      `json:"duration_ms"`
	Artists    []Artist `json:"artists"`
	Album      Album    `json:"album"`
}

// ArtistNames joins the credited artists with commas.
func (t Track) ArtistNames() string {
	names := make([]string, 0, len(t.Artists))
	for _, a := range t.Artists {
		names = append(names, a.Name)
	}
	return strings.Join(names, ", ")
}

type Playlist struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	URI   string `json:"uri"`
	Owner struct {
		DisplayName string `json:"display_name"`
	} `json:"owner"`
}

// SearchResults holds the page matching the requested kind; the other
// slices are empty.
type SearchResults struct {
	Tracks    []Track
	Albums    []Album
	Artists   []Artist
	Playlists []Playlist
}

type Device struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Type          string `json:"type"`
	IsActive      bool   `json:"is_active"`
	IsRestricted  bool   `json:"is_restricted"`
	VolumePercent *int   `json:"volume_percent"`
}

type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email,omitempty"`
	Country     string `json:"country,omitempty"`
	Product     string `json:"product,omitempty"`
}

// NowPlaying describes the current playback. Track is nil when nothing is
// playing.
type NowPlaying struct {
	IsPlaying  bool
	ProgressMS int
	Track      *Track
	Device     *Device
}

// PlayOptions starts or resumes playback. Empty URIs and ContextURI resume
// the current context.
type PlayOptions struct {
	DeviceID   string
	URIs       []string
	ContextURI string
}
