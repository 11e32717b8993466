// Package capabilities defines the music-control tools exposed to MCP
// clients. Each tool validates its arguments, calls the spotify.Client and
// renders a short text answer with a structured mirror.
package capabilities

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ggoodman/spotify-mcp-go/mcp"
	"github.com/ggoodman/spotify-mcp-go/spotify"
	"github.com/ggoodman/spotify-mcp-go/tools"
)

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 50
)

// Names lists the tools in registration order.
var Names = []string{
	"search",
	"play",
	"pause",
	"next_track",
	"previous_track",
	"set_volume",
	"list_devices",
	"transfer_playback",
	"now_playing",
	"get_profile",
}

type SearchArgs struct {
	Query string `json:"query" jsonschema:"required,description=Free-text search query"`
	Type  string `json:"type,omitempty" jsonschema:"enum=track,enum=album,enum=artist,enum=playlist,description=Catalog to search (default track)"`
	Limit int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=50,description=Maximum number of results (default 10)"`
}

type PlayArgs struct {
	URIs       []string `json:"uris,omitempty" jsonschema:"description=Track URIs to play in order"`
	ContextURI string   `json:"context_uri,omitempty" jsonschema:"description=Album or playlist URI to play"`
	DeviceID   string   `json:"device_id,omitempty" jsonschema:"description=Target device; defaults to the active device"`
}

type DeviceArgs struct {
	DeviceID string `json:"device_id,omitempty" jsonschema:"description=Target device; defaults to the active device"`
}

type VolumeArgs struct {
	Percent  int    `json:"percent" jsonschema:"required,minimum=0,maximum=100,description=Volume level"`
	DeviceID string `json:"device_id,omitempty" jsonschema:"description=Target device; defaults to the active device"`
}

type TransferArgs struct {
	DeviceID string `json:"device_id" jsonschema:"required,description=Device to move playback to"`
	Play     bool   `json:"play,omitempty" jsonschema:"description=Start playing after the transfer"`
}

type capabilities struct {
	client spotify.Client
}

// Register adds every tool to reg in the order given by Names.
func Register(reg *tools.Registry, client spotify.Client) error {
	if client == nil {
		return errors.New("capabilities: client is required")
	}
	c := &capabilities{client: client}
	readOnly := tools.WithAnnotations(mcp.ToolAnnotations{ReadOnlyHint: true, OpenWorldHint: true})
	control := tools.WithAnnotations(mcp.ToolAnnotations{OpenWorldHint: true})

	return reg.Register(
		tools.NewTool("search", c.search, tools.WithTitle("Search"), tools.WithDescription("Search the catalog for tracks, albums, artists or playlists."), readOnly),
		tools.NewTool("play", c.play, tools.WithTitle("Play"), tools.WithDescription("Start or resume playback, optionally with specific tracks or a context."), control),
		tools.NewTool("pause", c.pause, tools.WithTitle("Pause"), tools.WithDescription("Pause playback."), control),
		tools.NewTool("next_track", c.next, tools.WithTitle("Next track"), tools.WithDescription("Skip to the next track."), control),
		tools.NewTool("previous_track", c.previous, tools.WithTitle("Previous track"), tools.WithDescription("Go back to the previous track."), control),
		tools.NewTool("set_volume", c.setVolume, tools.WithTitle("Set volume"), tools.WithDescription("Set the playback volume in percent."), control),
		tools.NewTool("list_devices", c.listDevices, tools.WithTitle("List devices"), tools.WithDescription("List devices available for playback."), readOnly),
		tools.NewTool("transfer_playback", c.transfer, tools.WithTitle("Transfer playback"), tools.WithDescription("Move playback to another device."), control),
		tools.NewTool("now_playing", c.nowPlaying, tools.WithTitle("Now playing"), tools.WithDescription("Describe the current playback."), readOnly),
		tools.NewTool("get_profile", c.profile, tools.WithTitle("Profile"), tools.WithDescription("Show the account profile."), readOnly),
	)
}

func (c *capabilities) search(ctx context.Context, w tools.ResponseWriter, r *tools.Request[SearchArgs]) error {
	args := r.Args()
	if strings.TrimSpace(args.Query) == "" {
		return invalid(w, "query is required")
	}
	kind, err := spotify.ParseSearchKind(args.Type)
	if err != nil {
		return invalid(w, err.Error())
	}
	limit := args.Limit
	switch {
	case limit == 0:
		limit = defaultSearchLimit
	case limit < 1 || limit > maxSearchLimit:
		return invalid(w, fmt.Sprintf("limit must be between 1 and %d", maxSearchLimit))
	}

	res, err := c.client.Search(ctx, args.Query, kind, limit)
	if err != nil {
		return clientError(w, err)
	}

	lines := formatSearch(kind, res)
	if len(lines) == 0 {
		return w.AppendText(fmt.Sprintf("No %s results for %q.", kind, args.Query))
	}
	if err := w.AppendText(fmt.Sprintf("Top %s results for %q:\n%s", kind, args.Query, strings.Join(lines, "\n"))); err != nil {
		return err
	}
	return w.SetStructured(map[string]any{"type": string(kind), "results": structuredSearch(kind, res)})
}

func formatSearch(kind spotify.SearchKind, res *spotify.SearchResults) []string {
	var lines []string
	switch kind {
	case spotify.SearchTrack:
		for i, t := range res.Tracks {
			lines = append(lines, fmt.Sprintf("%d. %s by %s (%s) [%s]", i+1, t.Name, t.ArtistNames(), formatDuration(t.DurationMS), t.URI))
		}
	case spotify.SearchAlbum:
		for i, a := range res.Albums {
			lines = append(lines, fmt.Sprintf("%d. %s by %s [%s]", i+1, a.Name, joinArtists(a.Artists), a.URI))
		}
	case spotify.SearchArtist:
		for i, a := range res.Artists {
			lines = append(lines, fmt.Sprintf("%d. %s [%s]", i+1, a.Name, a.URI))
		}
	case spotify.SearchPlaylist:
		for i, p := range res.Playlists {
			lines = append(lines, fmt.Sprintf("%d. %s by %s [%s]", i+1, p.Name, p.Owner.DisplayName, p.URI))
		}
	}
	return lines
}

func structuredSearch(kind spotify.SearchKind, res *spotify.SearchResults) any {
	switch kind {
	case spotify.SearchAlbum:
		return res.Albums
	case spotify.SearchArtist:
		return res.Artists
	case spotify.SearchPlaylist:
		return res.Playlists
	default:
		return res.Tracks
	}
}

func (c *capabilities) play(ctx context.Context, w tools.ResponseWriter, r *tools.Request[PlayArgs]) error {
	args := r.Args()
	if len(args.URIs) > 0 && args.ContextURI != "" {
		return invalid(w, "pass either uris or context_uri, not both")
	}
	if err := c.client.Play(ctx, spotify.PlayOptions{DeviceID: args.DeviceID, URIs: args.URIs, ContextURI: args.ContextURI}); err != nil {
		return clientError(w, err)
	}
	var msg string
	switch {
	case args.ContextURI != "":
		msg = "Playing " + args.ContextURI + "."
	case len(args.URIs) == 1:
		msg = "Playing " + args.URIs[0] + "."
	case len(args.URIs) > 1:
		msg = fmt.Sprintf("Playing %d tracks.", len(args.URIs))
	default:
		msg = "Playback resumed."
	}
	notifyPlayback(ctx, "play", args.DeviceID)
	return w.AppendText(msg)
}

func (c *capabilities) pause(ctx context.Context, w tools.ResponseWriter, r *tools.Request[DeviceArgs]) error {
	if err := c.client.Pause(ctx, r.Args().DeviceID); err != nil {
		return clientError(w, err)
	}
	notifyPlayback(ctx, "pause", r.Args().DeviceID)
	return w.AppendText("Playback paused.")
}

func (c *capabilities) next(ctx context.Context, w tools.ResponseWriter, r *tools.Request[DeviceArgs]) error {
	if err := c.client.Next(ctx, r.Args().DeviceID); err != nil {
		return clientError(w, err)
	}
	notifyPlayback(ctx, "next_track", r.Args().DeviceID)
	return w.AppendText("Skipped to the next track.")
}

func (c *capabilities) previous(ctx context.Context, w tools.ResponseWriter, r *tools.Request[DeviceArgs]) error {
	if err := c.client.Previous(ctx, r.Args().DeviceID); err != nil {
		return clientError(w, err)
	}
	notifyPlayback(ctx, "previous_track", r.Args().DeviceID)
	return w.AppendText("Went back to the previous track.")
}

func (c *capabilities) setVolume(ctx context.Context, w tools.ResponseWriter, r *tools.Request[VolumeArgs]) error {
	args := r.Args()
	if args.Percent < 0 || args.Percent > 100 {
		return invalid(w, "percent must be between 0 and 100")
	}
	if err := c.client.SetVolume(ctx, args.Percent, args.DeviceID); err != nil {
		return clientError(w, err)
	}
	notifyPlayback(ctx, "set_volume", args.DeviceID)
	return w.AppendText(fmt.Sprintf("Volume set to %d%%.", args.Percent))
}

func (c *capabilities) listDevices(ctx context.Context, w tools.ResponseWriter, r *tools.Request[struct{}]) error {
	devs, err := c.client.Devices(ctx)
	if err != nil {
		return clientError(w, err)
	}
	if len(devs) == 0 {
		return w.AppendText("No devices available. Open Spotify on a phone, computer or speaker.")
	}
	lines := make([]string, 0, len(devs))
	for _, d := range devs {
		line := fmt.Sprintf("- %s (%s) id=%s", d.Name, d.Type, d.ID)
		if d.IsActive {
			line += " [active]"
		}
		if d.VolumePercent != nil {
			line += fmt.Sprintf(" volume=%d%%", *d.VolumePercent)
		}
		lines = append(lines, line)
	}
	if err := w.AppendText("Devices:\n" + strings.Join(lines, "\n")); err != nil {
		return err
	}
	return w.SetStructured(map[string]any{"devices": devs})
}

func (c *capabilities) transfer(ctx context.Context, w tools.ResponseWriter, r *tools.Request[TransferArgs]) error {
	args := r.Args()
	if args.DeviceID == "" {
		return invalid(w, "device_id is required")
	}
	if err := c.client.TransferPlayback(ctx, args.DeviceID, args.Play); err != nil {
		return clientError(w, err)
	}
	notifyPlayback(ctx, "transfer_playback", args.DeviceID)
	return w.AppendText("Playback transferred to " + args.DeviceID + ".")
}

func (c *capabilities) nowPlaying(ctx context.Context, w tools.ResponseWriter, r *tools.Request[struct{}]) error {
	np, err := c.client.NowPlaying(ctx)
	if err != nil {
		return clientError(w, err)
	}
	if np.Track == nil {
		return w.AppendText("Nothing is playing.")
	}
	state := "Paused"
	if np.IsPlaying {
		state = "Playing"
	}
	text := fmt.Sprintf("%s: %s by %s", state, np.Track.Name, np.Track.ArtistNames())
	if np.Track.Album.Name != "" {
		text += " from " + np.Track.Album.Name
	}
	text += fmt.Sprintf(" (%s / %s)", formatDuration(np.ProgressMS), formatDuration(np.Track.DurationMS))
	if np.Device != nil {
		text += " on " + np.Device.Name
	}
	if err := w.AppendText(text); err != nil {
		return err
	}
	return w.SetStructured(map[string]any{
		"is_playing":  np.IsPlaying,
		"progress_ms": np.ProgressMS,
		"track":       np.Track,
	})
}

func (c *capabilities) profile(ctx context.Context, w tools.ResponseWriter, r *tools.Request[struct{}]) error {
	p, err := c.client.Profile(ctx)
	if err != nil {
		return clientError(w, err)
	}
	name := p.DisplayName
	if name == "" {
		name = p.ID
	}
	text := "Signed in as " + name
	var details []string
	if p.Product != "" {
		details = append(details, p.Product)
	}
	if p.Country != "" {
		details = append(details, p.Country)
	}
	if len(details) > 0 {
		text += " (" + strings.Join(details, ", ") + ")"
	}
	if err := w.AppendText(text + "."); err != nil {
		return err
	}
	return w.SetStructured(p)
}

// invalid reports an argument problem as a tool-level error.
func invalid(w tools.ResponseWriter, msg string) error {
	w.SetError(true)
	return w.AppendText("invalid arguments: " + msg)
}

// clientError turns expected API failures into readable tool errors and
// passes everything else up to the session.
func clientError(w tools.ResponseWriter, err error) error {
	var apiErr *spotify.APIError
	switch {
	case errors.Is(err, spotify.ErrNoActiveDevice):
		w.SetError(true)
		return w.AppendText("No active device. Start Spotify on a device, or use list_devices and transfer_playback.")
	case errors.As(err, &apiErr) && apiErr.Status < 500:
		w.SetError(true)
		return w.AppendText("Spotify rejected the request: " + apiErr.Message)
	default:
		return err
	}
}

func notifyPlayback(ctx context.Context, action, deviceID string) {
	data := map[string]any{"event": "playback", "action": action}
	if deviceID != "" {
		data["device_id"] = deviceID
	}
	_ = tools.Notify(ctx, mcp.LoggingLevelInfo, data)
}

func formatDuration(ms int) string {
	d := time.Duration(ms) * time.Millisecond
	return fmt.Sprintf("%d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}

func joinArtists(as []spotify.Artist) string {
	names := make([]string, 0, len(as))
	for _, a := range as {
		names = append(names, a.Name)
	}
	return strings.Join(names, ", ")
}
