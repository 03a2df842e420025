// Package probe measures stream health with ffprobe and keeps per-stream
// stats. A worker pool fans bulk runs out over a shared FIFO; smart sort
// orders a channel's streams by the measured quality keys.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"time"
)

// Result is what one successful media analysis yields.
type Result struct {
	Resolution  string `json:"resolution"`
	BitrateKbps int    `json:"bitrate_kbps"`
	VideoCodec  string `json:"video_codec"`
	AudioCodec  string `json:"audio_codec"`
}

// Prober analyzes one media URL. The ffprobe runner is the default; tests
// substitute their own.
type Prober interface {
	Probe(ctx context.Context, url string) (*Result, error)
}

// FFProbe shells out to ffprobe with JSON output.
type FFProbe struct {
	Path           string
	Timeout        time.Duration
	SampleDuration time.Duration
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		BitRate   string `json:"bit_rate"`
	} `json:"streams"`
	Format struct {
		BitRate string `json:"bit_rate"`
	} `json:"format"`
}

func (f *FFProbe) Probe(ctx context.Context, url string) (*Result, error) {
	path := f.Path
	if path == "" {
		var err error
		path, err = exec.LookPath("ffprobe")
		if err != nil {
			return nil, fmt.Errorf("ffprobe not found: %w", err)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	args := []string{
		"-v", "error", "-nostdin",
		"-rw_timeout", strconv.FormatInt(f.Timeout.Microseconds(), 10),
		"-analyzeduration", strconv.FormatInt(f.SampleDuration.Microseconds(), 10),
		"-show_streams", "-show_format",
		"-of", "json",
		url,
	}
	out, err := exec.CommandContext(ctx, path, args...).Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("probe timed out after %s", f.Timeout)
		}
		return nil, fmt.Errorf("ffprobe: %w", err)
	}

	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("ffprobe output: %w", err)
	}

	res := &Result{}
	for _, s := range parsed.Streams {
		switch s.CodecType {
		case "video":
			if res.VideoCodec == "" {
				res.VideoCodec = s.CodecName
				if s.Width > 0 && s.Height > 0 {
					res.Resolution = fmt.Sprintf("%dx%d", s.Width, s.Height)
				}
			}
		case "audio":
			if res.AudioCodec == "" {
				res.AudioCodec = s.CodecName
			}
		}
	}
	if res.VideoCodec == "" && res.AudioCodec == "" {
		return nil, fmt.Errorf("no media streams in ffprobe output")
	}
	if kbps := parseBitrateKbps(parsed.Format.BitRate); kbps > 0 {
		res.BitrateKbps = kbps
	}
	return res, nil
}

func parseBitrateKbps(s string) int {
	if s == "" {
		return 0
	}
	bps, err := strconv.Atoi(s)
	if err != nil || bps <= 0 {
		return 0
	}
	return bps / 1000
}
