package tasks

import (
	"context"
	"encoding/json"
	"math"
	"strconv"

	"mediaq/internal/pkg/errors"
)

type mediaInfo struct {
	DurationSec float64
	BitrateKbps int64
}

// ffprobe -show_entries format=... -of json prints numbers as strings.
type ffprobeFormat struct {
	Format struct {
		Duration string `json:"duration"`
		BitRate  string `json:"bit_rate"`
	} `json:"format"`
}

// measureMedia reads container duration and overall bitrate of a local file.
func measureMedia(ctx context.Context, runner CommandRunner, ffprobe, file string) (mediaInfo, error) {
	res, err := runner.Run(ctx, ffprobe,
		"-v", "error",
		"-show_entries", "format=duration,bit_rate",
		"-of", "json",
		file,
	)
	if terr := toolError(ctx, "ffprobe", res, err); terr != nil {
		return mediaInfo{}, terr
	}
	return parseFFprobe([]byte(res.Stdout))
}

func parseFFprobe(out []byte) (mediaInfo, error) {
	var pf ffprobeFormat
	if err := json.Unmarshal(out, &pf); err != nil {
		return mediaInfo{}, errors.TaskPermanent(err, "tasks.ffprobe", "unreadable ffprobe output")
	}
	var info mediaInfo
	// "N/A" and missing values leave the field at zero.
	if d, err := strconv.ParseFloat(pf.Format.Duration, 64); err == nil && d > 0 {
		info.DurationSec = math.Round(d*1000) / 1000
	}
	if b, err := strconv.ParseInt(pf.Format.BitRate, 10, 64); err == nil && b > 0 {
		info.BitrateKbps = (b + 500) / 1000
	}
	return info, nil
}
