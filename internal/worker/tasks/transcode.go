package tasks

import (
	"context"
	"strconv"
	"strings"
	"time"

	"mediaq/internal/models"
	"mediaq/internal/pkg/errors"
	"mediaq/internal/ports"
)

// Transcoder converts an input artifact with ffmpeg and measures the
// result with ffprobe.
type Transcoder struct {
	ffmpeg  string
	ffprobe string
	opts    Options
}

func NewTranscoder(ffmpegPath, ffprobePath string, opts Options) *Transcoder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Transcoder{ffmpeg: ffmpegPath, ffprobe: ffprobePath, opts: opts.withDefaults("transcode")}
}

func (t *Transcoder) Kind() models.Kind { return models.KindTranscode }

func (t *Transcoder) Execute(ctx context.Context, jobID string, req models.JobRequest, store ports.Backend) (models.Output, error) {
	var p models.TranscodeParams
	if err := models.DecodeParams(req.Params, &p); err != nil {
		return models.Output{}, errors.TaskPermanent(err, "tasks.transcode", "decode params")
	}
	log := t.opts.Log.FromContext(ctx)

	ws, err := newWorkspace(t.opts.WorkDir, jobID)
	if err != nil {
		return models.Output{}, err
	}
	defer func() {
		if err := ws.cleanup(); err != nil {
			log.Warn("workspace cleanup failed", "error", err.Error())
		}
	}()

	in, err := ws.materialize(ctx, store, p.Input, "input", t.opts.Retry, log)
	if err != nil {
		return models.Output{}, err
	}
	var subs string
	if p.Subtitles != "" {
		if subs, err = ws.materialize(ctx, store, p.Subtitles, "subtitles", t.opts.Retry, log); err != nil {
			return models.Output{}, err
		}
	}

	out := ws.path("output." + p.Format)
	args := buildTranscodeArgs(in, out, subs, p)

	err = t.opts.Retry.Do(ctx, log, "ffmpeg", func() error {
		start := time.Now()
		res, runErr := t.opts.Runner.Run(ctx, t.ffmpeg, args...)
		log.Debug("ffmpeg finished",
			"exit_code", res.ExitCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return toolError(ctx, "ffmpeg", res, runErr)
	})
	if err != nil {
		return models.Output{}, err
	}

	data, err := ws.readOutput(out, "ffmpeg")
	if err != nil {
		return models.Output{}, err
	}
	meta, measureErr := measureMedia(ctx, t.opts.Runner, t.ffprobe, out)
	if measureErr != nil {
		log.Warn("ffprobe failed, output metadata omitted", "error", measureErr.Error())
	}

	key := OutputKey(jobID, baseName(p.Input), p.Format)
	art, err := storeOutput(ctx, store, key, data, t.opts.Retry, log)
	if err != nil {
		return models.Output{}, err
	}
	result := outputOf(art)
	result.DurationSec = meta.DurationSec
	result.BitrateKbps = meta.BitrateKbps
	log.Info("transcode stored",
		"key", art.Key,
		"size", art.Size,
		"format", p.Format,
		"duration_sec", meta.DurationSec,
	)
	return result, nil
}

var videoEncoders = map[string]string{
	"h264": "libx264",
	"h265": "libx265",
	"vp9":  "libvpx-vp9",
	"av1":  "libaom-av1",
	"copy": "copy",
}

var audioEncoders = map[string]string{
	"aac":  "aac",
	"opus": "libopus",
	"mp3":  "libmp3lame",
	"flac": "flac",
	"copy": "copy",
}

func buildTranscodeArgs(in, out, subs string, p models.TranscodeParams) []string {
	args := []string{"-hide_banner", "-nostdin", "-y"}
	if p.ImageInput() {
		fps := p.FrameRate
		if fps == 0 {
			fps = 25
		}
		args = append(args, "-loop", "1", "-framerate", strconv.Itoa(fps))
	}
	args = append(args, "-i", in)

	vcodec, acodec := p.EffectiveCodecs()
	var filters []string
	switch {
	case p.AudioOnly():
		args = append(args, "-vn")
	case p.Format == "gif":
		fps := p.FrameRate
		if fps == 0 {
			fps = 10
		}
		filters = append(filters, "fps="+strconv.Itoa(fps))
		if s := scaleFilter(p.Width, p.Height); s != "" {
			filters = append(filters, s+":flags=lanczos")
		}
	default:
		args = append(args, "-c:v", videoEncoders[vcodec])
		if vcodec != "copy" {
			if p.CRF != nil {
				args = append(args, "-crf", strconv.Itoa(*p.CRF))
				if vcodec == "vp9" || vcodec == "av1" {
					// constant-quality mode for libvpx/libaom
					args = append(args, "-b:v", "0")
				}
			}
			if p.Preset != "" && (vcodec == "h264" || vcodec == "h265") {
				args = append(args, "-preset", p.Preset)
			}
			if s := scaleFilter(p.Width, p.Height); s != "" {
				filters = append(filters, s)
			}
			if p.FrameRate > 0 && !p.ImageInput() {
				args = append(args, "-r", strconv.Itoa(p.FrameRate))
			}
			if vcodec == "h264" || vcodec == "h265" || p.ImageInput() {
				args = append(args, "-pix_fmt", "yuv420p")
			}
		}
	}
	if subs != "" {
		filters = append(filters, "subtitles="+escapeFilterValue(subs))
	}
	if len(filters) > 0 {
		args = append(args, "-vf", strings.Join(filters, ","))
	}

	switch {
	case p.Format == "gif" || p.ImageInput():
		args = append(args, "-an")
	case p.Format == "wav" && acodec == "":
		args = append(args, "-c:a", "pcm_s16le")
	case acodec != "":
		args = append(args, "-c:a", audioEncoders[acodec])
		if p.AudioBitrate != "" && acodec != "copy" && acodec != "flac" {
			args = append(args, "-b:a", p.AudioBitrate)
		}
	}

	if p.Duration > 0 {
		args = append(args, "-t", strconv.FormatFloat(p.Duration, 'f', -1, 64))
	}
	if p.Format == "mp4" || p.Format == "mov" {
		args = append(args, "-movflags", "+faststart")
	}
	return append(args, out)
}

var filterEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`, `:`, `\:`, `,`, `\,`, `;`, `\;`, `[`, `\[`, `]`, `\]`)

// escapeFilterValue escapes a path for use as a filtergraph option value.
func escapeFilterValue(s string) string {
	return filterEscaper.Replace(s)
}

// scaleFilter keeps the aspect ratio when only one dimension is given.
func scaleFilter(w, h int) string {
	switch {
	case w == 0 && h == 0:
		return ""
	case w == 0:
		return "scale=-2:" + strconv.Itoa(h)
	case h == 0:
		return "scale=" + strconv.Itoa(w) + ":-2"
	default:
		return "scale=" + strconv.Itoa(w) + ":" + strconv.Itoa(h)
	}
}
