package models

import (
	"path"
	"slices"
	"strings"

	"mediaq/internal/pkg/errors"
)

// Params is implemented by the typed parameter set of each kind.
// Defaults fills optional values; Check enforces rules that span fields.
type Params interface {
	Defaults()
	Check() error
}

// NewParams returns an empty parameter set for k, or nil for an unknown kind.
func NewParams(k Kind) Params {
	switch k {
	case KindTranscode:
		return &TranscodeParams{}
	case KindTranscribe:
		return &TranscribeParams{}
	case KindRender:
		return &RenderParams{}
	default:
		return nil
	}
}

type TranscodeParams struct {
	Input        string `json:"input" validate:"required,objectkey"`
	Format       string `json:"format" validate:"required,oneof=mp4 webm mkv mov mp3 wav aac flac ogg gif"`
	VideoCodec   string `json:"video_codec,omitempty" validate:"omitempty,oneof=h264 h265 vp9 av1 copy"`
	AudioCodec   string `json:"audio_codec,omitempty" validate:"omitempty,oneof=aac opus mp3 flac copy"`
	CRF          *int   `json:"crf,omitempty" validate:"omitempty,min=0,max=51"`
	Preset       string `json:"preset,omitempty" validate:"omitempty,oneof=ultrafast superfast veryfast faster fast medium slow slower veryslow"`
	AudioBitrate string `json:"audio_bitrate,omitempty" validate:"omitempty,bitrate"`
	Width        int    `json:"width,omitempty" validate:"omitempty,min=16,max=7680,even"`
	Height       int    `json:"height,omitempty" validate:"omitempty,min=16,max=7680,even"`
	FrameRate    int    `json:"frame_rate,omitempty" validate:"omitempty,min=1,max=120"`
	// Subtitles is a stored srt, ass or vtt file burned into the video.
	Subtitles string `json:"subtitles,omitempty" validate:"omitempty,objectkey"`
	// Duration limits the output length in seconds. Required when the
	// input is a still image, which is looped for that long.
	Duration float64 `json:"duration,omitempty" validate:"omitempty,gt=0,max=86400"`
}

// containerCodecs lists the codecs each output container accepts. An empty
// video list means the container carries no encoded video stream; wav only
// takes its default PCM or a stream copy.
var containerCodecs = map[string]struct{ video, audio []string }{
	"mp4":  {video: []string{"h264", "h265", "av1", "copy"}, audio: []string{"aac", "mp3", "opus", "copy"}},
	"mov":  {video: []string{"h264", "h265", "copy"}, audio: []string{"aac", "mp3", "copy"}},
	"mkv":  {video: []string{"h264", "h265", "vp9", "av1", "copy"}, audio: []string{"aac", "opus", "mp3", "flac", "copy"}},
	"webm": {video: []string{"vp9", "av1"}, audio: []string{"opus"}},
	"gif":  {},
	"mp3":  {audio: []string{"mp3", "copy"}},
	"aac":  {audio: []string{"aac", "copy"}},
	"flac": {audio: []string{"flac", "copy"}},
	"ogg":  {audio: []string{"opus", "flac", "copy"}},
	"wav":  {audio: []string{"copy"}},
}

// DefaultCodecs returns the video and audio codec used when the request
// names none. Empty means the container's own default (or no stream).
func DefaultCodecs(format string) (video, audio string) {
	switch format {
	case "mp4", "mov", "mkv":
		return "h264", "aac"
	case "webm":
		return "vp9", "opus"
	case "mp3", "aac", "flac":
		return "", format
	case "ogg":
		return "", "opus"
	default:
		return "", ""
	}
}

var imageExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".webp": true, ".bmp": true}

var subtitleExts = map[string]bool{".srt": true, ".ass": true, ".ssa": true, ".vtt": true}

// AudioOnly reports whether the target container carries no video stream.
func (p *TranscodeParams) AudioOnly() bool {
	switch p.Format {
	case "mp3", "wav", "aac", "flac", "ogg":
		return true
	default:
		return false
	}
}

// ImageInput reports whether the input is a still image.
func (p *TranscodeParams) ImageInput() bool {
	return imageExts[strings.ToLower(path.Ext(p.Input))]
}

// EffectiveCodecs applies the container defaults to the requested codecs.
func (p *TranscodeParams) EffectiveCodecs() (video, audio string) {
	video, audio = DefaultCodecs(p.Format)
	if p.VideoCodec != "" {
		video = p.VideoCodec
	}
	if p.AudioCodec != "" {
		audio = p.AudioCodec
	}
	return video, audio
}

func (p *TranscodeParams) Defaults() {}

// Check rejects codec and container combinations ffmpeg cannot produce and
// parameters that would be silently ignored for the chosen output.
func (p *TranscodeParams) Check() error {
	allowed := containerCodecs[p.Format]
	if p.VideoCodec != "" && !slices.Contains(allowed.video, p.VideoCodec) {
		if p.AudioOnly() || p.Format == "gif" {
			return errors.ValidationField("params.video_codec", "not applicable to format "+p.Format)
		}
		return errors.ValidationField("params.video_codec", p.VideoCodec+" is not supported in "+p.Format)
	}
	if p.AudioCodec != "" && !slices.Contains(allowed.audio, p.AudioCodec) {
		if p.Format == "gif" {
			return errors.ValidationField("params.audio_codec", "gif output has no audio")
		}
		return errors.ValidationField("params.audio_codec", p.AudioCodec+" is not supported in "+p.Format)
	}

	if p.AudioOnly() {
		if field := p.videoField(); field != "" {
			return errors.ValidationField("params."+field, "not applicable to audio format "+p.Format)
		}
	}

	video, audio := p.EffectiveCodecs()
	switch {
	case p.Format == "gif" && p.AudioBitrate != "":
		return errors.ValidationField("params.audio_bitrate", "gif output has no audio")
	case p.Format == "gif" && (p.CRF != nil || p.Preset != ""):
		return errors.ValidationField(firstSet(p.CRF != nil, "params.crf", "params.preset"), "not applicable to gif")
	case video == "copy" && p.videoFilterField() != "":
		return errors.ValidationField("params."+p.videoFilterField(), "requires re-encoding, not applicable with video_codec copy")
	case p.Preset != "" && video != "h264" && video != "h265":
		return errors.ValidationField("params.preset", "only applies to h264 and h265")
	case p.AudioBitrate != "" && (audio == "" || audio == "copy" || audio == "flac"):
		return errors.ValidationField("params.audio_bitrate", "not applicable to lossless or copied audio")
	}

	if p.Subtitles != "" && !subtitleExts[strings.ToLower(path.Ext(p.Subtitles))] {
		return errors.ValidationField("params.subtitles", "must be an srt, ass, ssa or vtt file")
	}
	if p.ImageInput() {
		switch {
		case p.AudioOnly():
			return errors.ValidationField("params.format", "image input needs a video format")
		case p.Duration == 0:
			return errors.ValidationField("params.duration", "required for image input")
		case video == "copy":
			return errors.ValidationField("params.video_codec", "image input must be encoded")
		case p.AudioCodec != "" || p.AudioBitrate != "":
			return errors.ValidationField(firstSet(p.AudioCodec != "", "params.audio_codec", "params.audio_bitrate"), "image input has no audio")
		}
	}
	return nil
}

// videoField names the first video-only parameter that is set.
func (p *TranscodeParams) videoField() string {
	switch {
	case p.VideoCodec != "":
		return "video_codec"
	case p.CRF != nil:
		return "crf"
	case p.Preset != "":
		return "preset"
	case p.Subtitles != "":
		return "subtitles"
	}
	return p.videoFilterField()
}

// videoFilterField names the first set parameter that needs decoded frames.
func (p *TranscodeParams) videoFilterField() string {
	switch {
	case p.Width != 0:
		return "width"
	case p.Height != 0:
		return "height"
	case p.FrameRate != 0:
		return "frame_rate"
	case p.CRF != nil && p.VideoCodec == "copy":
		return "crf"
	case p.Preset != "" && p.VideoCodec == "copy":
		return "preset"
	case p.Subtitles != "":
		return "subtitles"
	}
	return ""
}

func firstSet(cond bool, a, b string) string {
	if cond {
		return a
	}
	return b
}

type TranscribeParams struct {
	Input        string `json:"input" validate:"required,objectkey"`
	Language     string `json:"language,omitempty" validate:"omitempty,language"`
	OutputFormat string `json:"output_format" validate:"oneof=txt srt vtt json ass"`
	Model        string `json:"model" validate:"oneof=tiny base small medium large"`
}

func (p *TranscribeParams) Defaults() {
	if p.Language == "" {
		p.Language = "auto"
	}
	if p.OutputFormat == "" {
		p.OutputFormat = "txt"
	}
	if p.Model == "" {
		p.Model = "base"
	}
}

func (p *TranscribeParams) Check() error { return nil }

type RenderParams struct {
	URL      string `json:"url,omitempty" validate:"omitempty,http_url"`
	HTML     string `json:"html,omitempty" validate:"omitempty,max=2097152"`
	Format   string `json:"format" validate:"oneof=png jpeg pdf"`
	Width    int    `json:"width" validate:"min=320,max=3840"`
	Height   int    `json:"height" validate:"min=240,max=2160"`
	FullPage bool   `json:"full_page,omitempty"`
	Quality  int    `json:"quality,omitempty" validate:"omitempty,min=1,max=100"`
	WaitMS   int    `json:"wait_ms,omitempty" validate:"min=0,max=30000"`
}

func (p *RenderParams) Defaults() {
	if p.Format == "" {
		p.Format = "png"
	}
	if p.Width == 0 {
		p.Width = 1280
	}
	if p.Height == 0 {
		p.Height = 720
	}
	if p.Format == "jpeg" && p.Quality == 0 {
		p.Quality = 90
	}
}

func (p *RenderParams) Check() error {
	switch {
	case p.URL == "" && p.HTML == "":
		return errors.ValidationField("params.url", "one of url or html is required")
	case p.URL != "" && p.HTML != "":
		return errors.ValidationField("params.html", "url and html are mutually exclusive")
	case p.Quality != 0 && p.Format != "jpeg":
		return errors.ValidationField("params.quality", "only applies to jpeg")
	}
	return nil
}
