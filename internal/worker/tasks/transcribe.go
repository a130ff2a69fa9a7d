package tasks

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"mediaq/internal/models"
	"mediaq/internal/pkg/errors"
	"mediaq/internal/ports"
)

// Transcriber runs speech recognition with whisper.cpp after normalizing
// the input to 16 kHz mono PCM with ffmpeg.
type Transcriber struct {
	ffmpeg   string
	whisper  string
	modelDir string
	opts     Options
	stat     func(string) (os.FileInfo, error)
}

func NewTranscriber(ffmpegPath, whisperPath, modelDir string, opts Options) *Transcriber {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if whisperPath == "" {
		whisperPath = "whisper-cli"
	}
	return &Transcriber{
		ffmpeg:   ffmpegPath,
		whisper:  whisperPath,
		modelDir: modelDir,
		opts:     opts.withDefaults("transcribe"),
		stat:     os.Stat,
	}
}

func (t *Transcriber) Kind() models.Kind { return models.KindTranscribe }

func (t *Transcriber) Execute(ctx context.Context, jobID string, req models.JobRequest, store ports.Backend) (models.Output, error) {
	var p models.TranscribeParams
	if err := models.DecodeParams(req.Params, &p); err != nil {
		return models.Output{}, errors.TaskPermanent(err, "tasks.transcribe", "decode params")
	}
	p.Defaults()
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
	model, err := t.modelPath(p.Model)
	if err != nil {
		return models.Output{}, err
	}

	wav := ws.path("preprocessed-16k-mono.wav")
	ffArgs := buildPreprocessArgs(in, wav)
	err = t.opts.Retry.Do(ctx, log, "ffmpeg", func() error {
		res, runErr := t.opts.Runner.Run(ctx, t.ffmpeg, ffArgs...)
		return toolError(ctx, "ffmpeg", res, runErr)
	})
	if err != nil {
		return models.Output{}, err
	}
	if _, err := t.stat(wav); err != nil {
		return models.Output{}, errors.TaskPermanent(err, "tasks.transcribe", "ffmpeg completed but output file is missing")
	}

	outBase := ws.path("transcript")
	// whisper has no ASS writer; ASS is converted from its SRT output.
	whisperFormat := p.OutputFormat
	if whisperFormat == "ass" {
		whisperFormat = "srt"
	}
	wArgs := buildWhisperArgs(model, wav, outBase, p.Language, whisperFormat)
	err = t.opts.Retry.Do(ctx, log, "whisper", func() error {
		res, runErr := t.opts.Runner.Run(ctx, t.whisper, wArgs...)
		return toolError(ctx, "whisper", res, runErr)
	})
	if err != nil {
		return models.Output{}, err
	}

	producer := "whisper"
	if p.OutputFormat == "ass" {
		producer = "ffmpeg"
		convArgs := buildSubtitleConvertArgs(outBase+".srt", outBase+".ass")
		err = t.opts.Retry.Do(ctx, log, "ffmpeg", func() error {
			res, runErr := t.opts.Runner.Run(ctx, t.ffmpeg, convArgs...)
			return toolError(ctx, "ffmpeg", res, runErr)
		})
		if err != nil {
			return models.Output{}, err
		}
	}

	data, err := ws.readOutput(outBase+"."+p.OutputFormat, producer)
	if err != nil {
		return models.Output{}, err
	}

	key := OutputKey(jobID, baseName(p.Input), p.OutputFormat)
	art, err := storeOutput(ctx, store, key, data, t.opts.Retry, log)
	if err != nil {
		return models.Output{}, err
	}
	log.Info("transcript stored", "key", art.Key, "size", art.Size, "language", p.Language, "model", p.Model)
	return outputOf(art), nil
}

// modelPath resolves a model size to ggml-<size>.bin in the model dir.
// A missing model is a deployment problem that retrying cannot fix.
func (t *Transcriber) modelPath(size string) (string, error) {
	candidates := []string{
		filepath.Join(t.modelDir, "ggml-"+size+".bin"),
		filepath.Join(t.modelDir, "ggml-"+size+".gguf"),
	}
	for _, c := range candidates {
		if st, err := t.stat(c); err == nil && !st.IsDir() {
			return c, nil
		}
	}
	return "", errors.TaskPermanent(nil, "tasks.transcribe", "whisper model not installed: "+size).
		WithField("model_dir", t.modelDir)
}

// buildPreprocessArgs builds ffmpeg args for mono 16k PCM WAV output.
func buildPreprocessArgs(in, out string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", in,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		out,
	}
}

// buildSubtitleConvertArgs converts a subtitle file by output extension.
func buildSubtitleConvertArgs(in, out string) []string {
	return []string{"-hide_banner", "-nostdin", "-y", "-i", in, out}
}

var whisperFormatFlags = map[string]string{
	"txt":  "-otxt",
	"srt":  "-osrt",
	"vtt":  "-ovtt",
	"json": "-oj",
}

func buildWhisperArgs(model, audio, outBase, language, format string) []string {
	args := []string{
		"-m", model,
		"-f", audio,
		"-of", outBase,
		whisperFormatFlags[format],
	}
	if lang := strings.TrimSpace(language); lang != "" && !strings.EqualFold(lang, "auto") {
		args = append(args, "-l", lang)
	}
	return args
}
