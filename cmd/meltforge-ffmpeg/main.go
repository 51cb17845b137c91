// Command meltforge-ffmpeg is the bundled audio/video conversion
// plugin. It speaks the meltforge invocation contract: a JSON request on
// stdin, JSON-lines progress and result frames on stdout, and a
// cooperative stop on SIGINT.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/floostack/transcoder"
	"github.com/floostack/transcoder/ffmpeg"
)

const supportedSchema = "1.0"

type request struct {
	Schema  string         `json:"schema"`
	Command string         `json:"command"`
	Source  string         `json:"source"`
	Target  string         `json:"target"`
	Output  string         `json:"output"`
	Options map[string]any `json:"options"`
}

type progressFrame struct {
	Type    string  `json:"type"`
	Percent float64 `json:"percent"`
	Frame   string  `json:"frame,omitempty"`
	Speed   string  `json:"speed,omitempty"`
}

type failure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type resultFrame struct {
	Type       string   `json:"type"`
	Status     string   `json:"status"`
	OutputPath string   `json:"output_path,omitempty"`
	Error      *failure `json:"error,omitempty"`
}

var stdout = json.NewEncoder(os.Stdout)

func emitResult(frame resultFrame) {
	frame.Type = "result"
	stdout.Encode(frame)
}

func emitFailure(kind, message string) {
	emitResult(resultFrame{Status: "error", Error: &failure{Kind: kind, Message: message}})
}

func main() {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		emitFailure("protocol", fmt.Sprintf("failed to read request: %s", err))
		return
	}

	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		emitFailure("protocol", fmt.Sprintf("failed to parse request: %s", err))
		return
	}

	if req.Schema != supportedSchema {
		emitFailure("protocol", fmt.Sprintf("unsupported schema version %q (want %s)", req.Schema, supportedSchema))
		return
	}

	switch req.Command {
	case "describe":
		emitResult(resultFrame{Status: "ok"})
	case "convert":
		convert(&req)
	default:
		emitFailure("protocol", fmt.Sprintf("unknown command %q", req.Command))
	}
}

func convert(req *request) {
	if req.Source == "" || req.Output == "" {
		emitFailure("protocol", "convert request requires source and output paths")
		return
	}

	// The host delivers SIGINT to request a cooperative stop; cancelling
	// the context tears the ffmpeg child down.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(req.Output), 0o755); err != nil {
		emitFailure("io", fmt.Sprintf("failed to create output directory: %s", err))
		return
	}

	trans := ffmpeg.
		New(&ffmpeg.Config{
			ProgressEnabled: true,
			FfmpegBinPath:   binPath(req, "ffmpeg_bin", "MELTFORGE_FFMPEG_BIN", "ffmpeg"),
			FfprobeBinPath:  binPath(req, "ffprobe_bin", "MELTFORGE_FFPROBE_BIN", "ffprobe"),
		}).
		Input(req.Source).
		Output(req.Output).
		WithContext(&ctx)

	progressChannel, err := trans.Start(buildOptions(req))
	if err != nil {
		emitFailure("transcode", err.Error())
		return
	}

	for prog := range progressChannel {
		stdout.Encode(progressFrame{
			Type:    "progress",
			Percent: prog.GetProgress(),
			Frame:   prog.GetFramesProcessed(),
			Speed:   prog.GetSpeed(),
		})
	}

	if ctx.Err() != nil {
		emitFailure("cancelled", "conversion stopped by host")
		return
	}

	emitResult(resultFrame{Status: "ok", OutputPath: req.Output})
}

// buildOptions maps generic request options on to ffmpeg flags. Unknown
// options are ignored so conversion-agnostic options (e.g. "plugin") do
// not fail the invocation.
func buildOptions(req *request) transcoder.Options {
	opts := ffmpeg.Options{}

	if codec, ok := req.Options["video_codec"].(string); ok {
		opts.VideoCodec = &codec
	}
	if codec, ok := req.Options["audio_codec"].(string); ok {
		opts.AudioCodec = &codec
	}
	if bitrate, ok := req.Options["audio_bitrate"].(string); ok {
		opts.AudioBitrate = &bitrate
	}

	// Let ffmpeg infer the container from the output extension unless
	// explicitly overridden.
	if container, ok := req.Options["container"].(string); ok {
		opts.OutputFormat = &container
	}

	return opts
}

func binPath(req *request, option, envVar, fallback string) string {
	if path, ok := req.Options[option].(string); ok && path != "" {
		return path
	}
	if path := os.Getenv(envVar); path != "" {
		return path
	}
	return fallback
}
