package downloader

import (
	"context"
	"fmt"
	"os"

	"github.com/floostack/transcoder/ffmpeg"
	"github.com/jmw-nz/hoard/pkg/logger"
)

var transcodeLog = logger.Get("Transcode")

type (
	TranscodeConfig struct {
		FfmpegBinPath      string `yaml:"ffmpeg_binary" env:"FORMAT_FFMPEG_BINARY_PATH" env-default:"/usr/bin/ffmpeg"`
		FfprobeBinPath     string `yaml:"ffprobe_binary" env:"FORMAT_FFPROBE_BINARY_PATH" env-default:"/usr/bin/ffprobe"`
		MinOutputSizeBytes int64  `yaml:"min_output_size_bytes" env:"FORMAT_MIN_OUTPUT_SIZE" env-default:"128"`
	}

	// audioExtractor strips the video stream from a staged download,
	// re-encoding the audio as mp3 via an ffmpeg subprocess.
	audioExtractor struct {
		config TranscodeConfig
	}
)

func newAudioExtractor(config TranscodeConfig) *audioExtractor {
	return &audioExtractor{config}
}

// ExtractAudio transcodes the file at inputPath to an mp3 at
// outputPath. An output smaller than the configured minimum sanity
// size is treated as a failed transcode; ffmpeg exits zero on some
// corrupt inputs while producing a header-only file.
func (extractor *audioExtractor) ExtractAudio(ctx context.Context, inputPath string, outputPath string) error {
	audioCodec := "libmp3lame"
	outputFormat := "mp3"
	skipVideo := true
	opts := ffmpeg.Options{
		AudioCodec:   &audioCodec,
		OutputFormat: &outputFormat,
		SkipVideo:    &skipVideo,
	}

	progressChannel, err := ffmpeg.
		New(&ffmpeg.Config{
			ProgressEnabled: true,
			FfmpegBinPath:   extractor.config.FfmpegBinPath,
			FfprobeBinPath:  extractor.config.FfprobeBinPath,
		}).
		Input(inputPath).
		Output(outputPath).
		WithContext(&ctx).
		Start(opts)
	if err != nil {
		return fmt.Errorf("failed to start ffmpeg for %s: %w", inputPath, err)
	}

	for prog := range progressChannel {
		transcodeLog.Verbosef("Transcode of %s progress: %v\n", inputPath, prog)
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return fmt.Errorf("transcode of %s produced no output: %w", inputPath, err)
	}
	if info.Size() < extractor.config.MinOutputSizeBytes {
		return fmt.Errorf("transcode of %s produced implausibly small output (%d bytes)", inputPath, info.Size())
	}

	return nil
}
