package policy

import (
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmw-nz/hoard/internal/item"
	"github.com/jmw-nz/hoard/pkg/logger"
	"github.com/samber/lo"
)

var log = logger.Get("Policy")

type (
	// MediaRule bounds one media type. A nil bound is not evaluated,
	// and all bounds are inclusive on both ends.
	MediaRule struct {
		Enabled            bool   `yaml:"enabled" env-default:"true"`
		MinSizeBytes       *int64 `yaml:"min_size_bytes" validate:"omitempty,min=0"`
		MaxSizeBytes       *int64 `yaml:"max_size_bytes" validate:"omitempty,min=0"`
		MinDurationSeconds *int64 `yaml:"min_duration_seconds" validate:"omitempty,min=0"`
		MaxDurationSeconds *int64 `yaml:"max_duration_seconds" validate:"omitempty,min=0"`
		MinWidth           *int64 `yaml:"min_width" validate:"omitempty,min=0"`
		MaxWidth           *int64 `yaml:"max_width" validate:"omitempty,min=0"`
		MinHeight          *int64 `yaml:"min_height" validate:"omitempty,min=0"`
		MaxHeight          *int64 `yaml:"max_height" validate:"omitempty,min=0"`
	}

	// Policy is the process-wide acquisition policy. It is read-only
	// after load; changing it and restarting the process is how an
	// operator re-evaluates previously rejected items.
	Policy struct {
		Photo           MediaRule  `yaml:"photo"`
		Audio           MediaRule  `yaml:"audio"`
		Video           MediaRule  `yaml:"video"`
		DateMin         *time.Time `yaml:"date_min"`
		DateMax         *time.Time `yaml:"date_max"`
		AllowedChannels []string   `yaml:"allowed_channels"`
	}

	// Engine classifies items against a fixed policy. Classification
	// is deterministic with respect to the item, the policy and the
	// state of the output volume; it performs no writes.
	Engine struct {
		policy       Policy
		outputRoot   string
		extractAudio bool
	}
)

func NewEngine(policy Policy, outputRoot string, extractAudio bool) *Engine {
	return &Engine{
		policy:       policy,
		outputRoot:   outputRoot,
		extractAudio: extractAudio,
	}
}

// Classify returns the state an Unknown item should move to under the
// active policy:
//   - NoMedia if the item carries no media at all,
//   - MissingMetadata if no file extension can be determined,
//   - Completed if the destination file already exists on the output
//     volume (recovery from a run whose file write landed but whose
//     database write did not; the file is the source of truth),
//   - Queued if every policy bound holds,
//   - Filtered otherwise.
func (engine *Engine) Classify(it *item.Item) item.State {
	if it.MediaType == item.MediaNone {
		return item.NoMedia
	}

	relPath, ok := engine.DestinationPath(it)
	if !ok {
		log.Debugf("Item %s has no derivable file extension, classifying as missing metadata\n", it)
		return item.MissingMetadata
	}

	if info, err := os.Stat(filepath.Join(engine.outputRoot, relPath)); err == nil && !info.IsDir() {
		log.Infof("Item %s already present at %s, classifying as completed\n", it, relPath)
		return item.Completed
	}

	if engine.permitted(it) {
		return item.Queued
	}

	return item.Filtered
}

// DestinationPath returns the items final path relative to the output
// root. The second return is false when no file extension can be
// derived from the items file name or MIME type.
func (engine *Engine) DestinationPath(it *item.Item) (string, bool) {
	if it.MediaType == item.MediaVideo && engine.extractAudio {
		return filepath.Join(it.ChannelID, "extracted_audio", it.MediaUniqueRef+".mp3"), true
	}

	ext := extension(it)
	if ext == "" {
		return "", false
	}

	return filepath.Join(it.ChannelID, strings.ToLower(string(it.MediaType)), it.MediaUniqueRef+ext), true
}

func (engine *Engine) permitted(it *item.Item) bool {
	if len(engine.policy.AllowedChannels) > 0 && !lo.Contains(engine.policy.AllowedChannels, it.ChannelID) {
		return false
	}

	// Date window is inclusive of the minimum, exclusive of the maximum.
	if engine.policy.DateMin != nil && it.DiscoveredAt.Before(*engine.policy.DateMin) {
		return false
	}
	if engine.policy.DateMax != nil && !it.DiscoveredAt.Before(*engine.policy.DateMax) {
		return false
	}

	rule, ok := engine.ruleFor(it.MediaType)
	if !ok || !rule.Enabled {
		return false
	}

	if !withinInt64(it.SizeBytes, rule.MinSizeBytes, rule.MaxSizeBytes) {
		return false
	}

	switch it.MediaType {
	case item.MediaAudio:
		return withinInt64(it.DurationSecs, rule.MinDurationSeconds, rule.MaxDurationSeconds)
	case item.MediaVideo:
		return withinInt64(it.DurationSecs, rule.MinDurationSeconds, rule.MaxDurationSeconds) &&
			withinInt64(it.Width, rule.MinWidth, rule.MaxWidth) &&
			withinInt64(it.Height, rule.MinHeight, rule.MaxHeight)
	case item.MediaPhoto:
		return withinInt64(it.Width, rule.MinWidth, rule.MaxWidth) &&
			withinInt64(it.Height, rule.MinHeight, rule.MaxHeight)
	default:
		return false
	}
}

func (engine *Engine) ruleFor(mediaType item.MediaType) (MediaRule, bool) {
	switch mediaType {
	case item.MediaPhoto:
		return engine.policy.Photo, true
	case item.MediaAudio:
		return engine.policy.Audio, true
	case item.MediaVideo:
		return engine.policy.Video, true
	default:
		return MediaRule{}, false
	}
}

// withinInt64 reports whether the value lies inside the inclusive
// bounds provided. A nil value or a nil bound is not evaluated.
func withinInt64(value *int64, min *int64, max *int64) bool {
	if value == nil {
		return true
	}
	if min != nil && *value < *min {
		return false
	}
	if max != nil && *value > *max {
		return false
	}

	return true
}


// extension derives the file extension (dot included) from the items
// file name, falling back to its MIME type.
func extension(it *item.Item) string {
	if it.FileName != nil {
		if ext := filepath.Ext(*it.FileName); ext != "" {
			return ext
		}
	}

	if it.MimeType != nil {
		if exts, err := mime.ExtensionsByType(*it.MimeType); err == nil && len(exts) > 0 {
			return exts[0]
		}
	}

	return ""
}
