package config

import (
	"fmt"
	"strings"
)

// Validate enforces config invariants and returns non-fatal warnings.
func Validate(cfg Config) ([]Warning, error) {
	warnings := make([]Warning, 0)

	if strings.TrimSpace(cfg.Transcription.PreferredModel) == "" {
		return nil, fmt.Errorf("transcription.preferred_model must not be empty")
	}

	device := strings.ToLower(strings.TrimSpace(cfg.Device.Preferred))
	if device != "cpu" && device != "cuda" {
		return nil, fmt.Errorf("device.preferred must be one of: cpu, cuda")
	}

	if strings.TrimSpace(cfg.Audio.Theme) == "" {
		return nil, fmt.Errorf("audio.theme must not be empty")
	}

	return warnings, nil
}
