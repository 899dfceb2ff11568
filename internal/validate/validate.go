// Package validate enforces bounds and character-class checks on incoming
// request fields before they reach daemon control dispatch.
package validate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

const (
	MaxCommandLength   = 256
	MaxStringLength    = 1024
	MaxEventTypes      = 100
	MaxJSONDepth       = 10
	MaxJSONSizeBytes   = 1 << 20 // 1 MiB
	MaxAudioSamples    = 16000 * 60 * 30
	MinSampleRateHz    = 8000
	MaxSampleRateHz    = 96000
	MinLimit           = 1
	MaxLimit           = 1000
	MaxRuntimeDirChars = 256
)

var commandNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Command checks a command name against the allowed character class and
// length cap.
func Command(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("command must not be empty")
	}
	if len(name) > MaxCommandLength {
		return fmt.Errorf("command length %d exceeds limit %d", len(name), MaxCommandLength)
	}
	if !commandNamePattern.MatchString(name) {
		return fmt.Errorf("command %q must match [A-Za-z0-9_-]+", name)
	}
	return nil
}

// Text rejects control characters other than tab/newline/carriage-return and
// enforces the general string length cap.
func Text(field, value string) error {
	if len(value) > MaxStringLength {
		return fmt.Errorf("%s length %d exceeds limit %d", field, len(value), MaxStringLength)
	}
	for _, r := range value {
		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			return fmt.Errorf("%s contains disallowed control character 0x%02x", field, r)
		}
		if r == 0x7f {
			return fmt.Errorf("%s contains disallowed control character 0x7f", field)
		}
	}
	return nil
}

// EventTypes checks a requested topic list's cardinality.
func EventTypes(topics []string) error {
	if len(topics) > MaxEventTypes {
		return fmt.Errorf("event type count %d exceeds limit %d", len(topics), MaxEventTypes)
	}
	for _, t := range topics {
		if err := Text("topic", t); err != nil {
			return err
		}
	}
	return nil
}

// JSONPayload enforces serialized size and nesting depth caps on an
// arbitrary JSON value supplied by a client.
func JSONPayload(raw json.RawMessage) error {
	if len(raw) > MaxJSONSizeBytes {
		return fmt.Errorf("JSON payload of %d bytes exceeds limit %d", len(raw), MaxJSONSizeBytes)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("invalid JSON payload: %w", err)
	}
	depth := jsonDepth(v)
	if depth > MaxJSONDepth {
		return fmt.Errorf("JSON payload depth %d exceeds limit %d", depth, MaxJSONDepth)
	}
	return nil
}

func jsonDepth(v any) int {
	switch t := v.(type) {
	case map[string]any:
		max := 0
		for _, child := range t {
			if d := jsonDepth(child); d > max {
				max = d
			}
		}
		return max + 1
	case []any:
		max := 0
		for _, child := range t {
			if d := jsonDepth(child); d > max {
				max = d
			}
		}
		return max + 1
	default:
		return 0
	}
}

// AudioSampleCount enforces the upper bound on one submitted audio buffer.
func AudioSampleCount(n int) error {
	if n > MaxAudioSamples {
		return fmt.Errorf("audio sample count %d exceeds limit %d", n, MaxAudioSamples)
	}
	return nil
}

// SampleRate enforces the accepted sample rate band.
func SampleRate(hz int) error {
	if hz < MinSampleRateHz || hz > MaxSampleRateHz {
		return fmt.Errorf("sample rate %d Hz outside accepted range [%d, %d]", hz, MinSampleRateHz, MaxSampleRateHz)
	}
	return nil
}

// Limit enforces the `get_events`-style page size bound.
func Limit(n int) error {
	if n < MinLimit || n > MaxLimit {
		return fmt.Errorf("limit %d outside accepted range [%d, %d]", n, MinLimit, MaxLimit)
	}
	return nil
}

// RuntimeDir applies the secure-path policy to a candidate runtime
// directory, falling back to a safe default and logging when the
// candidate is rejected.
func RuntimeDir(candidate string, fallback string, warn func(string)) string {
	if isSafeRuntimeDir(candidate) {
		return candidate
	}
	if warn != nil {
		warn(fmt.Sprintf("rejecting unsafe runtime directory %q; using %q", candidate, fallback))
	}
	return fallback
}

func isSafeRuntimeDir(path string) bool {
	if path == "" || len(path) > MaxRuntimeDirChars {
		return false
	}
	if strings.Contains(path, "\x00") || strings.Contains(path, "..") {
		return false
	}
	return strings.HasPrefix(path, "/run/user/") || strings.HasPrefix(path, "/tmp/")
}

// KnownBinaryPaths is the whitelist consulted by peer-process verification
// (§4.14 write mode): a set of absolute executable paths plus an expected
// process short name. The daemon builds it with no paths and the short name
// "sttd"; no config field feeds it.
type KnownBinaryPaths struct {
	paths     map[string]struct{}
	shortName string
}

// NewKnownBinaryPaths builds a whitelist from configured absolute paths and
// the expected process short name.
func NewKnownBinaryPaths(paths []string, shortName string) KnownBinaryPaths {
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}
	return KnownBinaryPaths{paths: set, shortName: shortName}
}

// Allows reports whether exePath or its base name matches the whitelist.
func (k KnownBinaryPaths) Allows(exePath string) bool {
	if _, ok := k.paths[exePath]; ok {
		return true
	}
	base := exePath
	if idx := strings.LastIndexByte(exePath, '/'); idx >= 0 {
		base = exePath[idx+1:]
	}
	return k.shortName != "" && base == k.shortName
}

