package config

import "strings"

// Parse reads configuration content as JSONC. Empty content is treated as
// "use defaults, but still validate them".
func Parse(content string, base Config) (Config, []Warning, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		warnings, err := Validate(base)
		if err != nil {
			return Config{}, nil, err
		}
		return base, warnings, nil
	}

	return parseJSONC(content, base)
}
