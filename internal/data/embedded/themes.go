package embedded

import _ "embed"

// DefaultThemeData contains the embedded default transcript theme YAML data.
//
//go:embed themes/default.yaml
var DefaultThemeData []byte

// PlainThemeData contains the embedded plain transcript theme YAML data.
//
//go:embed themes/plain.yaml
var PlainThemeData []byte

// ThemeData maps theme names to their embedded YAML data.
func ThemeData() map[string][]byte {
	return map[string][]byte{
		"default": DefaultThemeData,
		"plain":   PlainThemeData,
	}
}
