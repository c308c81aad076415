package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv renders {{.VAR}} template references in raw config bytes from
// the process environment. Template syntax is used instead of $VAR so
// literal dollar signs in regex patterns and credentials survive untouched.
//
// Unknown variables render empty and are left for validation to catch.
// Bytes that fail to parse or render as a template pass through unchanged,
// so the YAML decoder gets to report the clearer error.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New(ConfigFileName).Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}
	var out bytes.Buffer
	if err := tmpl.Execute(&out, environSnapshot()); err != nil {
		return data
	}
	return out.Bytes()
}

// environSnapshot captures the process environment as template data. Values
// may themselves contain '='; only the first one splits.
func environSnapshot() map[string]string {
	env := make(map[string]string, len(os.Environ()))
	for _, kv := range os.Environ() {
		if key, value, ok := strings.Cut(kv, "="); ok && key != "" {
			env[key] = value
		}
	}
	return env
}
