// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// updateLogSettingsInTOML rewrites the four log keys inside the raw TOML
// content. Commented-out keys are uncommented and updated in place so the
// surrounding documentation comments stay where they are; nothing is ever
// appended past existing sections.
func updateLogSettingsInTOML(content, level, path string, maxSize, maxBackups int) string {
	replacements := map[string]string{
		"logLevel":      fmt.Sprintf("logLevel = %q", level),
		"logPath":       fmt.Sprintf("logPath = %q", path),
		"logMaxSize":    fmt.Sprintf("logMaxSize = %d", maxSize),
		"logMaxBackups": fmt.Sprintf("logMaxBackups = %d", maxBackups),
	}

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		for key, replacement := range replacements {
			if replaced, ok := replaceKeyLine(line, key, replacement); ok {
				lines[i] = replaced
				delete(replacements, key)
				break
			}
		}
	}
	return strings.Join(lines, "\n")
}

// replaceKeyLine reports whether the line is an assignment (or commented
// assignment) of key, and if so returns the replacement.
func replaceKeyLine(line, key, replacement string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	trimmed = strings.TrimPrefix(trimmed, "#")
	trimmed = strings.TrimSpace(trimmed)
	if !strings.HasPrefix(trimmed, key) {
		return "", false
	}
	rest := strings.TrimSpace(trimmed[len(key):])
	if !strings.HasPrefix(rest, "=") {
		return "", false
	}
	return replacement, true
}

// persistKey updates or inserts a single top-level key in config.toml.
func (c *AppConfig) persistKey(key, line string) error {
	file := filepath.Join(c.configPath, configFileName)
	raw, err := os.ReadFile(file)
	if err != nil {
		return errors.Wrap(err, "failed to read config file")
	}

	lines := strings.Split(string(raw), "\n")
	replaced := false
	for i, existing := range lines {
		if updated, ok := replaceKeyLine(existing, key, line); ok {
			lines[i] = updated
			replaced = true
			break
		}
	}
	if !replaced {
		lines = append(lines, line, "")
	}

	if err := os.WriteFile(file, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		return errors.Wrap(err, "failed to write config file")
	}
	return nil
}
