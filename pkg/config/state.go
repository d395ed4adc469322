package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// StateConfig holds runtime state the daemon persists across restarts,
// stored in the same INI format as the main configuration. It is used
// for the mfx re-registration counter and SID assignments.
type StateConfig struct {
	*Config

	mu       sync.RWMutex
	path     string
	modified bool
}

// LoadState loads a state file, returning an empty state if the file
// does not exist yet.
func LoadState(path string) (*StateConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		if os.IsNotExist(unwrapOsError(err)) {
			cfg = New()
		} else {
			return nil, err
		}
	}
	return &StateConfig{Config: cfg, path: path}, nil
}

func unwrapOsError(err error) error {
	for err != nil {
		if u, ok := err.(interface{ Unwrap() error }); ok {
			err = u.Unwrap()
			continue
		}
		break
	}
	return err
}

// SetOption sets or updates an option value in a section.
func (c *StateConfig) SetOption(section, option, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sec := c.Config.GetSectionOptional(section)
	if sec == nil {
		c.Config.addSection(section, map[string]string{option: value})
	} else {
		sec.options[strings.ToLower(option)] = value
	}
	c.modified = true
}

// HasChanges returns true if there are unsaved changes.
func (c *StateConfig) HasChanges() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.modified
}

// Save writes the state to disk atomically.
func (c *StateConfig) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	content := c.buildContent()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	tmpFile, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.WriteString(content); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}

	c.modified = false
	return nil
}

// buildContent generates the INI-format state content.
func (c *StateConfig) buildContent() string {
	var sb strings.Builder

	sectionNames := c.Config.GetSectionNames()
	sort.Strings(sectionNames)

	for i, name := range sectionNames {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("[")
		sb.WriteString(name)
		sb.WriteString("]\n")

		sec := c.Config.GetSectionOptional(name)
		if sec == nil {
			continue
		}
		options := sec.RawOptions()
		optionNames := make([]string, 0, len(options))
		for opt := range options {
			optionNames = append(optionNames, opt)
		}
		sort.Strings(optionNames)

		for _, opt := range optionNames {
			sb.WriteString(opt)
			sb.WriteString(": ")
			sb.WriteString(options[opt])
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// Path returns the state file path.
func (c *StateConfig) Path() string {
	return c.path
}
