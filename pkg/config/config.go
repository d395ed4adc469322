package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Config provides access to a configuration file with access tracking.
// Tracking which sections and options were read allows the daemon to
// warn about misspelled or obsolete entries at startup.
type Config struct {
	mu       sync.RWMutex
	sections map[string]*Section
	order    []string

	accessed map[string]struct{}
}

// New creates an empty Config.
func New() *Config {
	return &Config{
		sections: make(map[string]*Section),
		accessed: make(map[string]struct{}),
	}
}

// Load reads a configuration file. [include path] directives pull in
// further files relative to the including one; glob patterns are
// allowed and expand in sorted order.
func Load(path string) (*Config, error) {
	c := New()
	if err := c.include(path, make(map[string]bool)); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadString parses configuration text. Include directives are not
// available without a base directory and fail.
func LoadString(data string) (*Config, error) {
	c := New()
	p := parser{cfg: c}
	if err := p.run(strings.NewReader(data), "<string>"); err != nil {
		return nil, err
	}
	return c, nil
}

// include parses one file, following nested includes. visited guards
// against include cycles.
func (c *Config) include(path string, visited map[string]bool) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: invalid path %s: %w", path, err)
	}
	if visited[abs] {
		return fmt.Errorf("config: recursive include: %s", path)
	}
	visited[abs] = true
	defer delete(visited, abs)

	f, err := os.Open(abs)
	if err != nil {
		return fmt.Errorf("config: unable to open %s: %w", path, err)
	}
	defer f.Close()

	p := parser{
		cfg: c,
		includeFn: func(spec string) error {
			pattern := filepath.Join(filepath.Dir(abs), spec)
			matches, err := filepath.Glob(pattern)
			if err != nil {
				return fmt.Errorf("config: invalid include pattern %q: %w", spec, err)
			}
			if len(matches) == 0 && !strings.ContainsAny(pattern, "*?[") {
				return fmt.Errorf("config: include file does not exist: %s", pattern)
			}
			sort.Strings(matches)
			for _, m := range matches {
				if err := c.include(m, visited); err != nil {
					return err
				}
			}
			return nil
		},
	}
	return p.run(f, path)
}

// parser walks INI lines and feeds completed sections into the config.
type parser struct {
	cfg       *Config
	includeFn func(spec string) error

	section string
	options map[string]string
}

func (p *parser) run(r io.Reader, name string) error {
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			if err := p.header(line[1:len(line)-1], name, lineNum); err != nil {
				return err
			}
			continue
		}
		p.option(line)
	}
	p.flush()
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("config: error reading %s: %w", name, err)
	}
	return nil
}

func (p *parser) header(h, name string, lineNum int) error {
	p.flush()
	h = strings.TrimSpace(h)
	if h == "" {
		return fmt.Errorf("config: empty section header at line %d in %s", lineNum, name)
	}
	if spec, ok := strings.CutPrefix(h, "include "); ok {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			return fmt.Errorf("config: empty include at line %d in %s", lineNum, name)
		}
		if p.includeFn == nil {
			return fmt.Errorf("config: include not supported here (line %d in %s)", lineNum, name)
		}
		return p.includeFn(spec)
	}
	p.section = h
	p.options = make(map[string]string)
	return nil
}

// option parses "key: value" or "key = value". Malformed lines and
// options before the first section header are ignored.
func (p *parser) option(line string) {
	if p.section == "" {
		return
	}
	key, value, ok := strings.Cut(line, ":")
	if !ok {
		key, value, ok = strings.Cut(line, "=")
	}
	if !ok {
		return
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	p.options[key] = strings.TrimSpace(value)
}

// flush hands the finished section to the config.
func (p *parser) flush() {
	if p.section == "" {
		return
	}
	p.cfg.addSection(p.section, p.options)
	p.section = ""
	p.options = nil
}

// addSection stores a section, merging options when the name repeats
// (as it does when an included file extends a section).
func (c *Config) addSection(name string, options map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.sections[name]; ok {
		for k, v := range options {
			existing.options[strings.ToLower(k)] = v
		}
		return
	}
	c.sections[name] = newSection(name, options)
	c.order = append(c.order, name)
}

// GetSection returns a section, or an error naming it when absent.
func (c *Config) GetSection(name string) (*Section, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sec, ok := c.sections[name]
	if !ok {
		return nil, ErrMissingSection(name)
	}
	c.accessed[name] = struct{}{}
	return sec, nil
}

// GetSectionOptional returns a section or nil when absent.
func (c *Config) GetSectionOptional(name string) *Section {
	c.mu.Lock()
	defer c.mu.Unlock()
	sec, ok := c.sections[name]
	if ok {
		c.accessed[name] = struct{}{}
	}
	return sec
}

// HasSection reports whether a section exists, without marking it
// accessed.
func (c *Config) HasSection(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sections[name]
	return ok
}

// GetSectionNames returns all section names in file order.
func (c *Config) GetSectionNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.order))
	copy(names, c.order)
	return names
}

// GetUnusedSections returns the sections no caller asked for, sorted.
func (c *Config) GetUnusedSections() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var unused []string
	for name := range c.sections {
		if _, ok := c.accessed[name]; !ok {
			unused = append(unused, name)
		}
	}
	sort.Strings(unused)
	return unused
}

// CheckUnusedSections returns an error listing sections nothing read.
func (c *Config) CheckUnusedSections() error {
	if unused := c.GetUnusedSections(); len(unused) > 0 {
		return NewConfigError("", "", fmt.Sprintf("unused sections: %v", unused))
	}
	return nil
}

// CheckUnusedOptions returns an error listing options nothing read,
// grouped per section.
func (c *Config) CheckUnusedOptions() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var problems []string
	for name, sec := range c.sections {
		if unused := sec.GetUnusedOptions(); len(unused) > 0 {
			problems = append(problems, fmt.Sprintf("[%s]: unused options %v", name, unused))
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return NewConfigError("", "", strings.Join(problems, "; "))
	}
	return nil
}
