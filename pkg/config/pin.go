package config

import (
	"strconv"
	"strings"
)

// Pin represents a parsed GPIO line specification.
type Pin struct {
	Chip   string // GPIO chip device name (default: "gpiochip0")
	Line   int    // Line offset on the chip
	Invert bool   // Active-low (! prefix)
	Pull   int    // Bias: 1 = pull-up (^), -1 = pull-down (~), 0 = none
}

// FullName returns the full pin name including the chip prefix.
func (p Pin) FullName() string {
	return p.Chip + ":" + strconv.Itoa(p.Line)
}

// PinOptions specifies parsing options for pin specifications.
type PinOptions struct {
	CanInvert bool // Allow ! prefix for active-low
	CanPull   bool // Allow ^ and ~ prefixes for bias
}

// ParsePin parses a GPIO line specification.
// Format: [chip:][!][^|~]line
// Examples: "25", "!25", "^25", "gpiochip1:4"
func ParsePin(desc string, opts PinOptions) (Pin, error) {
	d := strings.TrimSpace(desc)
	if d == "" {
		return Pin{}, NewConfigError("", "", "empty pin specification")
	}

	p := Pin{Chip: "gpiochip0"}

	if idx := strings.IndexByte(d, ':'); idx >= 0 {
		p.Chip = d[:idx]
		d = d[idx+1:]
		if p.Chip == "" {
			return Pin{}, NewConfigError("", "", "empty chip name in pin '"+desc+"'")
		}
	}

	for len(d) > 0 {
		switch d[0] {
		case '!':
			if !opts.CanInvert {
				return Pin{}, NewConfigError("", "", "pin '"+desc+"' cannot be inverted")
			}
			if p.Invert {
				return Pin{}, NewConfigError("", "", "duplicate '!' in pin '"+desc+"'")
			}
			p.Invert = true
			d = d[1:]
			continue
		case '^', '~':
			if !opts.CanPull {
				return Pin{}, NewConfigError("", "", "pin '"+desc+"' cannot have a bias")
			}
			if p.Pull != 0 {
				return Pin{}, NewConfigError("", "", "duplicate bias prefix in pin '"+desc+"'")
			}
			if d[0] == '^' {
				p.Pull = 1
			} else {
				p.Pull = -1
			}
			d = d[1:]
			continue
		}
		break
	}

	line, err := strconv.Atoi(d)
	if err != nil || line < 0 {
		return Pin{}, NewConfigError("", "", "invalid GPIO line in pin '"+desc+"'")
	}
	p.Line = line
	return p, nil
}
