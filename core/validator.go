package core

import (
	"fmt"
	"strings"
	"sync"
)

// Channel names are 12 bytes: network (0-1), station (2-6), channel code (7-9),
// location (10-11). Names shorter than 12 bytes are space padded.

func isLetter(c byte) bool { return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') }
func isDigit(c byte) bool  { return c >= '0' && c <= '9' }

func isChannelByte(c byte) bool {
	return isLetter(c) || isDigit(c) || c == ' ' || c == '?' || c == '_' || c == '-'
}

// PadChannel space pads name to ChannelNameLen. Longer names are returned unchanged.
func PadChannel(name string) string {
	if len(name) >= ChannelNameLen {
		return name
	}
	return name + strings.Repeat(" ", ChannelNameLen-len(name))
}

func checkChannel(name string) string {
	if len(name) != ChannelNameLen {
		return fmt.Sprintf("must be at most %d bytes", ChannelNameLen)
	}
	for i := 0; i < len(name); i++ {
		if !isChannelByte(name[i]) {
			return fmt.Sprintf("illegal character %q at position %d", name[i], i)
		}
	}
	switch {
	case name[0] == ' ':
		return "network code must not be blank"
	case name[2] == ' ' || name[3] == ' ':
		return "station code too short"
	case !isLetter(name[7]) || !isLetter(name[8]):
		return "channel code must start with two letters"
	case !isLetter(name[9]) && !isDigit(name[9]):
		return "channel code orientation must be a letter or digit"
	}
	return ""
}

// NormalizeChannel pads name and validates it against the channel name rules.
func NormalizeChannel(name string) (string, error) {
	padded := PadChannel(name)
	if msg := checkChannel(padded); msg != "" {
		return "", &ValidationError{Message: msg, Field: "channel", Value: name}
	}
	return padded, nil
}

// ChannelValidator provides cached channel name validation.
type ChannelValidator struct {
	mu    sync.RWMutex
	cache map[string]error // Cache validation results, keyed by the raw name.
}

// NewChannelValidator creates a validator with an initialized cache.
func NewChannelValidator() *ChannelValidator {
	return &ChannelValidator{
		cache: make(map[string]error),
	}
}

// Validate returns the padded channel name, or the cached validation error.
func (v *ChannelValidator) Validate(name string) (string, error) {
	v.mu.RLock()
	err, found := v.cache[name]
	v.mu.RUnlock()
	if found {
		if err != nil {
			return "", err
		}
		return PadChannel(name), nil
	}

	padded, err := NormalizeChannel(name)

	v.mu.Lock()
	v.cache[name] = err
	v.mu.Unlock()

	return padded, err
}
