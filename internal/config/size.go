package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Size is a byte count written as "512MiB", "2G", "0x20000000" or plain
// decimal. All unit suffixes are binary.
type Size uint64

var sizeUnits = []struct {
	suffix string
	shift  uint
}{
	{"tib", 40}, {"gib", 30}, {"mib", 20}, {"kib", 10},
	{"tb", 40}, {"gb", 30}, {"mb", 20}, {"kb", 10},
	{"t", 40}, {"g", 30}, {"m", 20}, {"k", 10},
	{"b", 0},
}

func ParseSize(s string) (Size, error) {
	str := strings.ToLower(strings.TrimSpace(s))
	if str == "" {
		return 0, fmt.Errorf("empty size")
	}
	if strings.HasPrefix(str, "0x") {
		v, err := strconv.ParseUint(str[2:], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("parse size %q: %w", s, err)
		}
		return Size(v), nil
	}

	var shift uint
	for _, u := range sizeUnits {
		if strings.HasSuffix(str, u.suffix) {
			str = strings.TrimSpace(strings.TrimSuffix(str, u.suffix))
			shift = u.shift
			break
		}
	}
	v, err := strconv.ParseUint(str, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", s, err)
	}
	if v > math.MaxUint64>>shift {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return Size(v << shift), nil
}

// String uses the largest binary unit that divides the size exactly.
func (s Size) String() string {
	if s == 0 {
		return "0"
	}
	for _, u := range []struct {
		name  string
		shift uint
	}{{"TiB", 40}, {"GiB", 30}, {"MiB", 20}, {"KiB", 10}} {
		unit := Size(1) << u.shift
		if s%unit == 0 {
			return fmt.Sprintf("%d%s", s/unit, u.name)
		}
	}
	return strconv.FormatUint(uint64(s), 10)
}

func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", node.Line)
	}
	v, err := ParseSize(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*s = v
	return nil
}

func (s Size) MarshalYAML() (any, error) { return s.String(), nil }

// Mode is a file permission written in octal ("0755" or "0o755").
type Mode uint32

func (m *Mode) UnmarshalYAML(node *yaml.Node) error {
	str := strings.TrimPrefix(strings.ToLower(node.Value), "0o")
	v, err := strconv.ParseUint(str, 8, 32)
	if err != nil || v > 0o7777 {
		return fmt.Errorf("line %d: invalid file mode %q", node.Line, node.Value)
	}
	*m = Mode(v)
	return nil
}

func (m Mode) MarshalYAML() (any, error) { return fmt.Sprintf("%04o", uint32(m)), nil }
