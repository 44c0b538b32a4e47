// Package semver provides the version value type consumed by the semver matchers.
//
// Parsing is stricter than general-purpose semver libraries: exactly three numeric
// components are required and empty pre-release or build metadata sections are
// rejected. Precedence follows the semantic versioning rules and is delegated to
// Masterminds/semver once the version has been validated.
package semver

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	msemver "github.com/Masterminds/semver/v3"
)

const (
	metadataDelimiter   = "+"
	preReleaseDelimiter = "-"
	valueDelimiter      = "."
)

// ErrInvalidVersion is returned for any string that is not a valid version.
var ErrInvalidVersion = errors.New("invalid semver")

// Semver is an immutable, validated semantic version.
type Semver struct {
	major      uint64
	minor      uint64
	patch      uint64
	preRelease []string
	metadata   string
	version    string
	cmp        *msemver.Version
}

// Parse builds a Semver from its textual form.
func Parse(raw string) (*Semver, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return nil, fmt.Errorf("%w: empty version", ErrInvalidVersion)
	}

	s := &Semver{}

	v, err := s.stripMetadata(v)
	if err != nil {
		return nil, err
	}
	v, err = s.stripPreRelease(v)
	if err != nil {
		return nil, err
	}
	if err := s.setComponents(v); err != nil {
		return nil, err
	}

	s.version = s.normalized()
	s.cmp = msemver.New(s.major, s.minor, s.patch, strings.Join(s.preRelease, valueDelimiter), s.metadata)
	return s, nil
}

// MustParse is Parse for literals known to be valid. It panics on error.
func MustParse(raw string) *Semver {
	s, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Semver) stripMetadata(v string) (string, error) {
	idx := strings.Index(v, metadataDelimiter)
	if idx == -1 {
		return v, nil
	}
	meta := v[idx+1:]
	if meta == "" {
		return "", fmt.Errorf("%w: unable to convert to semver, incorrect metadata", ErrInvalidVersion)
	}
	s.metadata = meta
	return v[:idx], nil
}

func (s *Semver) stripPreRelease(v string) (string, error) {
	idx := strings.Index(v, preReleaseDelimiter)
	if idx == -1 {
		return v, nil
	}
	pre := v[idx+1:]
	if pre == "" {
		return "", fmt.Errorf("%w: unable to convert to semver, incorrect pre release data", ErrInvalidVersion)
	}
	parts := strings.Split(pre, valueDelimiter)
	for _, p := range parts {
		if p == "" {
			return "", fmt.Errorf("%w: unable to convert to semver, incorrect pre release data", ErrInvalidVersion)
		}
	}
	s.preRelease = parts
	return v[:idx], nil
}

func (s *Semver) setComponents(v string) error {
	parts := strings.Split(v, valueDelimiter)
	if len(parts) != 3 {
		return fmt.Errorf("%w: unable to convert to semver, incorrect format: %s", ErrInvalidVersion, v)
	}

	nums := make([]uint64, 3)
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: unable to convert to semver, incorrect format: %s", ErrInvalidVersion, v)
		}
		nums[i] = n
	}
	s.major, s.minor, s.patch = nums[0], nums[1], nums[2]
	return nil
}

func (s *Semver) normalized() string {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(s.major, 10))
	b.WriteString(valueDelimiter)
	b.WriteString(strconv.FormatUint(s.minor, 10))
	b.WriteString(valueDelimiter)
	b.WriteString(strconv.FormatUint(s.patch, 10))
	if len(s.preRelease) > 0 {
		b.WriteString(preReleaseDelimiter)
		b.WriteString(strings.Join(s.preRelease, valueDelimiter))
	}
	if s.metadata != "" {
		b.WriteString(metadataDelimiter)
		b.WriteString(s.metadata)
	}
	return b.String()
}

// Compare returns a negative number when s < other, zero when equal in
// precedence and a positive number when s > other. Build metadata is ignored.
func (s *Semver) Compare(other *Semver) int {
	if s.version == other.version {
		return 0
	}
	return s.cmp.Compare(other.cmp)
}

// EqualTo reports whether both versions have the same normalized text,
// including build metadata.
func (s *Semver) EqualTo(other *Semver) bool {
	return s.version == other.version
}

// GreaterThanOrEqualTo reports s >= other by precedence.
func (s *Semver) GreaterThanOrEqualTo(other *Semver) bool {
	return s.Compare(other) >= 0
}

// LessThanOrEqualTo reports s <= other by precedence.
func (s *Semver) LessThanOrEqualTo(other *Semver) bool {
	return s.Compare(other) <= 0
}

// Between reports start <= s <= end.
func (s *Semver) Between(start, end *Semver) bool {
	return s.GreaterThanOrEqualTo(start) && s.LessThanOrEqualTo(end)
}

// Version returns the normalized textual form.
func (s *Semver) Version() string {
	return s.version
}

// String implements fmt.Stringer.
func (s *Semver) String() string {
	return s.version
}
