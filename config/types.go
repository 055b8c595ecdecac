package config

import (
	"time"

	"github.com/inhies/go-bytesize"
)

// Size is a byte count written in YAML as a human readable string such as
// "4MB" or "512KB".
type Size bytesize.ByteSize

func ParseSize(s string) (Size, error) {
	b, err := bytesize.Parse(s)
	if err != nil {
		return 0, err
	}
	return Size(b), nil
}

// Bytes returns the size as an integer.
func (s Size) Bytes() uint64 {
	return uint64(s)
}

func (s Size) String() string {
	return bytesize.ByteSize(s).String()
}

func (s *Size) UnmarshalYAML(unmarshal func(any) error) error {
	var str string
	if err := unmarshal(&str); err != nil {
		return err
	}
	v, err := ParseSize(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s Size) MarshalYAML() (any, error) {
	return s.String(), nil
}

// Duration is a time.Duration written in YAML as a Go duration string.
type Duration time.Duration

func (d Duration) D() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var str string
	if err := unmarshal(&str); err != nil {
		return err
	}
	v, err := time.ParseDuration(str)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}
