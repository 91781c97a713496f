// Package manifest describes simulated components in YAML and turns them
// into container definitions. kernelctl uses it to exercise the kernel
// without real services.
package manifest

import (
	"io"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/GrayDragon82/lifecycle"
)

// Manifest is the root of a manifest file:
//
//	components:
//	  - key: db
//	    ttl: 30s
//	  - key: api
//	    depends_on: [db]
//	    fail_on: [start]
type Manifest struct {
	Components []Spec `yaml:"components" validate:"unique=Key,dive"`
}

// Spec describes one simulated component.
type Spec struct {
	Key       string   `yaml:"key" validate:"required"`
	DependsOn []string `yaml:"depends_on"`
	// FailOn lists phases the component fails in.
	FailOn []string `yaml:"fail_on" validate:"dive,oneof=initialize start stop dispose"`
	// TTL, when set, registers an expiry handle while the component is started.
	TTL string `yaml:"ttl"`
}

// Parse decodes and validates a manifest.
func Parse(r io.Reader) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "decode manifest")
	}
	if err := validator.New().Struct(&m); err != nil {
		return nil, errors.Wrap(err, "invalid manifest")
	}
	for _, s := range m.Components {
		if _, err := s.ttl(); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

// Load parses the manifest file at path.
func Load(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open manifest")
	}
	defer f.Close()
	m, err := Parse(f)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	return m, nil
}

func (s Spec) ttl() (time.Duration, error) {
	if s.TTL == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s.TTL)
	if err != nil || d <= 0 {
		return 0, errors.Newf("component %q: invalid ttl %q", s.Key, s.TTL)
	}
	return d, nil
}

func (s Spec) dependencies() []lifecycle.Key {
	if len(s.DependsOn) == 0 {
		return nil
	}
	keys := make([]lifecycle.Key, 0, len(s.DependsOn))
	for _, d := range s.DependsOn {
		keys = append(keys, lifecycle.Key(d))
	}
	return keys
}

// Definition builds the simulated component for s.
func (s Spec) Definition(monitor *lifecycle.ExpiryMonitor, logger *zap.Logger) lifecycle.Definition {
	return lifecycle.Definition{
		Key:          lifecycle.Key(s.Key),
		Instance:     NewSimulated(s, monitor, logger),
		Dependencies: s.dependencies(),
	}
}

// Definitions builds a definition for every component, in manifest order.
func (m *Manifest) Definitions(monitor *lifecycle.ExpiryMonitor, logger *zap.Logger) []lifecycle.Definition {
	defs := make([]lifecycle.Definition, 0, len(m.Components))
	for _, s := range m.Components {
		defs = append(defs, s.Definition(monitor, logger))
	}
	return defs
}
