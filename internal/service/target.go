package service

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/haatos/simple-cd/internal"
)

type Mode string

const (
	ModeDirect     Mode = "direct"
	ModeStaged     Mode = "staged"
	ModeBuildOnly  Mode = "build-only"
	ModeDeployOnly Mode = "deploy-only"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.TrimSpace(s)); m {
	case ModeDirect, ModeStaged, ModeBuildOnly, ModeDeployOnly:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// UsesArtifactStore reports whether the mode hands the build output over
// through the artifact store.
func (m Mode) UsesArtifactStore() bool {
	return m != ModeDirect
}

// Duration decodes YAML duration strings such as "90s" or "10m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(b []byte) error {
	var s string
	if err := yaml.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type SourceConfig struct {
	Repository string `yaml:"repository"`
	Branch     string `yaml:"branch"`
	// Path is a local content tree, or a sub-directory of the clone when
	// Repository is set.
	Path       string `yaml:"path"`
	Submodules bool   `yaml:"submodules"`
	Depth      int    `yaml:"depth"`
}

type GeneratorConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`
	// Output is a directory relative to the source root that the generator
	// writes to. When empty the generator is expected to write to {{output}}.
	Output string `yaml:"output"`
}

const (
	HostingDirectory = "directory"
	HostingSFTP      = "sftp"
	HostingS3        = "s3"
)

type HostingConfig struct {
	Kind string `yaml:"kind"`
	URL  string `yaml:"url"`
	// Path is the document root for directory and sftp hosting and the key
	// prefix for s3 hosting.
	Path         string `yaml:"path"`
	Host         string `yaml:"host"`
	User         string `yaml:"user"`
	KeyFile      string `yaml:"key_file"`
	KnownHosts   string `yaml:"known_hosts"`
	Bucket       string `yaml:"bucket"`
	KeepReleases int    `yaml:"keep_releases"`
}

type Target struct {
	Name      string              `yaml:"name"`
	Source    SourceConfig        `yaml:"source"`
	Generator GeneratorConfig     `yaml:"generator"`
	Mode      Mode                `yaml:"mode"`
	Artifact  string              `yaml:"artifact"`
	Timeouts  map[string]Duration `yaml:"timeouts"`
	Retries   map[string]int      `yaml:"retries"`
	Hosting   HostingConfig       `yaml:"hosting"`
}

func (t *Target) StageTimeout(stage string, fallback time.Duration) time.Duration {
	if d, ok := t.Timeouts[stage]; ok && d > 0 {
		return time.Duration(d)
	}
	return fallback
}

func (t *Target) StageRetries(stage string) int {
	return max(0, t.Retries[stage])
}

type targetsFile struct {
	Targets []*Target `yaml:"targets"`
}

type Targets struct {
	order  []string
	byName map[string]*Target
}

func NewTargets(targets ...*Target) (*Targets, error) {
	ts := &Targets{byName: make(map[string]*Target)}
	for i, t := range targets {
		if err := t.normalize(); err != nil {
			return nil, fmt.Errorf("target %d: %w", i, err)
		}
		if _, ok := ts.byName[t.Name]; ok {
			return nil, fmt.Errorf("duplicate target %q", t.Name)
		}
		ts.byName[t.Name] = t
		ts.order = append(ts.order, t.Name)
	}
	return ts, nil
}

func LoadTargets(path string) (*Targets, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseTargets(b)
}

func ParseTargets(b []byte) (*Targets, error) {
	tf := new(targetsFile)
	if err := yaml.Unmarshal(b, tf); err != nil {
		return nil, err
	}
	return NewTargets(tf.Targets...)
}

func (ts *Targets) Lookup(name string) (*Target, bool) {
	t, ok := ts.byName[name]
	return t, ok
}

func (ts *Targets) All() []*Target {
	all := make([]*Target, 0, len(ts.order))
	for _, name := range ts.order {
		all = append(all, ts.byName[name])
	}
	return all
}

func (t *Target) normalize() error {
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("name is required")
	}
	if t.Mode == "" {
		t.Mode = ModeDirect
	}
	if _, err := ParseMode(string(t.Mode)); err != nil {
		return fmt.Errorf("target %s: %w", t.Name, err)
	}
	if t.Artifact == "" {
		t.Artifact = internal.DefaultArtifact
	}
	if t.Source.Repository == "" && t.Source.Path == "" {
		return fmt.Errorf("target %s: source repository or path is required", t.Name)
	}
	if t.Generator.Command == "" {
		t.Generator.Command = "hugo"
	}
	if t.Generator.Command == "hugo" && len(t.Generator.Args) == 0 {
		t.Generator.Args = []string{"--source", "{{source}}", "--destination", "{{output}}"}
	}
	switch t.Hosting.Kind {
	case HostingDirectory:
		if t.Hosting.Path == "" {
			return fmt.Errorf("target %s: directory hosting requires path", t.Name)
		}
	case HostingSFTP:
		if t.Hosting.Host == "" || t.Hosting.User == "" || t.Hosting.Path == "" {
			return fmt.Errorf("target %s: sftp hosting requires host, user and path", t.Name)
		}
	case HostingS3:
		if t.Hosting.Bucket == "" {
			return fmt.Errorf("target %s: s3 hosting requires bucket", t.Name)
		}
	default:
		return fmt.Errorf("target %s: unknown hosting kind %q", t.Name, t.Hosting.Kind)
	}
	return nil
}
