// Package config loads the tool configuration from defaults, a YAML file,
// an optional dotenv file and OS_* environment variables, in that order.
package config

import (
	"bytes"
	"io"
	"os"
	"sort"
	"time"

	"github.com/caarlos0/env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

// DefaultFile is read when no file is given and it exists.
const DefaultFile = "instance-transfer.yaml"

// Backends.
const (
	BackendOpenStack = "openstack"
	BackendIncus     = "incus"
	BackendFake      = "fake"
)

// Auth holds OpenStack credentials. Every field can be set from the
// environment variable named in its env tag.
type Auth struct {
	AuthURL           string `yaml:"auth_url" env:"OS_AUTH_URL"`
	Username          string `yaml:"username" env:"OS_USERNAME"`
	Password          string `yaml:"password" env:"OS_PASSWORD"`
	UserDomainName    string `yaml:"user_domain_name" env:"OS_USER_DOMAIN_NAME"`
	ProjectID         string `yaml:"project_id" env:"OS_PROJECT_ID"`
	ProjectName       string `yaml:"project_name" env:"OS_PROJECT_NAME"`
	ProjectDomainName string `yaml:"project_domain_name" env:"OS_PROJECT_DOMAIN_NAME"`
	Region            string `yaml:"region" env:"OS_REGION_NAME"`
}

// Incus selects the Incus daemon.
type Incus struct {
	// Socket is the UNIX socket path; empty uses the default socket.
	Socket string `yaml:"socket"`
}

// Fake configures the in-memory backend.
type Fake struct {
	// Seed is a YAML file of projects, instances and volumes to preload.
	Seed string `yaml:"seed"`
}

// Deadlines bound each kind of wait.
type Deadlines struct {
	Snapshot time.Duration `yaml:"snapshot" validate:"gt=0"`
	Volume   time.Duration `yaml:"volume" validate:"gt=0"`
	Instance time.Duration `yaml:"instance" validate:"gt=0"`
	Image    time.Duration `yaml:"image" validate:"gt=0"`
	Delete   time.Duration `yaml:"delete" validate:"gt=0"`
	Attach   time.Duration `yaml:"attach" validate:"gt=0"`
}

// Config is the complete tool configuration.
type Config struct {
	Backend              string        `yaml:"backend" validate:"oneof=openstack incus fake"`
	Auth                 Auth          `yaml:"auth"`
	Incus                Incus         `yaml:"incus"`
	Fake                 Fake          `yaml:"fake"`
	RootDevice           string        `yaml:"root_device" validate:"required,startswith=/"`
	PollInterval         time.Duration `yaml:"poll_interval" validate:"gt=0"`
	Deadlines            Deadlines     `yaml:"deadlines"`
	ParallelStatusChecks bool          `yaml:"parallel_status_checks"`
	WaitForAttach        bool          `yaml:"wait_for_attach"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Backend:      BackendOpenStack,
		RootDevice:   "/dev/vda",
		PollInterval: 5 * time.Second,
		Deadlines: Deadlines{
			Snapshot: 50 * time.Second,
			Volume:   10 * time.Second,
			Instance: 50 * time.Second,
			Image:    120 * time.Second,
			Delete:   20 * time.Second,
			Attach:   30 * time.Second,
		},
	}
}

// Sources names where Load reads from.
type Sources struct {
	// File is the YAML file. Empty reads DefaultFile if it exists.
	File string
	// EnvFile is a dotenv file loaded into the environment before the
	// OS_* variables are read. Variables already set win.
	EnvFile string
}

// Load builds and validates the configuration.
func Load(src Sources) (Config, error) {
	cfg := Default()

	path, required := src.File, true
	if path == "" {
		path, required = DefaultFile, false
	}
	if err := cfg.readFile(path, required); err != nil {
		return Config{}, err
	}

	if src.EnvFile != "" {
		if err := godotenv.Load(src.EnvFile); err != nil {
			return Config{}, errors.Annotatef(err, "loading env file %s", src.EnvFile)
		}
	}
	if err := cfg.readEnv(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string, required bool) error {
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) && !required {
		return nil
	}
	if err != nil {
		return errors.Annotatef(err, "reading config file %s", path)
	}
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return errors.NewNotValid(err, "config file "+path)
	}
	return nil
}

// readEnv overlays credentials set in the environment.
func (c *Config) readEnv() error {
	var fromEnv Auth
	if err := env.Parse(&fromEnv); err != nil {
		return errors.Annotate(err, "reading credentials from environment")
	}
	overlay := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	overlay(&c.Auth.AuthURL, fromEnv.AuthURL)
	overlay(&c.Auth.Username, fromEnv.Username)
	overlay(&c.Auth.Password, fromEnv.Password)
	overlay(&c.Auth.UserDomainName, fromEnv.UserDomainName)
	overlay(&c.Auth.ProjectID, fromEnv.ProjectID)
	overlay(&c.Auth.ProjectName, fromEnv.ProjectName)
	overlay(&c.Auth.ProjectDomainName, fromEnv.ProjectDomainName)
	overlay(&c.Auth.Region, fromEnv.Region)
	return nil
}

var validate = validator.New()

// Validate checks field constraints and that the selected backend has what
// it needs to connect.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.NewNotValid(err, "configuration")
	}
	if c.Backend == BackendOpenStack {
		missing := []string{}
		for name, v := range map[string]string{
			"auth_url (OS_AUTH_URL)": c.Auth.AuthURL,
			"username (OS_USERNAME)": c.Auth.Username,
			"password (OS_PASSWORD)": c.Auth.Password,
		} {
			if v == "" {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return errors.NotValidf("openstack credentials without %v", missing)
		}
	}
	return nil
}
