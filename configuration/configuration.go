// Package configuration loads the registry configuration from a YAML file
// with environment variable overrides.
package configuration

import (
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration is a versioned registry configuration, intended to be
// provided by a yaml file, and optionally modified via environment
// variables. The zero value is not usable; obtain instances through Parse
// or Default.
type Configuration struct {
	// Version is the version which defines the format of the rest of the
	// configuration
	Version Version `yaml:"version"`

	// Log supports setting various parameters related to the logging
	// subsystem.
	Log struct {
		// Level is the granularity at which registry operations are logged.
		Level Loglevel `yaml:"level,omitempty"`

		// Formatter overrides the default formatter with another. Options
		// include "text" and "json".
		Formatter string `yaml:"formatter,omitempty"`

		// Fields allows users to specify static string fields to include in
		// the logger context.
		Fields map[string]interface{} `yaml:"fields,omitempty"`
	} `yaml:"log"`

	// Storage is the configuration for the registry's storage driver.
	Storage Storage `yaml:"storage"`

	// HTTP contains configuration parameters for the registry's http
	// interface.
	HTTP struct {
		// Addr specifies the bind address for the registry instance.
		Addr string `yaml:"addr,omitempty"`

		// RelativeURLs specifies that relative URLs should be returned in
		// Location headers.
		RelativeURLs bool `yaml:"relativeurls,omitempty"`
	} `yaml:"http,omitempty"`

	// Uploads holds the lifecycle knobs of blob upload sessions.
	Uploads struct {
		// Timeout is the age after which an open upload session is
		// considered abandoned and eligible for the reaper.
		Timeout time.Duration `yaml:"timeout,omitempty"`

		// PurgeInterval is how often the reaper scans for abandoned
		// sessions.
		PurgeInterval time.Duration `yaml:"purgeinterval,omitempty"`
	} `yaml:"uploads,omitempty"`

	// GC configures the garbage collector.
	GC struct {
		// MinAge protects blobs younger than this from the sweep phase.
		MinAge time.Duration `yaml:"minage,omitempty"`
	} `yaml:"gc,omitempty"`

	// Pagination bounds the page sizes of the tags and catalog listings.
	Pagination struct {
		DefaultLimit int `yaml:"defaultlimit,omitempty"`
		MaxLimit     int `yaml:"maxlimit,omitempty"`
	} `yaml:"pagination,omitempty"`

	// Auth allows configuration of various authorization methods.
	Auth Auth `yaml:"auth,omitempty"`
}

const (
	defaultAddr          = "0.0.0.0:15000"
	defaultUploadTimeout = time.Hour
	defaultPurgeInterval = 5 * time.Minute
	defaultGCMinAge      = time.Hour
	defaultPageLimit     = 100
	maxPageLimit         = 1000
)

// Default returns a configuration populated with every default value. It
// stores under ./data with the filesystem driver.
func Default() *Configuration {
	config := &Configuration{
		Version: CurrentVersion,
		Storage: Storage{
			"filesystem": Parameters{"rootdirectory": "./data"},
		},
	}
	config.applyDefaults()
	return config
}

func (config *Configuration) applyDefaults() {
	if config.HTTP.Addr == "" {
		config.HTTP.Addr = defaultAddr
	}
	if config.Uploads.Timeout == 0 {
		config.Uploads.Timeout = defaultUploadTimeout
	}
	if config.Uploads.PurgeInterval == 0 {
		config.Uploads.PurgeInterval = defaultPurgeInterval
	}
	if config.GC.MinAge == 0 {
		config.GC.MinAge = defaultGCMinAge
	}
	if config.Pagination.DefaultLimit <= 0 {
		config.Pagination.DefaultLimit = defaultPageLimit
	}
	if config.Pagination.MaxLimit <= 0 {
		config.Pagination.MaxLimit = maxPageLimit
	}
}

// Version is a major/minor version pair of the form Major.Minor
// Major version upgrades indicate structure or type changes
// Minor version upgrades should be strictly additive
type Version string

// CurrentVersion is the most recent Version that can be parsed.
var CurrentVersion = Version("0.1")

// Loglevel is the level at which operations are logged. This can be
// error, warn, info, or debug.
type Loglevel string

// UnmarshalYAML implements the yaml.Umarshaler interface for Loglevel,
// validating that the specified level is valid.
func (loglevel *Loglevel) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var strLoglevel string
	err := unmarshal(&strLoglevel)
	if err != nil {
		return err
	}

	strLoglevel = strings.ToLower(strLoglevel)

	switch strLoglevel {
	case "error", "warn", "info", "debug":
	default:
		return fmt.Errorf("invalid loglevel %s Must be one of [error, warn, info, debug]", strLoglevel)
	}

	*loglevel = Loglevel(strLoglevel)
	return nil
}

// Parameters defines a key-value parameters mapping
type Parameters map[string]interface{}

// Storage defines the configuration for registry object storage
type Storage map[string]Parameters

// Type returns the storage driver type, such as filesystem or inmemory
func (storage Storage) Type() string {
	// Return only key in this map
	for k := range storage {
		return k
	}
	return ""
}

// Parameters returns the Parameters map for a Storage configuration
func (storage Storage) Parameters() Parameters {
	return storage[storage.Type()]
}

// setParameter changes the parameter at the provided key to the new value
func (storage Storage) setParameter(key string, value interface{}) {
	storage[storage.Type()][key] = value
}

// UnmarshalYAML implements the yaml.Unmarshaler interface
// Unmarshals a single item map into a Storage or a string into a Storage
// type with no parameters
func (storage *Storage) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var storageMap map[string]Parameters
	err := unmarshal(&storageMap)
	if err == nil {
		if len(storageMap) > 1 {
			types := make([]string, 0, len(storageMap))
			for k := range storageMap {
				types = append(types, k)
			}
			return fmt.Errorf("must provide exactly one storage type. Provided: %v", types)
		}
		*storage = storageMap
		return nil
	}

	var storageType string
	if err := unmarshal(&storageType); err != nil {
		return err
	}

	*storage = Storage{storageType: Parameters{}}
	return nil
}

// MarshalYAML implements the yaml.Marshaler interface
func (storage Storage) MarshalYAML() (interface{}, error) {
	if storage.Parameters() == nil {
		return storage.Type(), nil
	}
	return map[string]Parameters(storage), nil
}

// Auth defines the configuration for registry authorization. The zero
// value means requests are not authenticated.
type Auth map[string]Parameters

// Type returns the auth type, such as htpasswd or token
func (auth Auth) Type() string {
	// Return only key in this map
	for k := range auth {
		return k
	}
	return ""
}

// Parameters returns the Parameters map for an Auth configuration
func (auth Auth) Parameters() Parameters {
	return auth[auth.Type()]
}

// Parse parses an input configuration yaml document into a Configuration
// struct.
//
// Environment variables may be used to override configuration parameters,
// following the scheme below:
//
//	Configuration.Abc may be replaced by the value of REGISTRY_ABC,
//	Configuration.Abc.Xyz may be replaced by the value of REGISTRY_ABC_XYZ,
//	and so forth.
func Parse(rd io.Reader) (*Configuration, error) {
	in, err := io.ReadAll(rd)
	if err != nil {
		return nil, err
	}

	config := new(Configuration)
	if err := yaml.Unmarshal(in, config); err != nil {
		return nil, err
	}

	if config.Version != CurrentVersion {
		return nil, fmt.Errorf("unsupported configuration version %q, expected %q", config.Version, CurrentVersion)
	}

	if err := overrideFromEnv(config); err != nil {
		return nil, err
	}

	if config.Storage.Type() == "" {
		return nil, fmt.Errorf("no storage configuration provided")
	}

	config.applyDefaults()
	return config, nil
}
