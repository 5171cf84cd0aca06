// Package regconfig implements the registry's YAML configuration
// document, versioned and environment-overridable: a Parser that
// unmarshals a VersionedParseInfo-selected struct then walks it
// overwriting any field that has a matching REGISTRY_ prefixed
// environment variable.
package regconfig

import (
	"fmt"
	"io"
	"reflect"
)

// Log controls the logging subsystem (logrus).
type Log struct {
	Level     string            `yaml:"level,omitempty"`
	Formatter string            `yaml:"formatter,omitempty"`
	Fields    map[string]string `yaml:"fields,omitempty"`
}

// HTTPTLS configures the listener's TLS certificate and optional mutual-TLS
// client verification.
type HTTPTLS struct {
	Certificate string   `yaml:"certificate,omitempty"`
	Key         string   `yaml:"key,omitempty"`
	ClientCAs   []string `yaml:"clientcas,omitempty"`
}

// HTTPDebug exposes pprof/expvar on a separate, non-TLS address that must
// never be reachable externally.
type HTTPDebug struct {
	Addr string `yaml:"addr,omitempty"`
}

// HTTP controls the registry's listening address and TLS configuration.
type HTTP struct {
	Addr  string    `yaml:"addr,omitempty"`
	Debug HTTPDebug `yaml:"debug,omitempty"`
	TLS   HTTPTLS   `yaml:"tls,omitempty"`
}

// Parameters is an opaque bag of driver-specific options used to select
// and configure one StorageDriver implementation.
type Parameters map[string]interface{}

// Storage selects and configures the ObjectStore backend. Exactly one
// driver key (filesystem/s3/azure) should be present; its value is passed
// verbatim to objectstore.Create.
type Storage map[string]Parameters

// Type returns the configured driver name ("filesystem", "s3", "azure")
// and its parameters, picking the sole non-empty key.
func (s Storage) Type() (string, Parameters) {
	for k, v := range s {
		return k, v
	}
	return "", nil
}

// TokenAuth configures the token service.
type TokenAuth struct {
	// Disabled turns off the bearer flow; falls back to Basic/Remote-User.
	Disabled bool `yaml:"disabled,omitempty"`

	Realm       string `yaml:"realm,omitempty"`
	Service     string `yaml:"service,omitempty"`
	Algorithm   string `yaml:"algorithm,omitempty"` // token_signature_algorithm: ES256|RS256|PS256
	PublicKey   string `yaml:"publickey,omitempty"`
	PrivateKey  string `yaml:"privatekey,omitempty"`
	ExpirationSeconds int `yaml:"expiration,omitempty"`

	// BasicUsers maps username to bcrypt hash for the local Basic-auth
	// fallback principal store consulted only when Disabled is set.
	BasicUsers map[string]string `yaml:"basicUsers,omitempty"`
}

// Validation controls manifest acceptance rules.
type Validation struct {
	// OCIPayloadMaxBytes caps non-blob content size (default 4 MiB).
	OCIPayloadMaxBytes int64 `yaml:"ociPayloadMaxBytes,omitempty"`
	// Mode is "strict" (default) or "relaxed" layer media-type checking.
	Mode string `yaml:"mode,omitempty"`
	// AdditionalOCIArtifactTypes extends the built-in config->layer
	// media-type allow-list.
	AdditionalOCIArtifactTypes map[string][]string `yaml:"additionalOciArtifactTypes,omitempty"`
}

// TaskRuntime sizes the background task worker pool.
type TaskRuntime struct {
	Workers               int `yaml:"workers,omitempty"`
	MaxParallelSigningTasks int `yaml:"maxParallelSigningTasks,omitempty"`
}

// Signing configures the external signer invocation.
type Signing struct {
	// Command is the signer executable plus leading arguments; the
	// manifest digest is appended at invocation time.
	Command []string `yaml:"command,omitempty"`
}

// Cache enables the shared manifest-response cache.
type Cache struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	Addr    string `yaml:"addr,omitempty"` // redis address
	TTLSeconds int `yaml:"ttlSeconds,omitempty"`
}

// FlatpakIndex exposes the /index/static and /index/dynamic endpoints.
// The index front-end itself lives outside this module; this flag only
// governs whether protocol mounts the route at all.
type FlatpakIndex struct {
	Enabled bool `yaml:"enabled,omitempty"`
}

// Configuration is the versioned registry configuration document,
// provided by a YAML file and optionally overridden by REGISTRY_-prefixed
// environment variables. Yaml field names never include underscores.
type Configuration struct {
	Version Version `yaml:"version"`

	Log     Log          `yaml:"log,omitempty"`
	HTTP    HTTP         `yaml:"http,omitempty"`
	Storage Storage      `yaml:"storage,omitempty"`
	Auth    TokenAuth    `yaml:"auth,omitempty"`
	Validation Validation `yaml:"validation,omitempty"`
	Tasks   TaskRuntime  `yaml:"tasks,omitempty"`
	Signing Signing      `yaml:"signing,omitempty"`
	Cache   Cache        `yaml:"cache,omitempty"`
	Flatpak FlatpakIndex `yaml:"flatpak,omitempty"`
}

// Parse parses an io.Reader into a Configuration, applying environment
// overrides under the REGISTRY_ prefix.
func Parse(rd io.Reader) (*Configuration, error) {
	in, err := io.ReadAll(rd)
	if err != nil {
		return nil, err
	}

	parser := NewParser("REGISTRY", []VersionedParseInfo{
		{
			Version: CurrentVersion,
			ParseAs: reflect.TypeOf(Configuration{}),
			ConversionFunc: func(c interface{}) (interface{}, error) {
				if config, ok := c.(*Configuration); ok {
					return config, nil
				}
				return nil, fmt.Errorf("expected *Configuration, received %#v", c)
			},
		},
	})

	config := new(Configuration)
	if err := parser.Parse(in, config); err != nil {
		return nil, err
	}

	return config, nil
}
