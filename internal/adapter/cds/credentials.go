package cds

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultURL is the Climate Data Store API root.
const DefaultURL = "https://cds.climate.copernicus.eu/api"

// DefaultEWDSURL is the Early Warning Data Store API root, which serves the
// CEMS fire indices.
const DefaultEWDSURL = "https://ewds.climate.copernicus.eu/api"

// Credentials are an API root and personal access token.
type Credentials struct {
	URL string `yaml:"url"`
	Key string `yaml:"key"`
}

// Valid reports whether both fields are set.
func (c Credentials) Valid() bool {
	return c.URL != "" && c.Key != ""
}

// LoadCredentials reads a .cdsapirc file ("url: ..." and "key: ..." lines).
func LoadCredentials(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, err
	}
	var c Credentials
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Credentials{}, fmt.Errorf("parse %s: %w", path, err)
	}
	c.URL = strings.TrimRight(strings.TrimSpace(c.URL), "/")
	c.Key = strings.TrimSpace(c.Key)
	return c, nil
}

// DefaultCredentialsFile is ~/.cdsapirc, or "" when the home directory is
// unknown.
func DefaultCredentialsFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".cdsapirc")
}

// ResolveCredentials merges the credential file with explicit overrides.
// A missing file is not an error; the result may still be invalid.
func ResolveCredentials(file, url, key string) (Credentials, error) {
	var c Credentials
	if file == "" {
		file = DefaultCredentialsFile()
	}
	if file != "" {
		loaded, err := LoadCredentials(file)
		switch {
		case err == nil:
			c = loaded
		case errors.Is(err, os.ErrNotExist):
		default:
			return Credentials{}, err
		}
	}
	if url != "" {
		c.URL = strings.TrimRight(url, "/")
	}
	if key != "" {
		c.Key = key
	}
	if c.URL == "" && c.Key != "" {
		c.URL = DefaultURL
	}
	return c, nil
}
