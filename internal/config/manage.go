package config

import (
	"fmt"
	"time"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
	Secret bool
}

// ShowAll returns all config key/value pairs from cfg. Secret values are
// masked.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		v := s.extract(cfg)
		value := fmt.Sprintf("%v", v)
		if d, ok := v.(time.Duration); ok {
			value = d.String()
		}
		if s.secret {
			value = maskSecret(value)
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  value,
			Secret: s.secret,
		})
	}
	return result
}

func maskSecret(v string) string {
	if v == "" {
		return "(unset)"
	}
	return "********"
}

// SetKey validates value and writes it to the config file, or to the
// secrets file for secret keys.
func SetKey(key, value string) error {
	return setKeyWith(newPlatformBackend(), secretsFile{path: SecretsFilePath()}, key, value)
}

func setKeyWith(b ConfigBackend, secrets secretsFile, key, value string) error {
	s, ok := findSpec(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	v, err := parseValue(s, value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if s.secret {
		return secrets.Set(key, value)
	}
	if s.typ == kInt {
		return b.SetInt(key, v.(int))
	}
	return b.SetString(key, value)
}

// ValidKeys returns every config key name.
func ValidKeys() []string {
	keys := make([]string, 0, len(specs))
	for _, s := range specs {
		keys = append(keys, s.key)
	}
	return keys
}
