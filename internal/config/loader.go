package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"golang.org/x/sys/unix"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix marks environment overrides.
	EnvPrefix = "PASSRUNNER_"
)

// listKeys are split on commas when read from the environment.
var listKeys = map[string]bool{
	"bitwarden.prompt_command":          true,
	"secretservice.exclude_attributes":  true,
	"secretservice.username_attributes": true,
}

// DefaultPath returns ~/.config/passrunner/config.yaml, honouring
// XDG_CONFIG_HOME.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config directory: %w", err)
	}
	return filepath.Join(dir, "passrunner", "config.yaml"), nil
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (PASSRUNNER_BACKEND, PASSRUNNER_LOG__LEVEL, etc.)
//  2. YAML config file
//  3. Default()
//
// An empty path loads DefaultPath, which may be missing. An explicit path
// must exist.
//
// # Security Considerations
//
// The file is opened once with O_NOFOLLOW and checked through the open
// descriptor: it must be a regular file owned by the current user, not
// writable by group or others, and at most 1MB.
//
// # Environment Variable Mapping
//
// The prefix is stripped, names are lowercased and a double underscore
// separates sections:
//
//	PASSRUNNER_MIN_QUERY_LENGTH -> min_query_length
//	PASSRUNNER_LOG__LEVEL -> log.level
//	PASSRUNNER_SECRETSERVICE__EXCLUDE_ATTRIBUTES=Path,Notes -> [Path Notes]
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		var err error
		if path, err = DefaultPath(); err != nil {
			return nil, err
		}
	}

	content, err := readConfigFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && !explicit:
	case err != nil:
		return nil, err
	default:
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envKey maps PASSRUNNER_LOG__LEVEL to log.level.
func envKey(name, value string) (string, any) {
	key := strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
	key = strings.ReplaceAll(key, "__", ".")
	if key == "" {
		return "", nil
	}
	if listKeys[key] {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return key, parts
	}
	return key, value
}

// readConfigFile opens path without following symlinks and validates it
// through the open descriptor.
func readConfigFile(path string) ([]byte, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ELOOP) {
			return nil, fmt.Errorf("config file %s must not be a symlink", path)
		}
		return nil, fmt.Errorf("failed to open config file: %w", &os.PathError{Op: "open", Path: path, Err: err})
	}
	f := os.NewFile(uintptr(fd), path)
	defer f.Close()

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(&st, os.Getuid()); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(content) > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large (max %d bytes)", maxConfigFileSize)
	}
	return content, nil
}

// validateConfigFileProperties checks type, owner, permissions and size.
func validateConfigFileProperties(st *unix.Stat_t, uid int) error {
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		return fmt.Errorf("not a regular file")
	}
	if int(st.Uid) != uid {
		return fmt.Errorf("owned by uid %d, expected %d", st.Uid, uid)
	}
	if perm := st.Mode & 0o777; perm&0o022 != 0 {
		return fmt.Errorf("insecure config file permissions: %#o (group or others may write)", perm)
	}
	if st.Size > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", st.Size, maxConfigFileSize)
	}
	return nil
}
