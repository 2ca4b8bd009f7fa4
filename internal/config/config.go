// Package config loads the mirror.toml configuration file and applies
// environment variable overrides on top of it.
package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/alecthomas/errors"
)

// MirrorSection controls download retry behaviour and the User-Agent contact string.
type MirrorSection struct {
	Retries int    `toml:"retries" env:"PANAMAX_MIRROR_RETRIES"`
	Contact string `toml:"contact" env:"PANAMAX_MIRROR_CONTACT"`
}

// ToolchainSection controls rustup toolchain synchronization.
type ToolchainSection struct {
	Sync              bool     `toml:"sync" env:"PANAMAX_TOOLCHAIN_SYNC"`
	DownloadThreads   int      `toml:"download_threads" env:"PANAMAX_TOOLCHAIN_DOWNLOAD_THREADS"`
	Source            string   `toml:"source" env:"PANAMAX_TOOLCHAIN_SOURCE"`
	DownloadDev       bool     `toml:"download_dev" env:"PANAMAX_TOOLCHAIN_DOWNLOAD_DEV"`
	DownloadGz        bool     `toml:"download_gz" env:"PANAMAX_TOOLCHAIN_DOWNLOAD_GZ"`
	DownloadXz        bool     `toml:"download_xz" env:"PANAMAX_TOOLCHAIN_DOWNLOAD_XZ"`
	PlatformsUnix     []string `toml:"platforms_unix"`
	PlatformsWindows  []string `toml:"platforms_windows"`
	KeepLatestStables int      `toml:"keep_latest_stables" env:"PANAMAX_TOOLCHAIN_KEEP_STABLES"`
	KeepLatestBetas   int      `toml:"keep_latest_betas" env:"PANAMAX_TOOLCHAIN_KEEP_BETAS"`
	KeepLatestNightly int      `toml:"keep_latest_nightlies" env:"PANAMAX_TOOLCHAIN_KEEP_NIGHTLIES"`
	PinnedVersions    []string `toml:"pinned_rust_versions"`
}

// PackagesSection controls crates.io index and archive synchronization.
type PackagesSection struct {
	Sync            bool   `toml:"sync" env:"PANAMAX_PACKAGES_SYNC"`
	DownloadThreads int    `toml:"download_threads" env:"PANAMAX_PACKAGES_DOWNLOAD_THREADS"`
	Source          string `toml:"source" env:"PANAMAX_PACKAGES_SOURCE"`
	SourceIndex     string `toml:"source_index" env:"PANAMAX_PACKAGES_SOURCE_INDEX"`
	BaseURL         string `toml:"base_url" env:"PANAMAX_PACKAGES_BASE_URL"`
}

// GatewaySection controls the HTTP gateway that serves the mirror.
type GatewaySection struct {
	CertFile string `toml:"cert_file" env:"PANAMAX_GATEWAY_CERT_FILE"`
	KeyFile  string `toml:"key_file" env:"PANAMAX_GATEWAY_KEY_FILE"`
}

// Mirror is the top level configuration document, rooted at mirror.toml.
type Mirror struct {
	Mirror    MirrorSection    `toml:"mirror"`
	Toolchain ToolchainSection `toml:"toolchain"`
	Packages  PackagesSection  `toml:"packages"`
	Gateway   GatewaySection   `toml:"gateway"`

	// Root is the mirror root directory; it is not a TOML field but is
	// populated by Load from the configuration file's own location.
	Root string `toml:"-"`
}

// Default constructs a Mirror configuration with the values panamax ships with
// out of the box (mirroring the defaults of the original implementation).
func Default() Mirror {
	return Mirror{
		Mirror: MirrorSection{
			Retries: 3,
		},
		Toolchain: ToolchainSection{
			Sync:              true,
			DownloadThreads:   6,
			Source:            "https://static.rust-lang.org",
			DownloadGz:        false,
			DownloadXz:        true,
			KeepLatestStables: 5,
			KeepLatestBetas:   1,
			KeepLatestNightly: 1,
		},
		Packages: PackagesSection{
			Sync:            true,
			DownloadThreads: 16,
			Source:          "https://crates.io",
			SourceIndex:     "https://github.com/rust-lang/crates.io-index",
		},
	}
}

// Load reads and parses a mirror.toml file at path, applying environment
// variable overrides afterwards. The mirror root is taken to be path's
// parent directory.
func Load(path string) (Mirror, error) {
	cfg := Default()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Mirror{}, errors.Wrapf(err, "parse %s", path)
	}

	if err := applyEnvToStruct(&cfg); err != nil {
		return Mirror{}, errors.Wrap(err, "apply environment overrides")
	}

	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return Mirror{}, errors.Wrap(err, "resolve mirror root")
	}
	cfg.Root = abs

	return cfg, nil
}

// applyEnvToStruct recursively overrides struct fields tagged `env:"..."`
// with the value of that environment variable, when set.
func applyEnvToStruct(v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.Elem().Kind() != reflect.Struct {
		return errors.New("applyEnvToStruct requires a pointer to struct")
	}

	rv = rv.Elem()
	rt := rv.Type()

	for i := 0; i < rv.NumField(); i++ {
		field := rv.Field(i)
		fieldType := rt.Field(i)

		if !field.CanSet() {
			continue
		}

		if envTag := fieldType.Tag.Get("env"); envTag != "" {
			if err := setFieldFromEnv(field, envTag); err != nil {
				return errors.Wrapf(err, "field %s", fieldType.Name)
			}
			continue
		}

		if field.Kind() == reflect.Struct {
			if err := applyEnvToStruct(field.Addr().Interface()); err != nil {
				return err
			}
		}
	}

	return nil
}

func setFieldFromEnv(field reflect.Value, envVar string) error {
	raw, ok := os.LookupEnv(envVar)
	if !ok || raw == "" {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return errors.Wrapf(err, "invalid integer for %s", envVar)
		}
		field.SetInt(int64(n))
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return errors.Wrapf(err, "invalid boolean for %s", envVar)
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return errors.Errorf("unsupported slice element type for %s", envVar)
		}
		parts := strings.Split(raw, ",")
		for i, p := range parts {
			parts[i] = strings.TrimSpace(p)
		}
		field.Set(reflect.ValueOf(parts))
	default:
		return errors.Errorf("unsupported field kind %s for %s", field.Kind(), envVar)
	}

	return nil
}

// UserAgent builds the mandatory User-Agent string used by every outbound
// request the synchronizer makes.
func (m Mirror) UserAgent(product, version string) string {
	contact := m.Mirror.Contact
	if contact == "" || contact == "your@email.com" {
		return product + "/" + version + " (no contact provided)"
	}
	return product + "/" + version + " (" + contact + ")"
}

// WriteDefault writes a fresh mirror.toml with default values to path,
// unless a file already exists there.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return errors.Wrap(err, "stat mirror.toml")
	}

	f, err := os.Create(path) //nolint:gosec // path is operator supplied
	if err != nil {
		return errors.Wrap(err, "create mirror.toml")
	}
	defer f.Close() //nolint:errcheck

	if err := toml.NewEncoder(f).Encode(Default()); err != nil {
		return errors.Wrap(err, "encode default mirror.toml")
	}
	return nil
}

// Directories returns the directory skeleton panamax expects to exist,
// as paths joined under root.
func Directories(root string) []string {
	return []string{
		filepath.Join(root, "rustup", "dist"),
		filepath.Join(root, "rustup", "archive"),
		filepath.Join(root, "dist"),
		filepath.Join(root, "crates.io-index"),
		filepath.Join(root, "crates"),
	}
}

// CreateDirectories scaffolds the mirror root directory skeleton, leaving
// any directory that already exists untouched.
func CreateDirectories(root string) error {
	for _, dir := range Directories(root) {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return errors.Wrapf(err, "create %s", dir)
		}
	}
	return nil
}
