// Package config stores the daemon configuration: the service key, LND
// credentials and the wallet connect URIs handed out to clients. The file
// is TOML; LND_NWC_* environment variables override single values at load
// time without being written back.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"lnd-nwc/internal/nips"
	"lnd-nwc/internal/nostr"
	"lnd-nwc/internal/nwc"
)

const (
	EnvPrefix = "LND_NWC"

	configDir       = ".lnd-nwc"
	configFile      = "config.toml"
	pidFile         = "lnd-nwc.pid"
	fileMode        = 0o600
	dirMode         = 0o700
	tempFilePattern = ".config-*.toml.tmp"

	currentVersion = 1

	// PathKey is the viper key holding an explicit config path.
	PathKey = "config"
)

var (
	ErrURIExists   = errors.New("uri name already exists")
	ErrURINotFound = errors.New("uri name not found")
	ErrNoSecretKey = errors.New("no nostr secret key configured")
)

// File is the on-disk configuration.
type File struct {
	Version int                 `toml:"version"`
	Nostr   NostrSection        `toml:"nostr"`
	LND     LNDSection          `toml:"lnd"`
	URIs    map[string]URIEntry `toml:"uris,omitempty"`
	Daemon  DaemonSection       `toml:"daemon"`
	Metrics MetricsSection      `toml:"metrics"`
	Log     LogSection          `toml:"log"`
}

type NostrSection struct {
	SecretKey string `toml:"secret_key"` // hex or nsec
}

type LNDSection struct {
	Host         string `toml:"host"`
	CertFile     string `toml:"cert_file"`
	MacaroonFile string `toml:"macaroon_file"`
}

// URIEntry is one client capability. IdentityKey is the private half of the
// URI pubkey when the URI was created here.
type URIEntry struct {
	URI         string    `toml:"uri"`
	IdentityKey string    `toml:"identity_key,omitempty"`
	CreatedAt   time.Time `toml:"created_at"`
}

type DaemonSection struct {
	PIDFile string `toml:"pid_file"`
}

type MetricsSection struct {
	Listen string `toml:"listen"` // empty disables the endpoint
}

type LogSection struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

func (f *File) applyDefaults(dir string) {
	if f.Version == 0 {
		f.Version = currentVersion
	}
	if f.URIs == nil {
		f.URIs = make(map[string]URIEntry)
	}
	if f.Daemon.PIDFile == "" {
		f.Daemon.PIDFile = filepath.Join(dir, pidFile)
	}
}

func (f *File) validateVersion() error {
	if f.Version > currentVersion {
		return fmt.Errorf("unsupported config version %d (current %d)", f.Version, currentVersion)
	}
	return nil
}

// Store reads and writes one config file.
type Store struct {
	path string
	v    *viper.Viper
	mu   sync.Mutex
}

// NewViper returns a viper instance wired to the LND_NWC_* environment.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Open resolves the config path from v (flag or LND_NWC_CONFIG), falling
// back to ~/.lnd-nwc/config.toml.
func Open(v *viper.Viper) (*Store, error) {
	if v == nil {
		v = NewViper()
	}

	path := v.GetString(PathKey)
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		path = filepath.Join(home, configDir, configFile)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	return &Store{path: filepath.Clean(abs), v: v}, nil
}

func (s *Store) Path() string {
	return s.path
}

// overrides maps viper keys to the fields they replace.
func overrides(f *File) map[string]*string {
	return map[string]*string{
		"nostr.secret_key":  &f.Nostr.SecretKey,
		"lnd.host":          &f.LND.Host,
		"lnd.cert_file":     &f.LND.CertFile,
		"lnd.macaroon_file": &f.LND.MacaroonFile,
		"daemon.pid_file":   &f.Daemon.PIDFile,
		"metrics.listen":    &f.Metrics.Listen,
		"log.level":         &f.Log.Level,
		"log.format":        &f.Log.Format,
	}
}

// Load returns the configuration with environment and flag overrides
// applied. A missing file yields defaults.
func (s *Store) Load() (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return nil, err
	}
	for key, field := range overrides(f) {
		if s.v.IsSet(key) {
			*field = s.v.GetString(key)
		}
	}
	return f, nil
}

// Update applies fn to the stored file and writes it back atomically.
// Overrides are not persisted.
func (s *Store) Update(fn func(*File) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		return err
	}
	return s.write(f)
}

func (s *Store) read() (*File, error) {
	f := &File{}
	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config file: %w", err)
	default:
		if err := toml.Unmarshal(data, f); err != nil {
			return nil, fmt.Errorf("decode config file %s: %w", s.path, err)
		}
		if err := f.validateVersion(); err != nil {
			return nil, err
		}
	}
	f.applyDefaults(filepath.Dir(s.path))
	return f, nil
}

func (s *Store) write(f *File) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	f.applyDefaults(dir)

	data, err := toml.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode config file: %w", err)
	}

	tmp, err := os.CreateTemp(dir, tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp config file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp config file: %w", err)
	}
	if err := tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace config file: %w", err)
	}
	cleanup = false
	return nil
}

// ParseSecretKey accepts a hex or nsec encoded secret key.
func ParseSecretKey(s string) (*nostr.Keys, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "nsec1") {
		hexKey, err := nips.DecodeNsec(s)
		if err != nil {
			return nil, err
		}
		s = hexKey
	}
	return nostr.KeysFromHex(s)
}

// ServiceKeys returns the service identity.
func (f *File) ServiceKeys() (*nostr.Keys, error) {
	if f.Nostr.SecretKey == "" {
		return nil, ErrNoSecretKey
	}
	return ParseSecretKey(f.Nostr.SecretKey)
}

// EnsureServiceKey generates and stores a service key on first use.
func (s *Store) EnsureServiceKey() (keys *nostr.Keys, generated bool, err error) {
	err = s.Update(func(f *File) error {
		if f.Nostr.SecretKey != "" {
			keys, err = f.ServiceKeys()
			return err
		}
		if keys, err = nostr.GenerateKeys(); err != nil {
			return err
		}
		f.Nostr.SecretKey = keys.SecretHex()
		generated = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return keys, generated, nil
}

// URINames returns the configured URI names sorted.
func (f *File) URINames() []string {
	names := make([]string, 0, len(f.URIs))
	for name := range f.URIs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Session materializes a stored URI.
func (f *File) Session(name string) (*nwc.Session, error) {
	entry, ok := f.URIs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrURINotFound, name)
	}
	s, err := nwc.ParseURI(name, entry.URI)
	if err != nil {
		return nil, fmt.Errorf("uri %s: %w", name, err)
	}
	if entry.IdentityKey == "" {
		return s, nil
	}
	keys, err := ParseSecretKey(entry.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("uri %s identity key: %w", name, err)
	}
	return s.WithIdentityKey(keys)
}

// Sessions materializes every stored URI in name order. Entries that fail
// to load are left out and reported together in the error, so callers can
// run with the rest.
func (f *File) Sessions() ([]*nwc.Session, error) {
	sessions := make([]*nwc.Session, 0, len(f.URIs))
	var errs []error
	for _, name := range f.URINames() {
		s, err := f.Session(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		sessions = append(sessions, s)
	}
	return sessions, errors.Join(errs...)
}

// AddURI creates a new capability under name and stores it.
func (s *Store) AddURI(name string, relays []string) (*nwc.Session, error) {
	var session *nwc.Session
	err := s.Update(func(f *File) error {
		if _, ok := f.URIs[name]; ok {
			return fmt.Errorf("%w: %s", ErrURIExists, name)
		}
		var err error
		if session, err = nwc.GenerateSession(name, relays); err != nil {
			return err
		}
		f.URIs[name] = URIEntry{
			URI:         session.URI(),
			IdentityKey: session.IdentityKey().SecretHex(),
			CreatedAt:   time.Now().UTC().Truncate(time.Second),
		}
		return nil
	})
	return session, err
}

// ImportURI stores a capability created elsewhere. Responses for it are
// signed by the service key.
func (s *Store) ImportURI(name, uri string) (*nwc.Session, error) {
	session, err := nwc.ParseURI(name, uri)
	if err != nil {
		return nil, err
	}
	err = s.Update(func(f *File) error {
		if _, ok := f.URIs[name]; ok {
			return fmt.Errorf("%w: %s", ErrURIExists, name)
		}
		f.URIs[name] = URIEntry{URI: session.URI(), CreatedAt: time.Now().UTC().Truncate(time.Second)}
		return nil
	})
	return session, err
}

func (s *Store) RemoveURI(name string) error {
	return s.Update(func(f *File) error {
		if _, ok := f.URIs[name]; !ok {
			return fmt.Errorf("%w: %s", ErrURINotFound, name)
		}
		delete(f.URIs, name)
		return nil
	})
}

// SetLND stores node credentials. Empty values keep the current setting.
func (s *Store) SetLND(host, certFile, macaroonFile string) error {
	return s.Update(func(f *File) error {
		if host != "" {
			f.LND.Host = host
		}
		if certFile != "" {
			f.LND.CertFile = certFile
		}
		if macaroonFile != "" {
			f.LND.MacaroonFile = macaroonFile
		}
		return nil
	})
}
