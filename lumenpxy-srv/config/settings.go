package config

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Settings is the runtime snapshot every accepted connection reads once.
// Values are immutable; updates swap in a new snapshot.
type Settings struct {
	SSLVerification          bool `json:"sslVerification"`
	AutoConnect              bool `json:"autoConnect"`
	BlockAds                 bool `json:"blockAds"`
	EnableLogging            bool `json:"enableLogging"`
	ConnectionTimeoutSeconds int  `json:"connectionTimeout"`
	MaxConnections           int  `json:"maxConnections"`
}

// SettingsPatch is a partial update; nil fields are left unchanged.
type SettingsPatch struct {
	SSLVerification          *bool `json:"sslVerification,omitempty"`
	AutoConnect              *bool `json:"autoConnect,omitempty"`
	BlockAds                 *bool `json:"blockAds,omitempty"`
	EnableLogging            *bool `json:"enableLogging,omitempty"`
	ConnectionTimeoutSeconds *int  `json:"connectionTimeout,omitempty"`
	MaxConnections           *int  `json:"maxConnections,omitempty"`
}

var (
	ErrInvalidTimeout        = errors.New("connectionTimeout must be greater than zero")
	ErrInvalidMaxConnections = errors.New("maxConnections must be greater than zero")
)

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		SSLVerification:          true,
		AutoConnect:              false,
		BlockAds:                 true,
		EnableLogging:            true,
		ConnectionTimeoutSeconds: 10,
		MaxConnections:           5,
	}
}

// Validate checks the numeric bounds of a snapshot.
func (s Settings) Validate() error {
	if s.ConnectionTimeoutSeconds <= 0 {
		return ErrInvalidTimeout
	}
	if s.MaxConnections <= 0 {
		return ErrInvalidMaxConnections
	}
	return nil
}

// ConnectionTimeout returns the idle timeout applied to every socket.
func (s Settings) ConnectionTimeout() time.Duration {
	return time.Duration(s.ConnectionTimeoutSeconds) * time.Second
}

// Apply returns a copy of s with the non-nil fields of p applied.
func (s Settings) Apply(p SettingsPatch) Settings {
	if p.SSLVerification != nil {
		s.SSLVerification = *p.SSLVerification
	}
	if p.AutoConnect != nil {
		s.AutoConnect = *p.AutoConnect
	}
	if p.BlockAds != nil {
		s.BlockAds = *p.BlockAds
	}
	if p.EnableLogging != nil {
		s.EnableLogging = *p.EnableLogging
	}
	if p.ConnectionTimeoutSeconds != nil {
		s.ConnectionTimeoutSeconds = *p.ConnectionTimeoutSeconds
	}
	if p.MaxConnections != nil {
		s.MaxConnections = *p.MaxConnections
	}
	return s
}

// SettingsProvider supplies the current snapshot and accepts partial updates.
type SettingsProvider interface {
	Current() Settings
	Update(patch SettingsPatch) (Settings, error)
}

// SettingsStore is the in-process SettingsProvider. Reads are lock-free.
type SettingsStore struct {
	current atomic.Pointer[Settings]

	mu          sync.Mutex
	subscribers []func(Settings)
}

// NewSettingsStore creates a store holding initial. An invalid initial
// snapshot falls back to DefaultSettings.
func NewSettingsStore(initial Settings) *SettingsStore {
	if err := initial.Validate(); err != nil {
		initial = DefaultSettings()
	}
	s := &SettingsStore{}
	s.current.Store(&initial)
	return s
}

// Current returns the active snapshot.
func (s *SettingsStore) Current() Settings {
	return *s.current.Load()
}

// Update applies patch atomically. Connections already accepted keep the
// snapshot they started with.
func (s *SettingsStore) Update(patch SettingsPatch) (Settings, error) {
	s.mu.Lock()
	next := s.current.Load().Apply(patch)
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return s.Current(), fmt.Errorf("invalid settings: %w", err)
	}
	s.current.Store(&next)
	subs := append([]func(Settings){}, s.subscribers...)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(next)
	}
	return next, nil
}

// Replace swaps in a complete snapshot, used on configuration reload.
func (s *SettingsStore) Replace(next Settings) error {
	_, err := s.Update(SettingsPatch{
		SSLVerification:          &next.SSLVerification,
		AutoConnect:              &next.AutoConnect,
		BlockAds:                 &next.BlockAds,
		EnableLogging:            &next.EnableLogging,
		ConnectionTimeoutSeconds: &next.ConnectionTimeoutSeconds,
		MaxConnections:           &next.MaxConnections,
	})
	return err
}

// Subscribe registers fn to be called after every successful update.
func (s *SettingsStore) Subscribe(fn func(Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}
