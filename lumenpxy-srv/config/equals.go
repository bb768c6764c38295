package config

import "slices"

// HasChanged reports whether b differs from a in anything that requires the
// proxy to be restarted. Settings are excluded; they are applied live.
func HasChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}
	if a.ListenAddress != b.ListenAddress ||
		a.ProxyName != b.ProxyName ||
		a.PublicOrigin != b.PublicOrigin ||
		a.LogLevel != b.LogLevel {
		return true
	}
	if !upstreamEqual(a.Upstream, b.Upstream) {
		return true
	}
	if !adBlockEqual(a.AdBlock, b.AdBlock) {
		return true
	}
	if a.Events != b.Events || a.Rewrite != b.Rewrite || a.Dashboard != b.Dashboard {
		return true
	}
	return false
}

// SettingsChanged reports whether the runtime settings differ.
func SettingsChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}
	return a.Settings != b.Settings
}

func upstreamEqual(a, b UpstreamConfig) bool {
	return a.Type == b.Type &&
		a.Address == b.Address &&
		stringPtrEqual(a.Username, b.Username) &&
		stringPtrEqual(a.Password, b.Password)
}

func adBlockEqual(a, b AdBlockConfig) bool {
	return slices.Equal(a.Domains, b.Domains) && a.DomainsFile == b.DomainsFile
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
