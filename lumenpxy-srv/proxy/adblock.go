package proxy

import (
	"net"
	"strings"

	ahocorasick "github.com/BobuSumisu/aho-corasick"

	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/config"
	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/logger"
)

// defaultAdDomains is blocked whenever blockAds is on.
var defaultAdDomains = []string{
	"doubleclick.net",
	"googlesyndication.com",
	"googleadservices.com",
	"adservice.google.com",
	"adnxs.com",
	"ads.yahoo.com",
	"advertising.com",
	"adsrvr.org",
	"criteo.com",
	"outbrain.com",
	"taboola.com",
	"scorecardresearch.com",
	"moatads.com",
	"amazon-adsystem.com",
}

// AdBlocker matches hosts against blocked domains and their subdomains.
type AdBlocker struct {
	trie       *ahocorasick.Trie
	domainList []string
}

// NewAdBlocker builds a matcher over the built-in list plus domains.
func NewAdBlocker(domains []string) *AdBlocker {
	seen := make(map[string]struct{}, len(defaultAdDomains)+len(domains))
	list := make([]string, 0, len(defaultAdDomains)+len(domains))
	for _, d := range append(append([]string{}, defaultAdDomains...), domains...) {
		d = strings.Trim(strings.ToLower(strings.TrimSpace(d)), ".")
		if d == "" {
			continue
		}
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		list = append(list, d)
	}

	return &AdBlocker{
		trie:       ahocorasick.NewTrieBuilder().AddStrings(list).Build(),
		domainList: list,
	}
}

// newAdBlockerFromConfig merges the configured domains and domains file.
func newAdBlockerFromConfig(cfg config.AdBlockConfig) (*AdBlocker, error) {
	domains := append([]string{}, cfg.Domains...)
	if cfg.DomainsFile != "" {
		fromFile, err := config.LoadDomainsFile(cfg.DomainsFile)
		if err != nil {
			return nil, err
		}
		domains = append(domains, fromFile...)
	}
	blocker := NewAdBlocker(domains)
	logger.Debug("Ad blocker loaded with %d domains", len(blocker.domainList))
	return blocker, nil
}

// Blocked reports whether host (optionally with a port) is a blocked
// domain or a subdomain of one, and which entry matched.
func (b *AdBlocker) Blocked(host string) (bool, string) {
	if b == nil || b.trie == nil {
		return false, ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")

	for _, match := range b.trie.MatchString(host) {
		domain := b.domainList[match.Pattern()]
		if !strings.HasSuffix(host, domain) {
			continue
		}
		if len(host) == len(domain) || host[len(host)-len(domain)-1] == '.' {
			return true, domain
		}
	}
	return false, ""
}

// Len returns the number of distinct blocked domains.
func (b *AdBlocker) Len() int {
	if b == nil {
		return 0
	}
	return len(b.domainList)
}
