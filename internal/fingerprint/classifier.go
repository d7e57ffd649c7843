package fingerprint

import (
	"bufio"
	"fmt"
	"net/netip"
	"os"
	"strings"

	"github.com/bloodyteeths/nabavkidata-sub003/pkg/config"
)

// Classifier maps an IP to Tor, VPN or proxy using static network lists.
type Classifier struct {
	torExits map[netip.Addr]struct{}
	vpn      []netip.Prefix
	proxy    []netip.Prefix
}

// NewClassifier builds a classifier from configuration. Malformed entries are
// configuration errors.
func NewClassifier(cfg config.NetworkConfig) (*Classifier, error) {
	c := &Classifier{torExits: make(map[netip.Addr]struct{})}

	exits := append([]string(nil), cfg.TorExitNodes...)
	if cfg.TorExitListFile != "" {
		fromFile, err := readList(cfg.TorExitListFile)
		if err != nil {
			return nil, err
		}
		exits = append(exits, fromFile...)
	}
	for _, raw := range exits {
		addr, err := netip.ParseAddr(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("tor exit node %q: %w", raw, err)
		}
		c.torExits[addr.Unmap()] = struct{}{}
	}

	var err error
	if c.vpn, err = parsePrefixes(cfg.VPNRanges); err != nil {
		return nil, fmt.Errorf("vpn ranges: %w", err)
	}
	if c.proxy, err = parsePrefixes(cfg.ProxyRanges); err != nil {
		return nil, fmt.Errorf("proxy ranges: %w", err)
	}
	return c, nil
}

// Classify returns the network class of ip. Unparseable input is direct.
func (c *Classifier) Classify(ip string) NetworkClass {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return NetworkClass{}
	}
	addr = addr.Unmap()

	if _, ok := c.torExits[addr]; ok {
		return NetworkClass{IsTor: true}
	}
	if containsAddr(c.vpn, addr) {
		return NetworkClass{IsVPN: true}
	}
	if containsAddr(c.proxy, addr) {
		return NetworkClass{IsProxy: true}
	}
	return NetworkClass{}
}

// NormalizeIP returns the canonical text form of ip
func NormalizeIP(ip string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return "", err
	}
	return addr.Unmap().String(), nil
}

func containsAddr(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func parsePrefixes(raw []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if !strings.Contains(r, "/") {
			addr, err := netip.ParseAddr(r)
			if err != nil {
				return nil, err
			}
			addr = addr.Unmap()
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(r)
		if err != nil {
			return nil, err
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

// readList reads one entry per line, skipping blanks and # comments
func readList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}
