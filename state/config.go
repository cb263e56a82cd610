package state

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
)

// Config is the full tunnel configuration, produced identically by the
// legacy tab-separated format and the YAML format.
type Config struct {
	Local  LocalCfg   `yaml:"local"`
	Links  []LinkCfg  `yaml:"links"`
	Routes []RouteCfg `yaml:"routes,omitempty"`
}

// LinkCfg describes one outbound UDP path. Immutable after load.
type LinkCfg struct {
	Name string `yaml:"name"`
	// Src is an interface name or a literal source address.
	Src     string `yaml:"src"`
	SrcPort uint16 `yaml:"srcport"`
	// DstIP/DstPort may be absent (reply-only link, peer learned from traffic).
	DstIP   string  `yaml:"dstip,omitempty"`
	DstPort uint16  `yaml:"dstport,omitempty"`
	Factor  float64 `yaml:"factor"`
	Options Options `yaml:"options,omitempty"`
}

// LocalCfg describes the tunnel interface. IP is either a literal address
// (TUN mode) or a bridge name (TAP mode).
type LocalCfg struct {
	IP      string  `yaml:"ip"`
	Mask    int     `yaml:"mask,omitempty"`
	MTU     int     `yaml:"mtu,omitempty"`
	DstIP   string  `yaml:"dstip,omitempty"`
	Options Options `yaml:"options,omitempty"`
}

// RouteCfg is one route installed through the tunnel while it is up.
type RouteCfg struct {
	To     string `yaml:"to"`
	Mask   int    `yaml:"mask"`
	Gw     string `yaml:"gw"`
	Table  string `yaml:"table,omitempty"`
	Metric string `yaml:"metric,omitempty"`
}

func (r RouteCfg) Prefix() (netip.Prefix, error) {
	addr, err := netip.ParseAddr(r.To)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("route %s: %w", r.To, err)
	}
	return addr.Prefix(r.Mask)
}

// Options is a free-form token bag, matched case-insensitively. Tokens may
// carry values as name=value.
type Options []string

func (o Options) Has(name string) bool {
	for _, tok := range o {
		if strings.EqualFold(tok, name) {
			return true
		}
	}
	return false
}

func (o Options) Value(name string) string {
	for _, tok := range o {
		if k, v, ok := strings.Cut(tok, "="); ok && strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// DeadPeerDetection reports whether absent announcements exclude links from
// dispatch. The nodpd tunnel option disables it.
func (c *Config) DeadPeerDetection() bool {
	return !c.Local.Options.Has("nodpd")
}

// LoadConfig reads and parses path, choosing the format by extension
// (.yaml/.yml, else the legacy tab-separated form), then validates.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg *Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		cfg, err = ParseYAML(data)
	default:
		cfg, err = ParseLegacy(data)
	}
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func ParseYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseLegacy parses the tab-separated format: one record per line, kind in
// the first column (link/local/route, case-insensitive), '#' lines are
// comments, blank lines ignored. Optional middle columns (a reply-only
// link's dstip/dstport) are left empty.
func ParseLegacy(data []byte) (*Config, error) {
	cfg := &Config{}
	haveLocal := false
	for no, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		field := func(i int) string {
			if i < len(fields) {
				return fields[i]
			}
			return ""
		}
		switch strings.ToLower(fields[0]) {
		case "link":
			srcPort, err := parsePort(field(3))
			if err != nil {
				return nil, fmt.Errorf("line %d: link srcport: %w", no+1, err)
			}
			var dstPort uint16
			if field(5) != "" {
				dstPort, err = parsePort(field(5))
				if err != nil {
					return nil, fmt.Errorf("line %d: link dstport: %w", no+1, err)
				}
			}
			factor, err := strconv.ParseFloat(field(6), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: link factor: %w", no+1, err)
			}
			cfg.Links = append(cfg.Links, LinkCfg{
				Name:    field(1),
				Src:     field(2),
				SrcPort: srcPort,
				DstIP:   field(4),
				DstPort: dstPort,
				Factor:  factor,
				Options: splitOptions(field(7)),
			})
		case "local":
			if haveLocal {
				return nil, fmt.Errorf("line %d: duplicate local record", no+1)
			}
			haveLocal = true
			mask, mtu := 0, 0
			var err error
			if field(2) != "" {
				mask, err = strconv.Atoi(field(2))
				if err != nil {
					return nil, fmt.Errorf("line %d: local mask: %w", no+1, err)
				}
			}
			if field(3) != "" {
				mtu, err = strconv.Atoi(field(3))
				if err != nil {
					return nil, fmt.Errorf("line %d: local mtu: %w", no+1, err)
				}
			}
			cfg.Local = LocalCfg{
				IP:      field(1),
				Mask:    mask,
				MTU:     mtu,
				DstIP:   field(4),
				Options: splitOptions(field(5)),
			}
		case "route":
			mask, err := strconv.Atoi(field(2))
			if err != nil {
				return nil, fmt.Errorf("line %d: route mask: %w", no+1, err)
			}
			cfg.Routes = append(cfg.Routes, RouteCfg{
				To:     field(1),
				Mask:   mask,
				Gw:     field(3),
				Table:  field(4),
				Metric: field(5),
			})
		default:
			return nil, fmt.Errorf("line %d: unknown record kind %q", no+1, fields[0])
		}
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Local.Mask == 0 {
		c.Local.Mask = DefaultMask
	}
	if c.Local.MTU == 0 {
		c.Local.MTU = DefaultMTU
	}
}

func ValidateConfig(c *Config) error {
	if c.Local.IP == "" {
		return fmt.Errorf("local record missing or has no ip")
	}
	if c.Local.Mask < 0 || c.Local.Mask > 32 {
		return fmt.Errorf("local mask %d out of range", c.Local.Mask)
	}
	if len(c.Links) == 0 {
		return fmt.Errorf("no links configured")
	}
	names := make(map[string]bool)
	for _, l := range c.Links {
		if l.Name == "" {
			return fmt.Errorf("link with empty name")
		}
		if names[l.Name] {
			return fmt.Errorf("duplicate link name %q", l.Name)
		}
		names[l.Name] = true
		if l.Src == "" {
			return fmt.Errorf("link %s: no src", l.Name)
		}
		if l.SrcPort == 0 {
			return fmt.Errorf("link %s: no srcport", l.Name)
		}
		if l.Factor <= 0 {
			return fmt.Errorf("link %s: factor must be positive", l.Name)
		}
		if (l.DstIP == "") != (l.DstPort == 0) {
			return fmt.Errorf("link %s: dstip and dstport must be set together", l.Name)
		}
		if l.DstIP != "" {
			if _, err := netip.ParseAddr(l.DstIP); err != nil {
				return fmt.Errorf("link %s: dstip: %w", l.Name, err)
			}
		}
		if tos := l.Options.Value("tos"); tos != "" {
			v, err := strconv.Atoi(tos)
			if err != nil || v < 0 || v > 255 {
				return fmt.Errorf("link %s: bad tos %q", l.Name, tos)
			}
		}
		if host := l.Options.Value("pinghost"); host != "" {
			if _, err := netip.ParseAddr(host); err != nil {
				return fmt.Errorf("link %s: pinghost: %w", l.Name, err)
			}
		}
	}
	for _, r := range c.Routes {
		if _, err := r.Prefix(); err != nil {
			return err
		}
		if r.Gw == "" {
			return fmt.Errorf("route %s/%d: no gateway", r.To, r.Mask)
		}
		if _, err := netip.ParseAddr(r.Gw); err != nil {
			return fmt.Errorf("route %s/%d: gw: %w", r.To, r.Mask, err)
		}
	}
	return nil
}

func parsePort(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

func splitOptions(s string) Options {
	toks := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' '
	})
	if len(toks) == 0 {
		return nil
	}
	return Options(toks)
}
