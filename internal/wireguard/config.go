package wireguard

import (
	"bufio"
	"bytes"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"text/template"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Metadata with no wg-quick key is written as "# Key = value" comment
// directives so the file stays loadable by wg-quick.
const configTemplate = `[Interface]
# Name = {{.Name}}
# Role = {{.Role}}
{{- if not (zeroKey .PrivateKey)}}
PrivateKey = {{.PrivateKey}}
{{- end}}
Address = {{.Address}}
{{- if .ListenPort}}
ListenPort = {{.ListenPort}}
{{- end}}
{{- if .MTU}}
MTU = {{.MTU}}
{{- end}}
{{- if .DNS}}
DNS = {{join .DNS}}
{{- end}}
{{- range .Extra}}
{{.Key}} = {{.Value}}
{{- end}}
{{range .Peers}}
[Peer]
{{- if .Name}}
# Name = {{.Name}}
{{- end}}
PublicKey = {{.PublicKey}}
AllowedIPs = {{prefixes .AllowedIPs}}
{{- if .Endpoint}}
Endpoint = {{.Endpoint}}
{{- end}}
{{- if .PersistentKeepalive}}
PersistentKeepalive = {{.PersistentKeepalive}}
{{- end}}
{{- range .Extra}}
{{.Key}} = {{.Value}}
{{- end}}
{{end}}`

var configTmpl = template.Must(template.New("wg-config").Funcs(template.FuncMap{
	"zeroKey":  isZeroKey,
	"join":     func(items []string) string { return strings.Join(items, ", ") },
	"prefixes": joinPrefixes,
}).Parse(configTemplate))

// Render serializes iface. Peers are written in slice order, so rendering
// an unchanged Interface always produces identical bytes.
func Render(iface Interface) ([]byte, error) {
	if err := Validate(iface); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := configTmpl.Execute(&buf, iface); err != nil {
		return nil, fmt.Errorf("render %s: %w", iface.Name, err)
	}
	return buf.Bytes(), nil
}

type section int

const (
	sectionNone section = iota
	sectionInterface
	sectionPeer
)

// Parse is the inverse of Render. Keys it does not know are kept in Extra.
// A file without a "# Role" directive is treated as a server when it has a
// ListenPort and as a client otherwise.
func Parse(data []byte) (Interface, error) {
	return ParseNamed("", data)
}

// ParseNamed parses a config that may lack a "# Name" directive (a plain
// wg-quick file); name is used in that case.
func ParseNamed(name string, data []byte) (Interface, error) {
	var (
		iface   = Interface{Name: name}
		current section
		peer    *Peer
		sawAddr bool
	)

	flushPeer := func() {
		if peer != nil {
			iface.Peers = append(iface.Peers, *peer)
			peer = nil
		}
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			switch strings.ToLower(strings.TrimSpace(line[1 : len(line)-1])) {
			case "interface":
				if current != sectionNone {
					return Interface{}, fmt.Errorf("line %d: duplicate [Interface] section", lineNo)
				}
				current = sectionInterface
			case "peer":
				if current == sectionNone {
					return Interface{}, fmt.Errorf("line %d: [Peer] before [Interface]", lineNo)
				}
				flushPeer()
				peer = &Peer{}
				current = sectionPeer
			default:
				return Interface{}, fmt.Errorf("line %d: unknown section %s", lineNo, line)
			}
			continue
		}

		if strings.HasPrefix(line, "#") {
			key, value, ok := splitKV(strings.TrimSpace(strings.TrimPrefix(line, "#")))
			if !ok {
				continue
			}
			switch {
			case current == sectionInterface && strings.EqualFold(key, "Name"):
				iface.Name = value
			case current == sectionInterface && strings.EqualFold(key, "Role"):
				iface.Role = Role(strings.ToLower(value))
			case current == sectionPeer && strings.EqualFold(key, "Name"):
				peer.Name = value
			}
			continue
		}

		key, value, ok := splitKV(line)
		if !ok {
			return Interface{}, fmt.Errorf("line %d: expected key = value", lineNo)
		}

		var err error
		switch current {
		case sectionInterface:
			if strings.EqualFold(key, "Address") {
				if sawAddr {
					return Interface{}, fmt.Errorf("line %d: multiple Address entries are not supported", lineNo)
				}
				sawAddr = true
			}
			err = parseInterfaceKey(&iface, key, value)
		case sectionPeer:
			err = parsePeerKey(peer, key, value)
		default:
			err = fmt.Errorf("key %s outside of a section", key)
		}
		if err != nil {
			return Interface{}, fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return Interface{}, err
	}
	if current == sectionNone {
		return Interface{}, fmt.Errorf("missing [Interface] section")
	}
	flushPeer()

	if iface.Role == "" {
		if iface.ListenPort != 0 {
			iface.Role = RoleServer
		} else {
			iface.Role = RoleClient
		}
	}

	if err := Validate(iface); err != nil {
		return Interface{}, err
	}
	return iface, nil
}

func parseInterfaceKey(iface *Interface, key, value string) error {
	switch strings.ToLower(key) {
	case "privatekey":
		k, err := wgtypes.ParseKey(value)
		if err != nil {
			return fmt.Errorf("invalid PrivateKey: %w", err)
		}
		iface.PrivateKey = k
	case "address":
		p, err := netip.ParsePrefix(value)
		if err != nil {
			return fmt.Errorf("invalid Address: %w", err)
		}
		iface.Address = p
	case "listenport":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid ListenPort: %w", err)
		}
		iface.ListenPort = n
	case "mtu":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid MTU: %w", err)
		}
		iface.MTU = n
	case "dns":
		iface.DNS = append(iface.DNS, splitList(value)...)
	default:
		iface.Extra = append(iface.Extra, Field{Key: key, Value: value})
	}
	return nil
}

func parsePeerKey(peer *Peer, key, value string) error {
	switch strings.ToLower(key) {
	case "publickey":
		k, err := wgtypes.ParseKey(value)
		if err != nil {
			return fmt.Errorf("invalid PublicKey: %w", err)
		}
		peer.PublicKey = k
	case "allowedips":
		for _, item := range splitList(value) {
			p, err := ParseAllowedIP(item)
			if err != nil {
				return err
			}
			peer.AllowedIPs = append(peer.AllowedIPs, p)
		}
	case "endpoint":
		peer.Endpoint = value
	case "persistentkeepalive":
		if strings.EqualFold(value, "off") {
			peer.PersistentKeepalive = 0
			return nil
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid PersistentKeepalive: %w", err)
		}
		peer.PersistentKeepalive = n
	default:
		peer.Extra = append(peer.Extra, Field{Key: key, Value: value})
	}
	return nil
}

// ParseAllowedIP accepts a CIDR or a bare address; a bare address becomes a
// single-host prefix (/32 or /128). The result is masked.
func ParseAllowedIP(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "/") {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid allowed IP %q: %w", s, err)
		}
		return netip.PrefixFrom(addr, addr.BitLen()), nil
	}
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid allowed IP %q: %w", s, err)
	}
	return p.Masked(), nil
}

func splitKV(line string) (string, string, bool) {
	key, value, ok := strings.Cut(line, "=")
	if !ok {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", "", false
	}
	return key, strings.TrimSpace(value), true
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func joinPrefixes(prefixes []netip.Prefix) string {
	parts := make([]string, len(prefixes))
	for i, p := range prefixes {
		parts[i] = p.String()
	}
	return strings.Join(parts, ", ")
}

func isZeroKey(k wgtypes.Key) bool {
	return k == wgtypes.Key{}
}
