// Package amnezia рендерит клиентские конфиги AmneziaWG и ссылки vpn://
// для приложения Amnezia VPN.
package amnezia

import (
	"fmt"
	"regexp"
	"strings"
)

// Keepalive клиента, секунды.
const PersistentKeepalive = 25

// Params — параметры обфускации. Должны совпадать с серверными.
type Params struct {
	Jc   int
	Jmin int
	Jmax int
	S1   int
	S2   int
	H1   uint32
	H2   uint32
	H3   uint32
	H4   uint32
}

// Client — данные одного устройства.
type Client struct {
	PrivateKey      string
	Address         string // без маски
	ServerPublicKey string
	DNS             []string
	Host            string
	Port            int
}

// RenderConfig возвращает .conf. Порядок и написание полей — контракт с
// клиентским приложением, менять нельзя.
func RenderConfig(c Client, p Params) string {
	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", c.PrivateKey)
	fmt.Fprintf(&b, "Address = %s/32\n", c.Address)
	fmt.Fprintf(&b, "DNS = %s\n", strings.Join(c.DNS, ", "))
	fmt.Fprintf(&b, "Jc = %d\n", p.Jc)
	fmt.Fprintf(&b, "Jmin = %d\n", p.Jmin)
	fmt.Fprintf(&b, "Jmax = %d\n", p.Jmax)
	fmt.Fprintf(&b, "S1 = %d\n", p.S1)
	fmt.Fprintf(&b, "S2 = %d\n", p.S2)
	fmt.Fprintf(&b, "H1 = %d\n", p.H1)
	fmt.Fprintf(&b, "H2 = %d\n", p.H2)
	fmt.Fprintf(&b, "H3 = %d\n", p.H3)
	fmt.Fprintf(&b, "H4 = %d\n", p.H4)
	b.WriteString("\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", c.ServerPublicKey)
	b.WriteString("AllowedIPs = 0.0.0.0/0, ::/0\n")
	fmt.Fprintf(&b, "Endpoint = %s:%d\n", c.Host, c.Port)
	fmt.Fprintf(&b, "PersistentKeepalive = %d\n", PersistentKeepalive)
	return b.String()
}

var dnsLine = regexp.MustCompile(`(?im)^[ \t]*DNS[ \t]*=[ \t]*(.*?)[ \t]*$`)

// ParseDNS достаёт список DNS из строки "DNS = a, b". Нет строки — nil.
func ParseDNS(config string) []string {
	m := dnsLine.FindStringSubmatch(config)
	if m == nil {
		return nil
	}
	var out []string
	for _, s := range strings.Split(m[1], ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
