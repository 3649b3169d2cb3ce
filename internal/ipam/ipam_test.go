package ipam

import (
	"errors"
	"fmt"
	"net/netip"
	"testing"
)

func TestNext_LowestFree(t *testing.T) {
	cases := []struct {
		name string
		cidr string
		used []string
		want string
	}{
		{"empty /24", "10.9.0.0/24", nil, "10.9.0.2"},
		{"first taken", "10.9.0.0/24", []string{"10.9.0.2"}, "10.9.0.3"},
		{"hole is reused", "10.9.0.0/24", []string{"10.9.0.2", "10.9.0.4"}, "10.9.0.3"},
		{"gateway in used is ignored", "10.9.0.0/24", []string{"10.9.0.1"}, "10.9.0.2"},
		{"garbage in used is ignored", "10.9.0.0/24", []string{"nope", ""}, "10.9.0.2"},
		{"unmasked cidr", "10.9.0.17/24", nil, "10.9.0.2"},
		{"/16 crosses octet", "172.16.0.0/16", fill("172.16.0.", 2, 255), "172.16.1.0"},
		{"/30 single host", "192.168.5.0/30", nil, "192.168.5.2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Next(tc.cidr, tc.used)
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			if got.String() != tc.want {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestNext_NeverReturnsReserved(t *testing.T) {
	a, err := New("10.9.0.0/28")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	network := netip.MustParseAddr("10.9.0.0")
	gateway := netip.MustParseAddr("10.9.0.1")
	broadcast := netip.MustParseAddr("10.9.0.15")

	var used []string
	for {
		ip, err := a.Next(used)
		if errors.Is(err, ErrAddressSpaceExhausted) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if ip == network || ip == gateway || ip == broadcast {
			t.Fatalf("reserved address returned: %s", ip)
		}
		if !a.Prefix().Contains(ip) {
			t.Fatalf("%s outside %s", ip, a.Prefix())
		}
		used = append(used, ip.String())
	}
	// /28: 16 адресов минус network, gateway, broadcast
	if len(used) != 13 {
		t.Fatalf("allocated %d addresses, want 13", len(used))
	}
}

func TestNext_Exhausted(t *testing.T) {
	used := fill("10.9.0.", 2, 254)
	_, err := Next("10.9.0.0/24", used)
	if !errors.Is(err, ErrAddressSpaceExhausted) {
		t.Fatalf("expected ErrAddressSpaceExhausted, got %v", err)
	}
}

func TestNew_Rejects(t *testing.T) {
	for _, cidr := range []string{"fd00::/64", "10.0.0.1/32", "10.0.0.0/31", "garbage"} {
		if _, err := New(cidr); err == nil {
			t.Fatalf("New(%q) should fail", cidr)
		}
	}
}

func TestGateway(t *testing.T) {
	a, _ := New("10.9.0.0/24")
	if a.Gateway().String() != "10.9.0.1" {
		t.Fatalf("gateway = %s", a.Gateway())
	}
}

func fill(prefix string, from, to int) []string {
	out := make([]string, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, fmt.Sprintf("%s%d", prefix, i))
	}
	return out
}
