package amnezia

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/klauspost/compress/zlib"
)

func TestEncodeLink_FullRoundTrip(t *testing.T) {
	cfg := RenderConfig(testClient("8.8.8.8", "1.1.1.1", "9.9.9.9"), testParams)
	link, err := EncodeLink(LinkInput{Config: cfg, Host: "vpn.example.org", Port: 51821, Params: testParams, Description: "Мой VPN"})
	if err != nil {
		t.Fatalf("EncodeLink: %v", err)
	}
	if !strings.HasPrefix(link, "vpn://") || strings.Contains(link, "=") {
		t.Fatalf("bad link shape: %s", link)
	}

	// декодируем вручную, не через DecodeLink
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(link, "vpn://"))
	if err != nil {
		t.Fatalf("base64: %v", err)
	}
	size := binary.BigEndian.Uint32(raw[:4])
	zr, err := zlib.NewReader(bytes.NewReader(raw[4:]))
	if err != nil {
		t.Fatalf("zlib: %v", err)
	}
	payload, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("inflate: %v", err)
	}
	if int(size) != len(payload) {
		t.Fatalf("length prefix %d != payload %d", size, len(payload))
	}
	if bytes.Contains(payload, []byte(": ")) || bytes.Contains(payload, []byte("\n{")) {
		t.Fatalf("payload is not compact: %s", payload)
	}

	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		t.Fatalf("json: %v", err)
	}
	if doc["defaultContainer"] != "amnezia-awg" || doc["hostName"] != "vpn.example.org" || doc["description"] != "Мой VPN" {
		t.Fatalf("outer fields: %v", doc)
	}
	containers := doc["containers"].([]any)
	if len(containers) != 1 {
		t.Fatalf("containers = %d", len(containers))
	}
	awg := containers[0].(map[string]any)["awg"].(map[string]any)
	if awg["transport_proto"] != "udp" || awg["port"] != "51821" || awg["H4"] != "4000000000" || awg["Jc"] != "4" {
		t.Fatalf("awg block: %v", awg)
	}

	var last map[string]any
	if err := json.Unmarshal([]byte(awg["last_config"].(string)), &last); err != nil {
		t.Fatalf("last_config: %v", err)
	}
	if last["config"] != cfg {
		t.Fatalf("last_config.config differs from the rendered config")
	}
	if last["mtu"] != "1420" || last["dns1"] != "8.8.8.8" || last["dns2"] != "1.1.1.1" || last["S2"] != "27" {
		t.Fatalf("last_config fields: %v", last)
	}
}

func TestEncodeLink_NoDNSOmitsFields(t *testing.T) {
	cfg := "[Interface]\nPrivateKey = x\n"
	link, err := EncodeLink(LinkInput{Config: cfg, Host: "h", Port: 1, Params: testParams})
	if err != nil {
		t.Fatalf("EncodeLink: %v", err)
	}
	l, _, err := DecodeLink(link)
	if err != nil {
		t.Fatalf("DecodeLink: %v", err)
	}
	if strings.Contains(l.Containers[0].AWG.LastConfig, "dns1") {
		t.Fatalf("dns1 must be omitted: %s", l.Containers[0].AWG.LastConfig)
	}
	lc, err := l.LastConfig()
	if err != nil {
		t.Fatalf("LastConfig: %v", err)
	}
	if lc.Config != cfg || lc.DNS1 != "" || lc.DNS2 != "" {
		t.Fatalf("last config = %+v", lc)
	}
}

func TestDecodeLink_Rejects(t *testing.T) {
	for _, in := range []string{"", "http://x", "vpn://!!!", "vpn://AAA"} {
		if _, _, err := DecodeLink(in); err == nil {
			t.Fatalf("DecodeLink(%q) should fail", in)
		}
	}
}

func TestDecodeLink_LengthMismatch(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 99})
	zw := zlib.NewWriter(&buf)
	_, _ = zw.Write([]byte(`{}`))
	_ = zw.Close()
	s := "vpn://" + base64.RawURLEncoding.EncodeToString(buf.Bytes())
	if _, _, err := DecodeLink(s); err == nil {
		t.Fatalf("expected length mismatch error")
	}
}
