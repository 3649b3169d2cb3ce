package amnezia

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"
)

const (
	LinkScheme  = "vpn://"
	ContainerID = "amnezia-awg"
	DefaultMTU  = "1420"
)

// LinkInput — всё, что попадает в ссылку.
type LinkInput struct {
	Config      string // результат RenderConfig
	Host        string
	Port        int
	Params      Params
	Description string
}

// Link — разобранная ссылка.
type Link struct {
	Containers       []Container `json:"containers"`
	DefaultContainer string      `json:"defaultContainer"`
	Description      string      `json:"description"`
	HostName         string      `json:"hostName"`
}

type Container struct {
	AWG       Protocol `json:"awg"`
	Container string   `json:"container"`
}

// Protocol — блок протокола; LastConfig хранится строкой с JSON внутри.
type Protocol struct {
	H1             string `json:"H1"`
	H2             string `json:"H2"`
	H3             string `json:"H3"`
	H4             string `json:"H4"`
	Jc             string `json:"Jc"`
	Jmax           string `json:"Jmax"`
	Jmin           string `json:"Jmin"`
	S1             string `json:"S1"`
	S2             string `json:"S2"`
	LastConfig     string `json:"last_config"`
	Port           string `json:"port"`
	TransportProto string `json:"transport_proto"`
}

// LastConfig — содержимое Protocol.LastConfig.
type LastConfig struct {
	Config   string `json:"config"`
	HostName string `json:"hostName"`
	Port     int    `json:"port"`
	MTU      string `json:"mtu"`
	H1       string `json:"H1"`
	H2       string `json:"H2"`
	H3       string `json:"H3"`
	H4       string `json:"H4"`
	Jc       string `json:"Jc"`
	Jmax     string `json:"Jmax"`
	Jmin     string `json:"Jmin"`
	S1       string `json:"S1"`
	S2       string `json:"S2"`
	DNS1     string `json:"dns1,omitempty"`
	DNS2     string `json:"dns2,omitempty"`
}

// EncodeLink собирает vpn://: base64url без паддинга от
// [4 байта BE: длина несжатого JSON][zlib(JSON)].
func EncodeLink(in LinkInput) (string, error) {
	p := in.Params
	last := LastConfig{
		Config:   in.Config,
		HostName: in.Host,
		Port:     in.Port,
		MTU:      DefaultMTU,
		H1:       u32(p.H1), H2: u32(p.H2), H3: u32(p.H3), H4: u32(p.H4),
		Jc:       strconv.Itoa(p.Jc), Jmax: strconv.Itoa(p.Jmax), Jmin: strconv.Itoa(p.Jmin),
		S1:       strconv.Itoa(p.S1), S2: strconv.Itoa(p.S2),
	}
	dns := ParseDNS(in.Config)
	if len(dns) > 0 {
		last.DNS1 = dns[0]
	}
	if len(dns) > 1 {
		last.DNS2 = dns[1]
	}
	lastJSON, err := compactJSON(last)
	if err != nil {
		return "", fmt.Errorf("encode last_config: %w", err)
	}

	doc := Link{
		Containers: []Container{{
			AWG: Protocol{
				H1: last.H1, H2: last.H2, H3: last.H3, H4: last.H4,
				Jc: last.Jc, Jmax: last.Jmax, Jmin: last.Jmin,
				S1: last.S1, S2: last.S2,
				LastConfig:     string(lastJSON),
				Port:           strconv.Itoa(in.Port),
				TransportProto: "udp",
			},
			Container: ContainerID,
		}},
		DefaultContainer: ContainerID,
		Description:      in.Description,
		HostName:         in.Host,
	}
	payload, err := compactJSON(doc)
	if err != nil {
		return "", fmt.Errorf("encode link: %w", err)
	}

	var buf bytes.Buffer
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(payload)))
	buf.Write(size[:])
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return "", fmt.Errorf("compress link: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("compress link: %w", err)
	}
	return LinkScheme + base64.RawURLEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeLink — обратная операция; возвращает разобранный документ и сырой JSON.
func DecodeLink(s string) (*Link, []byte, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, LinkScheme) {
		return nil, nil, errors.New("amnezia: missing vpn:// prefix")
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s[len(LinkScheme):], "="))
	if err != nil {
		return nil, nil, fmt.Errorf("amnezia: base64: %w", err)
	}
	if len(raw) < 4 {
		return nil, nil, errors.New("amnezia: payload too short")
	}
	want := binary.BigEndian.Uint32(raw[:4])
	zr, err := zlib.NewReader(bytes.NewReader(raw[4:]))
	if err != nil {
		return nil, nil, fmt.Errorf("amnezia: zlib: %w", err)
	}
	defer zr.Close()
	payload, err := io.ReadAll(io.LimitReader(zr, int64(want)+1))
	if err != nil {
		return nil, nil, fmt.Errorf("amnezia: inflate: %w", err)
	}
	if uint32(len(payload)) != want {
		return nil, nil, fmt.Errorf("amnezia: length prefix %d, payload %d", want, len(payload))
	}
	var l Link
	if err := json.Unmarshal(payload, &l); err != nil {
		return nil, nil, fmt.Errorf("amnezia: json: %w", err)
	}
	return &l, payload, nil
}

// LastConfig разбирает last_config первого контейнера.
func (l *Link) LastConfig() (*LastConfig, error) {
	if len(l.Containers) == 0 {
		return nil, errors.New("amnezia: no containers")
	}
	var lc LastConfig
	if err := json.Unmarshal([]byte(l.Containers[0].AWG.LastConfig), &lc); err != nil {
		return nil, fmt.Errorf("amnezia: last_config: %w", err)
	}
	return &lc, nil
}

// compactJSON — json без пробелов и без экранирования <>&.
func compactJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func u32(v uint32) string { return strconv.FormatUint(uint64(v), 10) }
