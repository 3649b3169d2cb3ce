package wireguard

import (
	"fmt"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// KeyPair — ключи устройства в base64, как их печатает `awg genkey/pubkey`.
type KeyPair struct {
	Private string
	Public  string
}

// GenerateKeyPair создаёт свежую пару Curve25519.
func GenerateKeyPair() (KeyPair, error) {
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate private key: %w", err)
	}
	return KeyPair{Private: priv.String(), Public: priv.PublicKey().String()}, nil
}

// PublicKeyOf выводит публичный ключ из приватного.
func PublicKeyOf(private string) (string, error) {
	k, err := wgtypes.ParseKey(strings.TrimSpace(private))
	if err != nil {
		return "", fmt.Errorf("parse private key: %w", err)
	}
	return k.PublicKey().String(), nil
}

// ValidKey проверяет формат ключа (32 байта в base64).
func ValidKey(s string) bool {
	_, err := wgtypes.ParseKey(s)
	return err == nil
}
