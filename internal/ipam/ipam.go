// Package ipam выдаёт адреса клиентам из подсети интерфейса.
package ipam

import (
	"errors"
	"fmt"
	"net/netip"

	"go4.org/netipx"
)

// ErrAddressSpaceExhausted — в подсети не осталось свободных адресов.
var ErrAddressSpaceExhausted = errors.New("ipam: address space exhausted")

// Allocator привязан к подсети интерфейса. Сам по себе не потокобезопасен
// в смысле уникальности: вызывающий обязан держать общий мьютекс между
// чтением занятых адресов и регистрацией peer'а.
type Allocator struct {
	prefix netip.Prefix
}

// New разбирает CIDR. Поддерживается только IPv4 с маской не длиннее /30.
func New(cidr string) (*Allocator, error) {
	p, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, fmt.Errorf("ipam: parse %q: %w", cidr, err)
	}
	if !p.Addr().Is4() {
		return nil, fmt.Errorf("ipam: %s is not an IPv4 prefix", cidr)
	}
	if p.Bits() > 30 {
		return nil, fmt.Errorf("ipam: %s has no room for clients", cidr)
	}
	return &Allocator{prefix: p.Masked()}, nil
}

func (a *Allocator) Prefix() netip.Prefix { return a.prefix }

// Gateway — первый хост подсети, зарезервирован за сервером.
func (a *Allocator) Gateway() netip.Addr { return a.prefix.Addr().Next() }

// Next возвращает наименьший свободный адрес. Строки used, которые не
// разбираются как IP, игнорируются.
func (a *Allocator) Next(used []string) (netip.Addr, error) {
	set := make(map[netip.Addr]struct{}, len(used))
	for _, s := range used {
		if ip, err := netip.ParseAddr(s); err == nil {
			set[ip.Unmap()] = struct{}{}
		}
	}
	return next(a.prefix, set)
}

// Next — то же без конструктора, для разового вызова.
func Next(cidr string, used []string) (netip.Addr, error) {
	a, err := New(cidr)
	if err != nil {
		return netip.Addr{}, err
	}
	return a.Next(used)
}

func next(p netip.Prefix, used map[netip.Addr]struct{}) (netip.Addr, error) {
	broadcast := netipx.PrefixLastIP(p)
	// network (+0) и gateway (+1) пропускаем
	for ip := p.Addr().Next().Next(); ip.IsValid() && ip.Less(broadcast); ip = ip.Next() {
		if _, taken := used[ip]; !taken {
			return ip, nil
		}
	}
	return netip.Addr{}, fmt.Errorf("%w: %s", ErrAddressSpaceExhausted, p)
}
