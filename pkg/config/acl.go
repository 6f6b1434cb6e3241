package config

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

type aclRule struct {
	prefix netip.Prefix
	permit bool
}

// ACL список permit/deny правил шлюза. Последнее совпавшее правило
// определяет результат; без совпадений адрес разрешен.
type ACL struct {
	rules []aclRule
}

// Permit добавляет разрешающее правило
func (a *ACL) Permit(rule string) error {
	return a.add(rule, true)
}

// Deny добавляет запрещающее правило
func (a *ACL) Deny(rule string) error {
	return a.add(rule, false)
}

func (a *ACL) add(rule string, permit bool) error {
	prefix, err := parsePrefix(rule)
	if err != nil {
		return err
	}
	a.rules = append(a.rules, aclRule{prefix: prefix, permit: permit})
	return nil
}

// Len число правил
func (a *ACL) Len() int {
	return len(a.rules)
}

// Allowed проверяет адрес источника
func (a *ACL) Allowed(ip net.IP) bool {
	if a == nil || len(a.rules) == 0 {
		return true
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return false
	}
	addr = addr.Unmap()

	allowed := true
	for _, rule := range a.rules {
		if rule.prefix.Contains(addr) {
			allowed = rule.permit
		}
	}
	return allowed
}

// parsePrefix принимает addr, addr/len и addr/mask
func parsePrefix(rule string) (netip.Prefix, error) {
	rule = strings.TrimSpace(rule)
	addrPart, maskPart, hasMask := strings.Cut(rule, "/")

	addr, err := netip.ParseAddr(addrPart)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("acl %q: %w", rule, err)
	}
	addr = addr.Unmap()
	if !hasMask {
		return netip.PrefixFrom(addr, addr.BitLen()), nil
	}

	if strings.Contains(maskPart, ".") {
		maskIP := net.ParseIP(maskPart).To4()
		if maskIP == nil {
			return netip.Prefix{}, fmt.Errorf("acl %q: bad mask", rule)
		}
		ones, bits := net.IPMask(maskIP).Size()
		if bits == 0 {
			return netip.Prefix{}, fmt.Errorf("acl %q: non-contiguous mask", rule)
		}
		return netip.PrefixFrom(addr, ones).Masked(), nil
	}

	prefix, err := netip.ParsePrefix(addr.String() + "/" + maskPart)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("acl %q: %w", rule, err)
	}
	return prefix.Masked(), nil
}
