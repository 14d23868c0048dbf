package scheduler

import (
	"fmt"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"github.com/anstrom/scanfleet/internal/errors"
)

// SixenumScheme prefixes IPv6 range targets enumerated by the six_enum agent module.
const SixenumScheme = "sixenum://"

const (
	ipv4BucketBits = 24
	ipv6BucketBits = 48

	// maxEnumerateBits caps the host part of networks accepted by EnumerateNetwork.
	maxEnumerateBits = 24
)

// Hashval returns the heat bucket key of a target. IPv4 addresses map to their
// /24, IPv6 addresses to their /48, scheme://host:port forms to the bucket of
// their host and sixenum ranges to the /48 of the range start. Any other
// string is its own bucket.
func Hashval(target string) string {
	if strings.HasPrefix(target, SixenumScheme) {
		first, _, err := SixenumTargetBoundaries(target)
		if err != nil {
			return target
		}
		return bucket(first)
	}

	if addr, ok := ParseTargetHost(target); ok {
		return bucket(addr)
	}
	return target
}

func bucket(addr netip.Addr) string {
	bits := ipv6BucketBits
	if addr.Is4() {
		bits = ipv4BucketBits
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return addr.String()
	}
	return prefix.String()
}

// ParseTargetHost extracts the IP address of a bare address or a
// scheme://host:port target.
func ParseTargetHost(target string) (netip.Addr, bool) {
	host := target
	if strings.Contains(target, "://") {
		u, err := url.Parse(target)
		if err != nil {
			return netip.Addr{}, false
		}
		host = u.Hostname()
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.WithZone("").Unmap(), true
}

// TargetRange returns the address span covered by a target: a single address
// for bare and scheme://host:port targets, the enumerated span for sixenum
// targets.
func TargetRange(target string) (first, last netip.Addr, ok bool) {
	if strings.HasPrefix(target, SixenumScheme) {
		first, last, err := SixenumTargetBoundaries(target)
		return first, last, err == nil
	}
	addr, ok := ParseTargetHost(target)
	return addr, addr, ok
}

// SixenumTargetBoundaries returns the first and last address of a
// sixenum://<address>[-<last group>] target.
func SixenumTargetBoundaries(target string) (netip.Addr, netip.Addr, error) {
	spec, found := strings.CutPrefix(target, SixenumScheme)
	if !found {
		return netip.Addr{}, netip.Addr{}, errors.ErrInvalidTarget(target, fmt.Errorf("missing %s prefix", SixenumScheme))
	}

	start, upper, hasRange := strings.Cut(spec, "-")
	first, err := netip.ParseAddr(start)
	if err != nil || !first.Is6() {
		return netip.Addr{}, netip.Addr{}, errors.ErrInvalidTarget(target, fmt.Errorf("invalid range start %q", start))
	}
	if !hasRange {
		return first, first, nil
	}

	group, err := strconv.ParseUint(upper, 16, 16)
	if err != nil {
		return netip.Addr{}, netip.Addr{}, errors.ErrInvalidTarget(target, fmt.Errorf("invalid range end %q", upper))
	}
	raw := first.As16()
	raw[14], raw[15] = byte(group>>8), byte(group)
	last := netip.AddrFrom16(raw)
	if last.Less(first) {
		return netip.Addr{}, netip.Addr{}, errors.ErrInvalidTarget(target, fmt.Errorf("range end precedes start"))
	}
	return first, last, nil
}

// LastAddr returns the highest address of a prefix.
func LastAddr(prefix netip.Prefix) netip.Addr {
	prefix = prefix.Masked()
	addr := prefix.Addr()
	if addr.Is4() {
		raw := addr.As4()
		setHostBits(raw[:], prefix.Bits())
		return netip.AddrFrom4(raw)
	}
	raw := addr.As16()
	setHostBits(raw[:], prefix.Bits())
	return netip.AddrFrom16(raw)
}

func setHostBits(raw []byte, bits int) {
	for i := range raw {
		switch {
		case bits >= 8*(i+1):
			continue
		case bits <= 8*i:
			raw[i] = 0xff
		default:
			raw[i] |= 0xff >> (bits - 8*i)
		}
	}
}

// EnumerateNetwork lists the addresses of a network. Networks of at most two
// addresses yield all of them. Larger networks yield usable hosts only: IPv4
// skips the network and broadcast address, IPv6 the Subnet-Router anycast
// address. A bare address yields itself.
func EnumerateNetwork(value string) ([]string, error) {
	value = strings.TrimSpace(value)
	if addr, err := netip.ParseAddr(value); err == nil {
		return []string{addr.String()}, nil
	}

	prefix, err := netip.ParsePrefix(value)
	if err != nil {
		return nil, errors.ErrInvalidTarget(value, err)
	}
	prefix = prefix.Masked()

	hostBits := prefix.Addr().BitLen() - prefix.Bits()
	if hostBits > maxEnumerateBits {
		return nil, errors.ErrInvalidTarget(value, fmt.Errorf("network larger than /%d hosts", maxEnumerateBits))
	}

	first, last := prefix.Addr(), LastAddr(prefix)
	if hostBits > 1 {
		first = first.Next()
		if prefix.Addr().Is4() {
			last = last.Prev()
		}
	}

	addrs := make([]string, 0, 1<<hostBits)
	for addr := first; addr.IsValid() && !last.Less(addr); addr = addr.Next() {
		addrs = append(addrs, addr.String())
	}
	return addrs, nil
}

// RangeToCIDR returns the minimal list of prefixes covering start..end inclusive.
func RangeToCIDR(start, end string) ([]netip.Prefix, error) {
	first, err := netip.ParseAddr(start)
	if err != nil {
		return nil, errors.ErrInvalidTarget(start, err)
	}
	last, err := netip.ParseAddr(end)
	if err != nil {
		return nil, errors.ErrInvalidTarget(end, err)
	}
	if first.BitLen() != last.BitLen() {
		return nil, errors.ErrInvalidTarget(start+"-"+end, fmt.Errorf("address family mismatch"))
	}
	if last.Less(first) {
		return nil, errors.ErrInvalidTarget(start+"-"+end, fmt.Errorf("range end precedes start"))
	}

	var prefixes []netip.Prefix
	for cur := first; cur.IsValid() && !last.Less(cur); {
		var block netip.Prefix
		for bits := 0; bits <= cur.BitLen(); bits++ {
			candidate := netip.PrefixFrom(cur, bits).Masked()
			if candidate.Addr() == cur && !last.Less(LastAddr(candidate)) {
				block = candidate
				break
			}
		}
		prefixes = append(prefixes, block)
		cur = LastAddr(block).Next()
	}
	return prefixes, nil
}

// overlaps reports whether first..last intersects prefix.
func overlaps(prefix netip.Prefix, first, last netip.Addr) bool {
	if prefix.Addr().BitLen() != first.BitLen() {
		return false
	}
	return !LastAddr(prefix).Less(first) && !last.Less(prefix.Masked().Addr())
}
