package portmap

import (
	"bufio"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"net/netip"
	"os"
	"strings"
)

// errNoGateway 无法确定默认网关
var errNoGateway = errors.New("no default gateway")

// resolveGateway 返回 NAT-PMP 网关地址
//
// 顺序：配置值、/proc/net/route 默认路由、首个私网接口所在子网的 .1 地址。
func resolveGateway(configured string) (netip.Addr, error) {
	if configured != "" {
		return netip.ParseAddr(configured)
	}
	if f, err := os.Open("/proc/net/route"); err == nil {
		defer f.Close()
		if gw, err := parseProcRoute(f); err == nil {
			return gw, nil
		}
	}
	return guessGateway()
}

// parseProcRoute 从 Linux 路由表中找到默认路由的网关
//
// 字段为小端十六进制：Iface Destination Gateway Flags ...
func parseProcRoute(r io.Reader) (netip.Addr, error) {
	sc := bufio.NewScanner(r)
	first := true
	for sc.Scan() {
		if first {
			first = false
			continue
		}
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 || fields[1] != "00000000" {
			continue
		}
		b, err := hex.DecodeString(fields[2])
		if err != nil || len(b) != 4 {
			continue
		}
		gw := netip.AddrFrom4([4]byte{b[3], b[2], b[1], b[0]})
		if gw.IsUnspecified() {
			continue
		}
		return gw, nil
	}
	return netip.Addr{}, errNoGateway
}

// guessGateway 取首个私网 IPv4 接口所在子网的 .1
func guessGateway() (netip.Addr, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return netip.Addr{}, err
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(ipnet.IP)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		if !ip.Is4() || !ip.IsPrivate() {
			continue
		}
		b := ip.As4()
		b[3] = 1
		return netip.AddrFrom4(b), nil
	}
	return netip.Addr{}, errNoGateway
}
