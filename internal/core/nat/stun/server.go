package stun

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/pion/stun"
)

// ============================================================================
//                              Server（RFC 5780 响应器）
// ============================================================================

// Server 多地址 STUN 响应器
//
// 在 (主 IP, 备用 IP) × (主端口, 备用端口) 上监听，按 CHANGE-REQUEST
// 从对应 socket 回复。未配置备用 IP 时不公布 OTHER-ADDRESS，
// 要求换 IP 的请求以 420 错误回复。
type Server struct {
	primary netip.AddrPort
	other   netip.AddrPort // 仅在有备用 IP 时有效
	altPort uint16

	conns  map[netip.AddrPort]*net.UDPConn
	wg     sync.WaitGroup
	closed atomic.Bool
	served atomic.Uint64
}

// NewServer 创建并启动响应器
//
// primary 端口为 0 时自动选择；altIP 无效时仅提供换端口能力。
func NewServer(primary netip.AddrPort, altIP netip.Addr) (*Server, error) {
	s := &Server{conns: make(map[netip.AddrPort]*net.UDPConn)}

	c1, err := listen(primary)
	if err != nil {
		return nil, err
	}
	p1 := addrOf(c1)
	s.primary = p1
	s.conns[p1] = c1

	c2, err := listen(netip.AddrPortFrom(p1.Addr(), 0))
	if err != nil {
		s.closeAll()
		return nil, err
	}
	s.altPort = addrOf(c2).Port()
	s.conns[addrOf(c2)] = c2

	if altIP.IsValid() {
		for _, port := range []uint16{p1.Port(), s.altPort} {
			c, err := listen(netip.AddrPortFrom(altIP, port))
			if err != nil {
				s.closeAll()
				return nil, err
			}
			s.conns[addrOf(c)] = c
		}
		s.other = netip.AddrPortFrom(altIP, s.altPort)
	}

	for local, c := range s.conns {
		s.wg.Add(1)
		go s.serve(local, c)
	}
	return s, nil
}

// Addr 返回主地址
func (s *Server) Addr() netip.AddrPort {
	return s.primary
}

// OtherAddr 返回公布的备用地址（可能无效）
func (s *Server) OtherAddr() netip.AddrPort {
	return s.other
}

// Served 返回已回答的请求数
func (s *Server) Served() uint64 {
	return s.served.Load()
}

// Close 关闭所有 socket
func (s *Server) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.closeAll()
	s.wg.Wait()
	return nil
}

func (s *Server) closeAll() {
	for _, c := range s.conns {
		_ = c.Close()
	}
}

func (s *Server) serve(local netip.AddrPort, c *net.UDPConn) {
	defer s.wg.Done()
	buf := make([]byte, 1500)
	for {
		n, from, err := c.ReadFromUDPAddrPort(buf)
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		if !stun.IsMessage(buf[:n]) {
			continue
		}
		req := new(stun.Message)
		if err := stun.Decode(append([]byte(nil), buf[:n]...), req); err != nil {
			continue
		}
		if req.Type != stun.BindingRequest {
			continue
		}
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		out, resp := s.respond(local, from, req)
		if resp == nil {
			continue
		}
		if _, err := out.WriteToUDPAddrPort(resp.Raw, from); err == nil {
			s.served.Add(1)
		}
	}
}

// respond 选择回复 socket 并构造响应
func (s *Server) respond(local, from netip.AddrPort, req *stun.Message) (*net.UDPConn, *stun.Message) {
	in := s.conns[local]
	var change ChangeRequest
	if err := change.GetFrom(req); err != nil {
		return nil, nil
	}

	ip, port := local.Addr(), local.Port()
	if change.ChangePort {
		port = s.flipPort(port)
	}
	if change.ChangeIP {
		if !s.other.IsValid() {
			resp, err := ErrorResponse(req, stun.CodeUnknownAttribute)
			if err != nil {
				return nil, nil
			}
			return in, resp
		}
		ip = s.flipIP(ip)
	}
	origin := netip.AddrPortFrom(ip, port)
	out, ok := s.conns[origin]
	if !ok {
		return nil, nil
	}
	resp, err := BindingResponse(req, from, origin, s.other)
	if err != nil {
		return nil, nil
	}
	return out, resp
}

func (s *Server) flipPort(p uint16) uint16 {
	if p == s.primary.Port() {
		return s.altPort
	}
	return s.primary.Port()
}

func (s *Server) flipIP(ip netip.Addr) netip.Addr {
	if ip == s.primary.Addr() {
		return s.other.Addr()
	}
	return s.primary.Addr()
}

func listen(ap netip.AddrPort) (*net.UDPConn, error) {
	c, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(ap))
	if err != nil {
		return nil, fmt.Errorf("stun: listen %s: %w", ap, err)
	}
	return c, nil
}

func addrOf(c *net.UDPConn) netip.AddrPort {
	ap := c.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
