package stun

import (
	"errors"
	"net"
	"net/netip"

	"github.com/pion/stun"
)

// CHANGE-REQUEST 标志位（RFC 5780 7.2）
const (
	changeIPFlag   byte = 0x04
	changePortFlag byte = 0x02
)

// ============================================================================
//                              CHANGE-REQUEST
// ============================================================================

// ChangeRequest STUN CHANGE-REQUEST 属性
type ChangeRequest struct {
	ChangeIP   bool
	ChangePort bool
}

// Any 是否请求了任何变更
func (c ChangeRequest) Any() bool {
	return c.ChangeIP || c.ChangePort
}

// AddTo 实现 stun.Setter
func (c ChangeRequest) AddTo(m *stun.Message) error {
	var flags byte
	if c.ChangeIP {
		flags |= changeIPFlag
	}
	if c.ChangePort {
		flags |= changePortFlag
	}
	m.Add(stun.AttrChangeRequest, []byte{0, 0, 0, flags})
	return nil
}

// GetFrom 实现 stun.Getter；属性缺失时返回零值
func (c *ChangeRequest) GetFrom(m *stun.Message) error {
	*c = ChangeRequest{}
	v, err := m.Get(stun.AttrChangeRequest)
	if err != nil {
		if errors.Is(err, stun.ErrAttributeNotFound) {
			return nil
		}
		return err
	}
	if len(v) != 4 {
		return ErrInvalidResponse
	}
	c.ChangeIP = v[3]&changeIPFlag != 0
	c.ChangePort = v[3]&changePortFlag != 0
	return nil
}

// ============================================================================
//                              请求与响应
// ============================================================================

// NewBindingRequest 构造 Binding Request
func NewBindingRequest(change ChangeRequest) (*stun.Message, error) {
	setters := []stun.Setter{stun.TransactionID, stun.BindingRequest}
	if change.Any() {
		setters = append(setters, change)
	}
	return stun.Build(setters...)
}

// Response 解析后的 Binding Success 响应
type Response struct {
	// Mapped 服务器观测到的源地址
	Mapped netip.AddrPort

	// Other 服务器的备用地址（OTHER-ADDRESS 或 CHANGED-ADDRESS），可能无效
	Other netip.AddrPort

	// Origin 响应发出的地址（RESPONSE-ORIGIN），可能无效
	Origin netip.AddrPort
}

// ParseResponse 解析 Binding Success 响应
//
// 优先 XOR-MAPPED-ADDRESS，缺失时回退 MAPPED-ADDRESS。
func ParseResponse(m *stun.Message) (Response, error) {
	if m.Type != stun.BindingSuccess {
		return Response{}, ErrInvalidResponse
	}
	var r Response

	var xor stun.XORMappedAddress
	if err := xor.GetFrom(m); err == nil {
		r.Mapped = toAddrPort(xor.IP, xor.Port)
	} else {
		var mapped stun.MappedAddress
		if err := mapped.GetFrom(m); err == nil {
			r.Mapped = toAddrPort(mapped.IP, mapped.Port)
		}
	}
	if !r.Mapped.IsValid() {
		return Response{}, ErrInvalidResponse
	}

	var other stun.OtherAddress
	if err := other.GetFrom(m); err == nil {
		r.Other = toAddrPort(other.IP, other.Port)
	} else {
		var changed stun.MappedAddress
		if err := changed.GetFromAs(m, stun.AttrChangedAddress); err == nil {
			r.Other = toAddrPort(changed.IP, changed.Port)
		}
	}

	var origin stun.ResponseOrigin
	if err := origin.GetFrom(m); err == nil {
		r.Origin = toAddrPort(origin.IP, origin.Port)
	}
	return r, nil
}

// BindingResponse 构造对 req 的 Binding Success 响应
//
// other 与 origin 无效时省略对应属性。
func BindingResponse(req *stun.Message, from, origin, other netip.AddrPort) (*stun.Message, error) {
	ip, port := fromAddrPort(from)
	setters := []stun.Setter{
		stun.NewTransactionIDSetter(req.TransactionID),
		stun.BindingSuccess,
		&stun.XORMappedAddress{IP: ip, Port: port},
		&stun.MappedAddress{IP: ip, Port: port},
	}
	if other.IsValid() {
		oip, oport := fromAddrPort(other)
		setters = append(setters, &stun.OtherAddress{IP: oip, Port: oport})
	}
	if origin.IsValid() {
		rip, rport := fromAddrPort(origin)
		setters = append(setters, &stun.ResponseOrigin{IP: rip, Port: rport})
	}
	return stun.Build(setters...)
}

// ErrorResponse 构造对 req 的 Binding Error 响应
func ErrorResponse(req *stun.Message, code stun.ErrorCode) (*stun.Message, error) {
	return stun.Build(
		stun.NewTransactionIDSetter(req.TransactionID),
		stun.BindingError,
		code,
	)
}

// Reflect 单 socket 反射器
//
// 只回答不带变更请求的 Binding Request；无法满足 CHANGE-REQUEST 时
// 返回 420 错误响应，客户端不会把它误判为锥形 NAT 的证据。
func Reflect(from netip.AddrPort, req *stun.Message) *stun.Message {
	if req.Type != stun.BindingRequest {
		return nil
	}
	var change ChangeRequest
	if err := change.GetFrom(req); err != nil {
		return nil
	}
	var (
		resp *stun.Message
		err  error
	)
	if change.Any() {
		resp, err = ErrorResponse(req, stun.CodeUnknownAttribute)
	} else {
		resp, err = BindingResponse(req, from, netip.AddrPort{}, netip.AddrPort{})
	}
	if err != nil {
		return nil
	}
	return resp
}

func toAddrPort(ip net.IP, port int) netip.AddrPort {
	a, ok := netip.AddrFromSlice(ip)
	if !ok || port <= 0 || port > 0xffff {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(a.Unmap(), uint16(port))
}

func fromAddrPort(ap netip.AddrPort) (net.IP, int) {
	return net.IP(ap.Addr().Unmap().AsSlice()), int(ap.Port())
}
