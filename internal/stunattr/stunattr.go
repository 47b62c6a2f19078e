// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package stunattr adds the ICE extension attributes and the GOOG_PING
// method on top of the pion/stun codec.
package stunattr

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec
	"encoding/binary"
	"errors"

	"github.com/pion/stun/v3"
)

// MethodGoogPing is the lightweight keepalive method that replaces a
// binding request whose attributes did not change.
const MethodGoogPing stun.Method = 0x080

// GOOG_PING message types.
var (
	GoogPingRequest  = stun.NewType(MethodGoogPing, stun.ClassRequest)         //nolint:gochecknoglobals
	GoogPingResponse = stun.NewType(MethodGoogPing, stun.ClassSuccessResponse) //nolint:gochecknoglobals
	GoogPingError    = stun.NewType(MethodGoogPing, stun.ClassErrorResponse)   //nolint:gochecknoglobals
)

// Attribute types of the ICE extensions. All of them are comprehension
// optional so peers without support ignore them.
const (
	AttrNomination               stun.AttrType = 0xC001
	AttrGoogNetworkInfo          stun.AttrType = 0xC057
	AttrGoogLastIceCheckReceived stun.AttrType = 0xC058
	AttrGoogMiscInfo             stun.AttrType = 0xC059
	AttrGoogMessageIntegrity32   stun.AttrType = 0xC060
	AttrRetransmitCount          stun.AttrType = 0xFF00
)

// GoogPingVersion is announced at MiscInfoGoogPingVersion of GOOG_MISC_INFO.
const (
	MiscInfoGoogPingVersion = 0
	GoogPingVersion         = 1
)

const (
	uint32Size          = 4
	integrity32Size     = 4
	attributeHeaderSize = 4
	messageHeaderSize   = 20
)

var (
	// ErrIntegrity32Mismatch means the truncated HMAC differs.
	ErrIntegrity32Mismatch = errors.New("integrity32 check failed")
	// ErrFingerprintBeforeIntegrity32 means FINGERPRINT was already added.
	ErrFingerprintBeforeIntegrity32 = errors.New("FINGERPRINT before MESSAGE-INTEGRITY-32 attribute")
	errOddMiscInfo                  = errors.New("GOOG_MISC_INFO has odd length")
)

func addUint32(m *stun.Message, t stun.AttrType, v uint32) {
	b := make([]byte, uint32Size)
	binary.BigEndian.PutUint32(b, v)
	m.Add(t, b)
}

func getUint32(m *stun.Message, t stun.AttrType) (uint32, error) {
	b, err := m.Get(t)
	if err != nil {
		return 0, err
	}
	if err = stun.CheckSize(t, len(b), uint32Size); err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint32(b), nil
}

// Nomination is the renomination counter sent by the controlling agent.
type Nomination uint32

// AddTo adds NOMINATION to m.
func (n Nomination) AddTo(m *stun.Message) error {
	addUint32(m, AttrNomination, uint32(n))

	return nil
}

// GetFrom decodes NOMINATION from m.
func (n *Nomination) GetFrom(m *stun.Message) error {
	v, err := getUint32(m, AttrNomination)
	*n = Nomination(v)

	return err
}

// RetransmitCount tells the peer how many times a request was resent.
type RetransmitCount uint32

// AddTo adds RETRANSMIT_COUNT to m.
func (c RetransmitCount) AddTo(m *stun.Message) error {
	addUint32(m, AttrRetransmitCount, uint32(c))

	return nil
}

// GetFrom decodes RETRANSMIT_COUNT from m.
func (c *RetransmitCount) GetFrom(m *stun.Message) error {
	v, err := getUint32(m, AttrRetransmitCount)
	*c = RetransmitCount(v)

	return err
}

// NetworkInfo carries the sender's network id and cost.
type NetworkInfo struct {
	ID   uint16
	Cost uint16
}

// AddTo adds GOOG_NETWORK_INFO to m.
func (n NetworkInfo) AddTo(m *stun.Message) error {
	addUint32(m, AttrGoogNetworkInfo, uint32(n.ID)<<16|uint32(n.Cost))

	return nil
}

// GetFrom decodes GOOG_NETWORK_INFO from m.
func (n *NetworkInfo) GetFrom(m *stun.Message) error {
	v, err := getUint32(m, AttrGoogNetworkInfo)
	if err != nil {
		return err
	}
	n.ID = uint16(v >> 16)      //nolint:gosec
	n.Cost = uint16(v & 0xFFFF) //nolint:gosec

	return nil
}

// LastIceCheckReceived echoes the transaction id of the last
// connectivity check received on the pair.
type LastIceCheckReceived []byte

// AddTo adds GOOG_LAST_ICE_CHECK_RECEIVED to m.
func (l LastIceCheckReceived) AddTo(m *stun.Message) error {
	m.Add(AttrGoogLastIceCheckReceived, l)

	return nil
}

// GetFrom decodes GOOG_LAST_ICE_CHECK_RECEIVED from m.
func (l *LastIceCheckReceived) GetFrom(m *stun.Message) error {
	b, err := m.Get(AttrGoogLastIceCheckReceived)
	if err != nil {
		return err
	}
	*l = append((*l)[:0], b...)

	return nil
}

// MiscInfo is a list of 16 bit values indexed by convention.
type MiscInfo []uint16

// AddTo adds GOOG_MISC_INFO to m.
func (i MiscInfo) AddTo(m *stun.Message) error {
	b := make([]byte, 2*len(i))
	for n, v := range i {
		binary.BigEndian.PutUint16(b[2*n:], v)
	}
	m.Add(AttrGoogMiscInfo, b)

	return nil
}

// GetFrom decodes GOOG_MISC_INFO from m.
func (i *MiscInfo) GetFrom(m *stun.Message) error {
	b, err := m.Get(AttrGoogMiscInfo)
	if err != nil {
		return err
	}
	if len(b)%2 != 0 {
		return errOddMiscInfo
	}
	out := (*i)[:0]
	for n := 0; n+1 < len(b); n += 2 {
		out = append(out, binary.BigEndian.Uint16(b[n:]))
	}
	*i = out

	return nil
}

// At returns the value at index n or zero when absent.
func (i MiscInfo) At(n int) uint16 {
	if n < 0 || n >= len(i) {
		return 0
	}

	return i[n]
}

// MessageIntegrity32 is MESSAGE-INTEGRITY truncated to 32 bits, used
// to authenticate GOOG_PING messages.
type MessageIntegrity32 []byte

// NewMessageIntegrity32 returns the short term key for password.
func NewMessageIntegrity32(password string) MessageIntegrity32 {
	return MessageIntegrity32(password)
}

func (i MessageIntegrity32) sum(b []byte) []byte {
	mac := hmac.New(sha1.New, i)
	_, _ = mac.Write(b)

	return mac.Sum(nil)[:integrity32Size]
}

// AddTo adds MESSAGE-INTEGRITY-32 to m.
func (i MessageIntegrity32) AddTo(m *stun.Message) error {
	for _, a := range m.Attributes {
		if a.Type == stun.AttrFingerprint {
			return ErrFingerprintBeforeIntegrity32
		}
	}

	length := m.Length
	m.Length += integrity32Size + attributeHeaderSize
	m.WriteLength()
	v := i.sum(m.Raw)
	m.Length = length
	m.Add(AttrGoogMessageIntegrity32, v)

	return nil
}

// Check verifies MESSAGE-INTEGRITY-32 of m.
func (i MessageIntegrity32) Check(m *stun.Message) error {
	v, err := m.Get(AttrGoogMessageIntegrity32)
	if err != nil {
		return err
	}
	if err = stun.CheckSize(AttrGoogMessageIntegrity32, len(v), integrity32Size); err != nil {
		return err
	}

	var (
		length         = m.Length
		afterIntegrity = false
		sizeReduced    uint32
	)
	for _, a := range m.Attributes {
		if afterIntegrity {
			sizeReduced += uint32(paddedLength(int(a.Length)) + attributeHeaderSize) //nolint:gosec
		}
		if a.Type == AttrGoogMessageIntegrity32 {
			afterIntegrity = true
		}
	}
	m.Length -= sizeReduced
	m.WriteLength()
	start := messageHeaderSize + int(m.Length) - (attributeHeaderSize + integrity32Size)
	expected := i.sum(m.Raw[:start])
	m.Length = length
	m.WriteLength()

	if !hmac.Equal(v, expected) {
		return ErrIntegrity32Mismatch
	}

	return nil
}

func paddedLength(l int) int {
	const padding = 4
	if n := l % padding; n != 0 {
		return l + padding - n
	}

	return l
}

// knownRequired lists the comprehension-required attributes understood
// by the connectivity check engine.
var knownRequired = map[stun.AttrType]struct{}{ //nolint:gochecknoglobals
	stun.AttrMappedAddress:     {},
	stun.AttrUsername:          {},
	stun.AttrMessageIntegrity:  {},
	stun.AttrErrorCode:         {},
	stun.AttrUnknownAttributes: {},
	stun.AttrRealm:             {},
	stun.AttrNonce:             {},
	stun.AttrXORMappedAddress:  {},
	stun.AttrPriority:          {},
	stun.AttrUseCandidate:      {},
}

// UnknownRequired returns the comprehension-required attributes of m
// that this package cannot interpret, in message order.
func UnknownRequired(m *stun.Message) []stun.AttrType {
	var unknown []stun.AttrType
	for _, a := range m.Attributes {
		if !a.Type.Required() {
			continue
		}
		if _, ok := knownRequired[a.Type]; !ok {
			unknown = append(unknown, a.Type)
		}
	}

	return unknown
}

// EqualAttributes reports whether a and b carry the same attributes in
// the same order, skipping the types listed in ignore.
func EqualAttributes(a, b *stun.Message, ignore ...stun.AttrType) bool {
	skip := func(t stun.AttrType) bool {
		for _, i := range ignore {
			if i == t {
				return true
			}
		}

		return false
	}
	filter := func(attrs stun.Attributes) stun.Attributes {
		out := make(stun.Attributes, 0, len(attrs))
		for _, attr := range attrs {
			if !skip(attr.Type) {
				out = append(out, attr)
			}
		}

		return out
	}

	fa, fb := filter(a.Attributes), filter(b.Attributes)
	if len(fa) != len(fb) {
		return false
	}
	for n := range fa {
		if fa[n].Type != fb[n].Type || !bytes.Equal(fa[n].Value, fb[n].Value) {
			return false
		}
	}

	return true
}
