package link

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// all store paths for an account are rooted here,
// except the shared pairing and recovery lookup tables
func AccountRoot(accountId Id) string {
	return fmt.Sprintf("accounts/%s", accountId)
}

func AccountPath(accountId Id, parts ...string) string {
	return strings.Join(append([]string{AccountRoot(accountId)}, parts...), "/")
}

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func RequireIdFromBytes(idBytes []byte) Id {
	id, err := IdFromBytes(idBytes)
	if err != nil {
		panic(err)
	}
	return id
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	b := buff.Bytes()
	return b, nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

type DeviceKind string

const (
	DeviceKindPhone   DeviceKind = "phone"
	DeviceKindDesktop DeviceKind = "desktop"
	DeviceKindWeb     DeviceKind = "web"
)

// the phone is the system of record. everything else mirrors it.
func (self DeviceKind) IsSecondary() bool {
	return self != DeviceKindPhone
}

type Plan string

const (
	PlanFree      Plan = "free"
	PlanMonthly   Plan = "monthly"
	PlanYearly    Plan = "yearly"
	PlanMultiYear Plan = "multi_year"
)

func (self Plan) DeviceLimit() int {
	switch self {
	case PlanMonthly, PlanYearly:
		return 5
	case PlanMultiYear:
		return 10
	default:
		return 1
	}
}

// tier is a static classification of a data path.
// it drives scheduling only and is never persisted per-record.
type SyncPriority string

const (
	SyncPriorityCritical SyncPriority = "critical"
	SyncPriorityHigh     SyncPriority = "high"
	SyncPriorityMedium   SyncPriority = "medium"
	SyncPriorityLow      SyncPriority = "low"
)

// use this type when counting bytes
type ByteCount = int64

func kib(c ByteCount) ByteCount {
	return c * ByteCount(1024)
}

func mib(c ByteCount) ByteCount {
	return c * ByteCount(1024*1024)
}
