package xa

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	MaxGtridSize = 64
	MaxBqualSize = 64

	// 分支标识各字段的偏移
	timestampOffset   = 0
	epochOffset       = 8
	sequenceOffset    = 12
	instanceOffset    = 16
	branchIndexOffset = 36
	stokenOffset      = 37
	resourceSeqOffset = 45

	// PrimaryKeySize 时间戳 + epoch + 序号
	PrimaryKeySize = 16
	InstanceIDSize = 20
	// GtridSize 全局事务标识由主键和实例标识组成
	GtridSize = PrimaryKeySize + InstanceIDSize
	// BqualSize 分支标识的完整长度
	BqualSize = 47
)

var (
	ErrXidTooLong  = errors.New("xa: xid component longer than 64 bytes")
	ErrXidEncoding = errors.New("xa: malformed xid encoding")
	ErrNotOurXid   = errors.New("xa: branch qualifier not produced by this format")
)

// Xid 事务分支标识. 值类型, 可以直接作为 map 的 key
type Xid struct {
	formatID int32
	gtrid    string
	bqual    string
}

// NewXid 校验长度后构造 Xid
func NewXid(formatID int32, gtrid, bqual []byte) (Xid, error) {
	if len(gtrid) > MaxGtridSize || len(bqual) > MaxBqualSize {
		return Xid{}, fmt.Errorf("%w: gtrid %d, bqual %d", ErrXidTooLong, len(gtrid), len(bqual))
	}
	return Xid{formatID: formatID, gtrid: string(gtrid), bqual: string(bqual)}, nil
}

func (x Xid) FormatID() int32 {
	return x.formatID
}

func (x Xid) GlobalTransactionID() []byte {
	return []byte(x.gtrid)
}

func (x Xid) BranchQualifier() []byte {
	return []byte(x.bqual)
}

// IsZero 未赋值的 Xid
func (x Xid) IsZero() bool {
	return x == Xid{}
}

// Global 去掉分支标识后的全局事务标识
func (x Xid) Global() Xid {
	return Xid{formatID: x.formatID, gtrid: x.gtrid}
}

func (x Xid) String() string {
	return fmt.Sprintf("%d-%s-%s", x.formatID, hex.EncodeToString([]byte(x.gtrid)), hex.EncodeToString([]byte(x.bqual)))
}

// MarshalBinary formatID, gtrid 长度, bqual 长度, gtrid, bqual. 整数均为大端 4 字节
func (x Xid) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 12+len(x.gtrid)+len(x.bqual))
	binary.BigEndian.PutUint32(buf[0:4], uint32(x.formatID))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(x.gtrid)))
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(x.bqual)))
	copy(buf[12:], x.gtrid)
	copy(buf[12+len(x.gtrid):], x.bqual)
	return buf, nil
}

// UnmarshalXid MarshalBinary 的逆操作
func UnmarshalXid(data []byte) (Xid, error) {
	if len(data) < 12 {
		return Xid{}, fmt.Errorf("%w: %d bytes", ErrXidEncoding, len(data))
	}
	formatID := int32(binary.BigEndian.Uint32(data[0:4]))
	gl := int(binary.BigEndian.Uint32(data[4:8]))
	bl := int(binary.BigEndian.Uint32(data[8:12]))
	if gl > MaxGtridSize || bl > MaxBqualSize || len(data) != 12+gl+bl {
		return Xid{}, fmt.Errorf("%w: gtrid %d, bqual %d, total %d", ErrXidEncoding, gl, bl, len(data))
	}
	return NewXid(formatID, data[12:12+gl], data[12+gl:])
}

// InstanceID 20 字节的服务实例标识
type InstanceID [InstanceIDSize]byte

// NewInstanceID 随机 uuid 加上 4 字节进程号
func NewInstanceID() InstanceID {
	var id InstanceID
	u := uuid.New()
	copy(id[:16], u[:])
	binary.BigEndian.PutUint32(id[16:], uint32(os.Getpid()))
	return id
}

func (i InstanceID) String() string {
	return hex.EncodeToString(i[:])
}

// ParseInstanceID 解析 String 的输出
func ParseInstanceID(s string) (InstanceID, error) {
	var id InstanceID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != InstanceIDSize {
		return id, fmt.Errorf("xa: instance id must be %d bytes, got %d", InstanceIDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Qualifier 分支标识的结构化视图
type Qualifier struct {
	Timestamp   int64
	Epoch       uint32
	Sequence    uint32
	Instance    InstanceID
	BranchIndex byte
	SToken      uint64
	ResourceSeq uint16
}

// Encode 按固定偏移写出 47 字节
func (q Qualifier) Encode() []byte {
	buf := make([]byte, BqualSize)
	binary.BigEndian.PutUint64(buf[timestampOffset:], uint64(q.Timestamp))
	binary.BigEndian.PutUint32(buf[epochOffset:], q.Epoch)
	binary.BigEndian.PutUint32(buf[sequenceOffset:], q.Sequence)
	copy(buf[instanceOffset:branchIndexOffset], q.Instance[:])
	buf[branchIndexOffset] = q.BranchIndex
	binary.BigEndian.PutUint64(buf[stokenOffset:], q.SToken)
	binary.BigEndian.PutUint16(buf[resourceSeqOffset:], q.ResourceSeq)
	return buf
}

// ParseQualifier 解析 Encode 的输出
func ParseQualifier(b []byte) (Qualifier, error) {
	var q Qualifier
	if len(b) != BqualSize {
		return q, fmt.Errorf("%w: length %d", ErrNotOurXid, len(b))
	}
	q.Timestamp = int64(binary.BigEndian.Uint64(b[timestampOffset:]))
	q.Epoch = binary.BigEndian.Uint32(b[epochOffset:])
	q.Sequence = binary.BigEndian.Uint32(b[sequenceOffset:])
	copy(q.Instance[:], b[instanceOffset:branchIndexOffset])
	q.BranchIndex = b[branchIndexOffset]
	q.SToken = binary.BigEndian.Uint64(b[stokenOffset:])
	q.ResourceSeq = binary.BigEndian.Uint16(b[resourceSeqOffset:])
	return q, nil
}

// PrimaryKey 全局事务标识的前 16 字节
func (x Xid) PrimaryKey() []byte {
	if len(x.gtrid) < PrimaryKeySize {
		return []byte(x.gtrid)
	}
	return []byte(x.gtrid[:PrimaryKeySize])
}

// NewBranch 只替换分支标识, 主键和实例标识取自全局事务标识
func (x Xid) NewBranch(branchIndex byte, stoken uint64, resourceSeq uint16) (Xid, error) {
	if len(x.gtrid) != GtridSize {
		return Xid{}, fmt.Errorf("%w: gtrid length %d", ErrNotOurXid, len(x.gtrid))
	}
	g := []byte(x.gtrid)
	q := Qualifier{
		Timestamp:   int64(binary.BigEndian.Uint64(g[timestampOffset:])),
		Epoch:       binary.BigEndian.Uint32(g[epochOffset:]),
		Sequence:    binary.BigEndian.Uint32(g[sequenceOffset:]),
		BranchIndex: branchIndex,
		SToken:      stoken,
		ResourceSeq: resourceSeq,
	}
	copy(q.Instance[:], g[instanceOffset:GtridSize])
	return NewXid(x.formatID, g, q.Encode())
}

// Generator 生成本实例的全局事务标识
type Generator struct {
	formatID int32
	instance InstanceID
	epoch    uint32
	seq      atomic.Uint32
}

// NewGenerator epoch 一般取本次启动的序号, 用于区分重启前后的事务
func NewGenerator(formatID int32, instance InstanceID, epoch uint32) *Generator {
	return &Generator{formatID: formatID, instance: instance, epoch: epoch}
}

// Instance 本实例标识
func (g *Generator) Instance() InstanceID {
	return g.instance
}

// NewGlobal 新的全局事务标识, 分支标识为空
func (g *Generator) NewGlobal() Xid {
	gtrid := make([]byte, GtridSize)
	binary.BigEndian.PutUint64(gtrid[timestampOffset:], uint64(time.Now().UnixNano()))
	binary.BigEndian.PutUint32(gtrid[epochOffset:], g.epoch)
	binary.BigEndian.PutUint32(gtrid[sequenceOffset:], g.seq.Add(1))
	copy(gtrid[instanceOffset:], g.instance[:])
	return Xid{formatID: g.formatID, gtrid: string(gtrid)}
}

// OwnedBy 分支标识是否由给定实例生成
func (x Xid) OwnedBy(instance InstanceID) bool {
	q, err := ParseQualifier([]byte(x.bqual))
	return err == nil && q.Instance == instance
}
