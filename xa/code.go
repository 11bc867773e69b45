// Package xa X/Open XA 协议里协调者与资源管理器之间共用的类型: 事务标识, 返回码, 投票和驱动接口.
package xa

import (
	"errors"
	"fmt"
)

// Code XA 返回码
type Code int

const (
	OK       Code = 0
	RDONLY   Code = 3
	RETRY    Code = 4
	HEURMIX  Code = 5
	HEURRB   Code = 6
	HEURCOM  Code = 7
	HEURHAZ  Code = 8
	NOMIGRAT Code = 9

	RBBASE      Code = 100
	RBROLLBACK  Code = RBBASE
	RBCOMMFAIL  Code = RBBASE + 1
	RBDEADLOCK  Code = RBBASE + 2
	RBINTEGRITY Code = RBBASE + 3
	RBOTHER     Code = RBBASE + 4
	RBPROTO     Code = RBBASE + 5
	RBTIMEOUT   Code = RBBASE + 6
	RBTRANSIENT Code = RBBASE + 7
	RBEND       Code = RBTRANSIENT

	ERASYNC   Code = -2
	ERRMERR   Code = -3
	ERNOTA    Code = -4
	ERINVAL   Code = -5
	ERPROTO   Code = -6
	ERRMFAIL  Code = -7
	ERDUPID   Code = -8
	EROUTSIDE Code = -9
)

var codeNames = map[Code]string{
	OK:          "XA_OK",
	RDONLY:      "XA_RDONLY",
	RETRY:       "XA_RETRY",
	HEURMIX:     "XA_HEURMIX",
	HEURRB:      "XA_HEURRB",
	HEURCOM:     "XA_HEURCOM",
	HEURHAZ:     "XA_HEURHAZ",
	NOMIGRAT:    "XA_NOMIGRATE",
	RBROLLBACK:  "XA_RBROLLBACK",
	RBCOMMFAIL:  "XA_RBCOMMFAIL",
	RBDEADLOCK:  "XA_RBDEADLOCK",
	RBINTEGRITY: "XA_RBINTEGRITY",
	RBOTHER:     "XA_RBOTHER",
	RBPROTO:     "XA_RBPROTO",
	RBTIMEOUT:   "XA_RBTIMEOUT",
	RBTRANSIENT: "XA_RBTRANSIENT",
	ERASYNC:     "XAER_ASYNC",
	ERRMERR:     "XAER_RMERR",
	ERNOTA:      "XAER_NOTA",
	ERINVAL:     "XAER_INVAL",
	ERPROTO:     "XAER_PROTO",
	ERRMFAIL:    "XAER_RMFAIL",
	ERDUPID:     "XAER_DUPID",
	EROUTSIDE:   "XAER_OUTSIDE",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("XA(%d)", int(c))
}

// IsRollback XA_RB* 范围
func (c Code) IsRollback() bool {
	return c >= RBBASE && c <= RBEND
}

// IsHeuristic XA_HEUR* 四个返回码
func (c Code) IsHeuristic() bool {
	switch c {
	case HEURMIX, HEURRB, HEURCOM, HEURHAZ:
		return true
	}
	return false
}

// Error 携带 XA 返回码的错误
type Error struct {
	Code Code
	Msg  string
	Err  error
}

// NewError 构造 XA 错误
func NewError(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// WrapError 构造 XA 错误并保留底层原因
func WrapError(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	msg := "xa: " + e.Code.String()
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 两个 *Error 返回码相同即视为相等, 便于 errors.Is(err, &xa.Error{Code: xa.ERNOTA})
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf 取出 err 链上的 XA 返回码, 不是 XA 错误时 ok 为 false
func CodeOf(err error) (Code, bool) {
	var xerr *Error
	if errors.As(err, &xerr) {
		return xerr.Code, true
	}
	return OK, false
}

// IsRollback err 是否为 XA_RB* 错误
func IsRollback(err error) bool {
	code, ok := CodeOf(err)
	return ok && code.IsRollback()
}

// IsHeuristic err 是否为 XA_HEUR* 错误
func IsHeuristic(err error) bool {
	code, ok := CodeOf(err)
	return ok && code.IsHeuristic()
}

// Vote 资源在 prepare 阶段的投票
type Vote int

const (
	VoteCommit Vote = iota
	VoteReadOnly
	VoteRollback
)

func (v Vote) String() string {
	switch v {
	case VoteCommit:
		return "commit"
	case VoteReadOnly:
		return "readonly"
	case VoteRollback:
		return "rollback"
	}
	return fmt.Sprintf("vote(%d)", int(v))
}

// Flags xa_start / xa_end / xa_recover 的标志位
type Flags int

const (
	TMNOFLAGS    Flags = 0
	TMJOIN       Flags = 0x00200000
	TMENDRSCAN   Flags = 0x00800000
	TMSTARTRSCAN Flags = 0x01000000
	TMSUSPEND    Flags = 0x02000000
	TMSUCCESS    Flags = 0x04000000
	TMRESUME     Flags = 0x08000000
	TMFAIL       Flags = 0x20000000
	TMONEPHASE   Flags = 0x40000000
)
