// Package partner 伙伴日志: 记录恢复时需要重新连接的资源管理器以及驱动子事务的上级协调者.
package partner

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/demdxx/gocast"
)

// Wrapper 一个伙伴的身份, 可以序列化到伙伴日志中
type Wrapper interface {
	// Kind 反序列化时用来选择解码函数
	Kind() string
	// IsSameAs 逻辑上是否为同一个伙伴
	IsSameAs(other Wrapper) bool
	Marshal() ([]byte, error)
	Describe() string
}

// DecodeFunc 把 Marshal 的输出还原成 Wrapper
type DecodeFunc func(payload []byte) (Wrapper, error)

// Kinds 已知的伙伴类型
type Kinds map[string]DecodeFunc

const (
	KindXA      = "xa"
	KindInbound = "inbound"
)

var ErrUnknownKind = errors.New("partner: unknown wrapper kind")

// DefaultKinds xa 资源与上级协调者两种
func DefaultKinds() Kinds {
	return Kinds{
		KindXA:      unmarshalXAWrapper,
		KindInbound: unmarshalInboundWrapper,
	}
}

type envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Encode 生成写入日志的描述字节
func Encode(w Wrapper) ([]byte, error) {
	payload, err := w.Marshal()
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Kind: w.Kind(), Payload: payload})
}

// Decode Encode 的逆操作
func (k Kinds) Decode(descriptor []byte) (Wrapper, error) {
	var env envelope
	if err := json.Unmarshal(descriptor, &env); err != nil {
		return nil, fmt.Errorf("partner: decode descriptor: %w", err)
	}
	decode, ok := k[env.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	return decode(env.Payload)
}

// XARecoveryWrapper 重新连接一个资源管理器所需的信息: 工厂名和连接属性
type XARecoveryWrapper struct {
	FactoryName string                 `json:"factory"`
	Properties  map[string]interface{} `json:"properties,omitempty"`
	Description string                 `json:"description,omitempty"`
}

// NewXARecoveryWrapper props 可以为 nil
func NewXARecoveryWrapper(factoryName string, props map[string]interface{}) *XARecoveryWrapper {
	return &XARecoveryWrapper{FactoryName: factoryName, Properties: props}
}

func (w *XARecoveryWrapper) Kind() string {
	return KindXA
}

func (w *XARecoveryWrapper) IsSameAs(other Wrapper) bool {
	o, ok := other.(*XARecoveryWrapper)
	if !ok || o.FactoryName != w.FactoryName {
		return false
	}
	a, errA := w.Marshal()
	b, errB := o.Marshal()
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

// Marshal 属性按 key 排序, 相同的属性得到相同的字节
func (w *XARecoveryWrapper) Marshal() ([]byte, error) {
	keys := make([]string, 0, len(w.Properties))
	for k := range w.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([][2]interface{}, 0, len(keys))
	for _, k := range keys {
		ordered = append(ordered, [2]interface{}{k, w.Properties[k]})
	}
	return json.Marshal(struct {
		FactoryName string           `json:"factory"`
		Properties  [][2]interface{} `json:"properties,omitempty"`
		Description string           `json:"description,omitempty"`
	}{w.FactoryName, ordered, w.Description})
}

func unmarshalXAWrapper(payload []byte) (Wrapper, error) {
	var raw struct {
		FactoryName string           `json:"factory"`
		Properties  [][2]interface{} `json:"properties"`
		Description string           `json:"description"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("partner: decode xa wrapper: %w", err)
	}
	w := &XARecoveryWrapper{FactoryName: raw.FactoryName, Description: raw.Description}
	if len(raw.Properties) > 0 {
		w.Properties = make(map[string]interface{}, len(raw.Properties))
		for _, kv := range raw.Properties {
			w.Properties[gocast.ToString(kv[0])] = kv[1]
		}
	}
	return w, nil
}

// Property 取字符串属性
func (w *XARecoveryWrapper) Property(key string) string {
	return gocast.ToString(w.Properties[key])
}

// Priority prepare 时按优先级从高到低排序, 默认 0
func (w *XARecoveryWrapper) Priority() int {
	return gocast.ToInt(w.Properties["priority"])
}

// TimeoutSeconds 资源上的事务超时, 0 表示不设置
func (w *XARecoveryWrapper) TimeoutSeconds() int {
	return gocast.ToInt(w.Properties["timeout"])
}

func (w *XARecoveryWrapper) Describe() string {
	if w.Description != "" {
		return w.Description
	}
	return "xa:" + w.FactoryName
}

// InboundWrapper 导入事务的上级协调者
type InboundWrapper struct {
	ProviderID string `json:"provider"`
}

func (w *InboundWrapper) Kind() string {
	return KindInbound
}

func (w *InboundWrapper) IsSameAs(other Wrapper) bool {
	o, ok := other.(*InboundWrapper)
	return ok && o.ProviderID == w.ProviderID
}

func (w *InboundWrapper) Marshal() ([]byte, error) {
	return json.Marshal(w)
}

func (w *InboundWrapper) Describe() string {
	return "inbound:" + w.ProviderID
}

func unmarshalInboundWrapper(payload []byte) (Wrapper, error) {
	var w InboundWrapper
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("partner: decode inbound wrapper: %w", err)
	}
	return &w, nil
}
