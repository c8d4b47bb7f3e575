// Package channel 长连接状态机与重连退避策略
package channel

import (
	"errors"
	"sync"

	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/entity"
)

// Event 长连接事件
type Event string

const (
	EventConnect    Event = "connect"     // 调用 Connect 或网络恢复
	EventOpened     Event = "opened"      // 拨号成功
	EventDialFailed Event = "dial_failed" // 拨号失败
	EventClosed     Event = "closed"      // 连接出错或被关闭
	EventRetry      Event = "retry"       // 重连定时器到期
	EventDisconnect Event = "disconnect"  // 主动断开
)

var ErrInvalidTransition = errors.New("invalid channel state transition")

type stateEvent struct {
	state entity.ChannelState
	event Event
}

var transitions = map[stateEvent]entity.ChannelState{
	{entity.ChannelIdle, EventConnect}:            entity.ChannelConnecting,
	{entity.ChannelDisconnected, EventConnect}:    entity.ChannelConnecting,
	{entity.ChannelDisconnected, EventRetry}:      entity.ChannelConnecting,
	{entity.ChannelConnecting, EventOpened}:       entity.ChannelConnected,
	{entity.ChannelConnecting, EventDialFailed}:   entity.ChannelDisconnected,
	{entity.ChannelConnected, EventClosed}:        entity.ChannelDisconnected,
	{entity.ChannelIdle, EventDisconnect}:         entity.ChannelIdle,
	{entity.ChannelConnecting, EventDisconnect}:   entity.ChannelIdle,
	{entity.ChannelConnected, EventDisconnect}:    entity.ChannelIdle,
	{entity.ChannelDisconnected, EventDisconnect}: entity.ChannelIdle,
}

// Machine 长连接状态机，只保存状态本身，副作用由调用方执行
type Machine struct {
	mu       sync.RWMutex
	state    entity.ChannelState
	onChange func(from, to entity.ChannelState)
}

// NewMachine 创建状态机，初始为 idle
func NewMachine(onChange func(from, to entity.ChannelState)) *Machine {
	return &Machine{state: entity.ChannelIdle, onChange: onChange}
}

// Can 当前状态下事件是否合法
func (m *Machine) Can(event Event) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := transitions[stateEvent{m.state, event}]
	return ok
}

// Fire 执行状态转换
func (m *Machine) Fire(event Event) (entity.ChannelState, error) {
	m.mu.Lock()
	from := m.state
	to, ok := transitions[stateEvent{from, event}]
	if !ok {
		m.mu.Unlock()
		return from, ErrInvalidTransition
	}
	m.state = to
	m.mu.Unlock()

	if from != to && m.onChange != nil {
		m.onChange(from, to)
	}
	return to, nil
}

// State 当前状态
func (m *Machine) State() entity.ChannelState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}
