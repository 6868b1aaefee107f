package session

import (
	"time"

	"github.com/BaSui01/fedgate/types"
)

// State 会话状态
type State string

const (
	StateCreated     State = "created"
	StateCacheLookup State = "cache_lookup"
	StateCacheHit    State = "cache_hit"
	StateResolving   State = "resolving"
	StateSplitting   State = "splitting"
	StateDispatching State = "dispatching"
	StateMerging     State = "merging"
	StateStreaming   State = "streaming"
	StateCompleted   State = "completed"
	StateAborted     State = "aborted"
)

var transitions = map[State][]State{
	StateCreated:     {StateCacheLookup, StateAborted},
	StateCacheLookup: {StateCacheHit, StateResolving, StateAborted},
	StateCacheHit:    {StateStreaming, StateAborted},
	StateResolving:   {StateSplitting, StateCompleted, StateAborted},
	StateSplitting:   {StateDispatching, StateAborted},
	StateDispatching: {StateMerging, StateAborted},
	StateMerging:     {StateStreaming, StateCompleted, StateAborted},
	StateStreaming:   {StateCompleted, StateAborted},
}

// CanTransition 判断状态转换是否合法
func (s State) CanTransition(to State) bool {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal 是否为终态
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

// Session 单个客户端请求的生命周期。只在处理该请求的 goroutine 中访问。
type Session struct {
	ID      string
	Query   *types.QuerySpec
	Started time.Time

	state   State
	history []State
}

func newSession(id string, q *types.QuerySpec, now time.Time) *Session {
	return &Session{ID: id, Query: q, Started: now, state: StateCreated, history: []State{StateCreated}}
}

// State 当前状态
func (s *Session) State() State { return s.state }

// History 经过的状态
func (s *Session) History() []State { return append([]State(nil), s.history...) }

// transition 推进状态，非法转换返回 INTERNAL_ERROR
func (s *Session) transition(to State) error {
	if !s.state.CanTransition(to) {
		return types.Errorf(types.ErrInternalError, "invalid session transition %s -> %s", s.state, to)
	}
	s.state = to
	s.history = append(s.history, to)
	return nil
}
