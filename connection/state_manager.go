package connection

// SessionState 会话状态枚举
type SessionState int

const (
	// StateIdle 空闲状态：会话已缓存，可被复用
	StateIdle SessionState = iota
	// StateAcquired 已获取状态：会话被某个租约独占
	StateAcquired
	// StateChecking 检查状态：复用前正在健康检查
	StateChecking
	// StateClosing 关闭中状态：会话正在断开
	StateClosing
	// StateClosed 已关闭状态：会话已断开
	StateClosed
)

// String 返回会话状态的字符串表示
func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAcquired:
		return "Acquired"
	case StateChecking:
		return "Checking"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// CanTransition 检查是否可以从当前状态转换到目标状态
func CanTransition(currentState, targetState SessionState) bool {
	switch currentState {
	case StateIdle:
		// 空闲状态可以转换到：检查中、已获取、关闭中
		return targetState == StateChecking || targetState == StateAcquired ||
			targetState == StateClosing
	case StateChecking:
		// 检查中状态可以转换到：已获取、关闭中
		return targetState == StateAcquired || targetState == StateClosing
	case StateAcquired:
		// 已获取状态可以转换到：空闲、关闭中
		return targetState == StateIdle || targetState == StateClosing
	case StateClosing:
		// 关闭中状态只能转换到：已关闭
		return targetState == StateClosed
	default:
		// 已关闭状态不能转换到任何其他状态
		return false
	}
}

// IsTerminalState 检查是否为终止状态
func IsTerminalState(state SessionState) bool {
	return state == StateClosed
}
