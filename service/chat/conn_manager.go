package chat

import (
	"sync"
	"time"
)

// ===== 配置 =====

type ManagerConf struct {
	MaxPerUser  int              // 每用户最大连接数（<=0 不限制）
	EvictOldest bool             // 超限时淘汰最老连接，否则拒绝新连接
	Clock       func() time.Time // 可注入时钟（单测用）；nil => time.Now
}

func (c *ManagerConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// ConnManager indexes live clients by connection id and by user.
type ConnManager struct {
	mu     sync.RWMutex
	byConn map[string]*Client           // 主索引：connID -> client
	byUser map[int64]map[string]*Client // 辅助索引：userID -> (connID -> client)
	conf   ManagerConf
}

func NewConnManager(conf ManagerConf) *ConnManager {
	conf.norm()
	return &ConnManager{
		byConn: make(map[string]*Client),
		byUser: make(map[int64]map[string]*Client),
		conf:   conf,
	}
}

// Add registers c. When the user is at MaxPerUser the oldest client is
// returned for the caller to close, or Add fails if eviction is off.
func (m *ConnManager) Add(c *Client) (evicted *Client, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c.CreatedAt = m.conf.Clock()
	mm := m.byUser[c.UserID]
	if m.conf.MaxPerUser > 0 && len(mm) >= m.conf.MaxPerUser {
		if !m.conf.EvictOldest {
			return nil, false
		}
		for _, w := range mm {
			if evicted == nil || w.CreatedAt.Before(evicted.CreatedAt) {
				evicted = w
			}
		}
		if evicted != nil {
			m.removeLocked(evicted)
		}
	}
	if m.byUser[c.UserID] == nil {
		m.byUser[c.UserID] = make(map[string]*Client)
	}
	m.byUser[c.UserID][c.ConnID] = c
	m.byConn[c.ConnID] = c
	return evicted, true
}

func (m *ConnManager) Remove(c *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(c)
}

func (m *ConnManager) removeLocked(c *Client) {
	if cur, ok := m.byConn[c.ConnID]; !ok || cur != c {
		return
	}
	delete(m.byConn, c.ConnID)
	if mm := m.byUser[c.UserID]; mm != nil {
		delete(mm, c.ConnID)
		if len(mm) == 0 {
			delete(m.byUser, c.UserID)
		}
	}
}

// Count returns the number of live clients.
func (m *ConnManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byConn)
}

// UserCount returns the number of live clients of one user.
func (m *ConnManager) UserCount(userID int64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[userID])
}

// CloseAll closes every client; their serve loops then unregister them.
func (m *ConnManager) CloseAll() int {
	m.mu.RLock()
	all := make([]*Client, 0, len(m.byConn))
	for _, c := range m.byConn {
		all = append(all, c)
	}
	m.mu.RUnlock()
	// 解锁后关闭
	for _, c := range all {
		c.Close()
	}
	return len(all)
}
