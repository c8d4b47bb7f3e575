// Package roster 在线人员名册的纯函数合并逻辑，不持有状态
package roster

import (
	"sort"
	"strings"
	"time"

	"github.com/EthanQC/fieldsync/pkg/protocol"
	"github.com/EthanQC/fieldsync/services/field_agent/internal/domain/entity"
)

// DefaultStaleAfter 超过该时长未更新的人员视为离开
const DefaultStaleAfter = 2 * time.Minute

// 角色颜色
const (
	ColorManager = "#1E88E5"
	ColorForeman = "#FB8C00"
	ColorLabour  = "#43A047"
	ColorUnknown = "#757575"
)

// Roster 以 userId 为键的名册
type Roster map[string]entity.ActiveUser

// Color 角色到颜色的固定映射
func Color(role protocol.Role) string {
	switch role {
	case protocol.RoleManager:
		return ColorManager
	case protocol.RoleForeman:
		return ColorForeman
	case protocol.RoleLabour:
		return ColorLabour
	default:
		return ColorUnknown
	}
}

// Merge 合并一批更新，返回新名册；同一用户按 lastUpdated 后写胜出，
// 时间相等时保留已有条目，因此重复合并同一更新结果不变
func Merge(r Roster, updates ...entity.ActiveUser) Roster {
	out := make(Roster, len(r)+len(updates))
	for id, u := range r {
		out[id] = u
	}
	for _, u := range updates {
		if u.UserID == "" {
			continue
		}
		if cur, ok := out[u.UserID]; ok && !u.LastUpdated.After(cur.LastUpdated) {
			continue
		}
		out[u.UserID] = u
	}
	return out
}

// Accepts 判断单条更新是否会改变名册
func Accepts(r Roster, u entity.ActiveUser) bool {
	if u.UserID == "" {
		return false
	}
	cur, ok := r[u.UserID]
	return !ok || u.LastUpdated.After(cur.LastUpdated)
}

// Remove 移除指定用户
func Remove(r Roster, userID string) Roster {
	if _, ok := r[userID]; !ok {
		return r
	}
	out := make(Roster, len(r))
	for id, u := range r {
		if id != userID {
			out[id] = u
		}
	}
	return out
}

// Prune 移除 lastUpdated 早于 now-ttl 的条目，返回新名册与被移除的用户
func Prune(r Roster, now time.Time, ttl time.Duration) (Roster, []string) {
	cutoff := now.Add(-ttl)
	var removed []string
	out := make(Roster, len(r))
	for id, u := range r {
		if u.LastUpdated.Before(cutoff) {
			removed = append(removed, id)
			continue
		}
		out[id] = u
	}
	sort.Strings(removed)
	return out, removed
}

func roleRank(role protocol.Role) int {
	switch role {
	case protocol.RoleManager:
		return 0
	case protocol.RoleForeman:
		return 1
	case protocol.RoleLabour:
		return 2
	default:
		return 3
	}
}

// View 生成面板行：自己排第一，其余按角色、姓名、userId 排序
func View(r Roster, now time.Time, selfID string) []entity.RosterRow {
	rows := make([]entity.RosterRow, 0, len(r))
	for _, u := range r {
		age := now.Sub(u.LastUpdated)
		if age < 0 {
			age = 0
		}
		rows = append(rows, entity.RosterRow{
			ActiveUser: u,
			Self:       selfID != "" && u.UserID == selfID,
			LastSeen:   age,
			LastSeenMs: age.Milliseconds(),
			ColorTag:   Color(u.Role),
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Self != b.Self {
			return a.Self
		}
		if ra, rb := roleRank(a.Role), roleRank(b.Role); ra != rb {
			return ra < rb
		}
		if na, nb := strings.ToLower(a.UserName), strings.ToLower(b.UserName); na != nb {
			return na < nb
		}
		return a.UserID < b.UserID
	})
	return rows
}
