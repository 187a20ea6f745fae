package model

import "time"

// Cursor 캔버스 좌표계 커서 위치
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// UserPresence is one user's presence record on a canvas. Liveness is a
// read-side judgment: a record counts as present only while isActive is
// set AND lastSeen is within the presence timeout. Stores may expire
// records on their own, but readers never depend on that.
type UserPresence struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar,omitempty"`
	Cursor      Cursor `json:"cursor"`
	LastSeen    int64  `json:"lastSeen"`
	IsActive    bool   `json:"isActive"`
}

// Live reports whether the record counts as present at the given time.
// A lastSeen slightly in the future (peer clock skew) still counts.
func (p UserPresence) Live(now time.Time, timeout time.Duration) bool {
	if !p.IsActive {
		return false
	}
	return now.UnixMilli()-p.LastSeen < timeout.Milliseconds()
}

// FilterLive keeps only records that count as present, excluding
// excludeUserID (the local user never appears in their own roster).
func FilterLive(records []UserPresence, now time.Time, timeout time.Duration, excludeUserID string) []UserPresence {
	live := make([]UserPresence, 0, len(records))
	for _, p := range records {
		if p.UserID == excludeUserID {
			continue
		}
		if p.Live(now, timeout) {
			live = append(live, p)
		}
	}
	return live
}
