package internal

import "time"

// Clock 抽象時間來源
//
// 正式環境用 RealClock；測試注入可手動推進的時鐘，
// 讓閒置清理不必真的等幾十秒。
type Clock interface {
	Now() time.Time
}

// RealClock 使用系統時間
type RealClock struct{}

// Now 實現 Clock
func (RealClock) Now() time.Time { return time.Now() }
