// Package ratelimit 以令牌桶限制每位使用者的發訊息頻率
//
// 令牌桶：
//  1. 每位使用者一個桶，容量 burst，以 rate（每秒）持續補充
//  2. 發訊息時取一個令牌，桶空則拒絕
//  3. 可以累積，所以短暫連發不受影響
//
// 使用者離開房間時呼叫 Forget，桶的數量不會無限成長。
package ratelimit

import (
	"sync"
	"time"
)

type bucket struct {
	tokens float64
	last   time.Time
}

// Limiter 以 key（使用者 ID）區分的令牌桶
type Limiter struct {
	rate  float64 // 每秒補充的令牌數
	burst float64 // 桶容量

	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// New 建立限流器
func New(rate float64, burst int) *Limiter {
	return NewWithClock(rate, burst, time.Now)
}

// NewWithClock 建立使用指定時間來源的限流器
func NewWithClock(rate float64, burst int, now func() time.Time) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		rate:    rate,
		burst:   float64(burst),
		buckets: make(map[string]*bucket),
		now:     now,
	}
}

// Allow 取出一個令牌；沒有令牌時回傳 false
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		// 新的桶是滿的
		b = &bucket{tokens: l.burst, last: now}
		l.buckets[key] = b
	}

	if elapsed := now.Sub(b.last); elapsed > 0 {
		b.tokens = min(l.burst, b.tokens+elapsed.Seconds()*l.rate)
		b.last = now
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Forget 丟棄 key 的桶
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// Len 目前的桶數（用於監控）
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
