// Package timerstate persists the countdown record the timer page keeps
// between visits and decides, at page load, whether a countdown resumes,
// has already completed, or the page starts idle.
package timerstate

import (
	"strconv"
	"time"
)

// 持久化的四个键，与页面端使用的名称保持一致。
const (
	KeyStartTime     = "timerStartTime"
	KeyEndTime       = "timerEndTime"
	KeyTotalDuration = "timerTotalDuration"
	KeyIsRunning     = "timerIsRunning"
)

// Keys 按固定顺序列出全部键。
var Keys = []string{KeyStartTime, KeyEndTime, KeyTotalDuration, KeyIsRunning}

// Record 是一次倒计时的持久化状态，时间均为 Unix 毫秒。
type Record struct {
	StartTime     int64 `json:"startTime"`
	EndTime       int64 `json:"endTime"`
	TotalDuration int64 `json:"totalDuration"`
	IsRunning     bool  `json:"isRunning"`
}

// Values 把记录编码为四个键值对。
func (r Record) Values() map[string]string {
	return map[string]string{
		KeyStartTime:     strconv.FormatInt(r.StartTime, 10),
		KeyEndTime:       strconv.FormatInt(r.EndTime, 10),
		KeyTotalDuration: strconv.FormatInt(r.TotalDuration, 10),
		KeyIsRunning:     strconv.FormatBool(r.IsRunning),
	}
}

// Outcome 是页面加载时的决策结果。
type Outcome string

const (
	OutcomeIdle     Outcome = "idle"
	OutcomeResume   Outcome = "resume"
	OutcomeComplete Outcome = "complete"
)

// Decision 描述加载时应展示的状态。Progress 仅在 resume 时有意义，取值 0-1。
type Decision struct {
	Outcome   Outcome `json:"outcome"`
	Record    *Record `json:"record,omitempty"`
	Progress  float64 `json:"progress"`
	Remaining int64   `json:"remainingMs"`
}

// Decide 根据已存储的键值与当前时间给出决策：四个键齐全且处于运行中时，
// 未到结束时间则 resume，否则 complete（调用方需清空存储）；其余情况一律 idle。
func Decide(values map[string]string, now time.Time) Decision {
	for _, key := range Keys {
		if values[key] == "" {
			return Decision{Outcome: OutcomeIdle}
		}
	}
	if values[KeyIsRunning] != "true" {
		return Decision{Outcome: OutcomeIdle}
	}
	start, errStart := strconv.ParseInt(values[KeyStartTime], 10, 64)
	end, errEnd := strconv.ParseInt(values[KeyEndTime], 10, 64)
	total, errTotal := strconv.ParseInt(values[KeyTotalDuration], 10, 64)
	if errStart != nil || errEnd != nil || errTotal != nil {
		return Decision{Outcome: OutcomeIdle}
	}

	record := &Record{StartTime: start, EndTime: end, TotalDuration: total, IsRunning: true}
	nowMs := now.UnixMilli()
	if nowMs >= end {
		return Decision{Outcome: OutcomeComplete, Record: record, Progress: 1}
	}

	progress := 0.0
	if total > 0 {
		progress = float64(nowMs-start) / float64(total)
	}
	if progress < 0 {
		progress = 0
	}
	return Decision{
		Outcome:   OutcomeResume,
		Record:    record,
		Progress:  progress,
		Remaining: end - nowMs,
	}
}
