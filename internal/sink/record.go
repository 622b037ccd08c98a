// Package sink 把归一化事件和告警批量写入后端。
//
// 生产者（关联引擎的 worker）把记录放进一个有界队列，单个 dispatcher goroutine
// 按批次取出，失败时按指数退避重试，超过最大次数后计为丢失。
package sink

import (
	"context"
	"fmt"

	"github.com/Hara602/xdrSensor/pkg/event"
)

// Kind 区分记录类型
type Kind string

const (
	KindEvent Kind = "event"
	KindAlert Kind = "alert"
)

// Record 是队列和后端之间传递的单位，Event 和 Alert 恰好有一个非空
type Record struct {
	Kind  Kind
	Event *event.NormalizedEvent
	Alert *event.Alert
}

func EventRecord(ev *event.NormalizedEvent) Record {
	return Record{Kind: KindEvent, Event: ev}
}

func AlertRecord(a *event.Alert) Record {
	return Record{Kind: KindAlert, Alert: a}
}

func (r Record) ID() string {
	if r.Alert != nil {
		return r.Alert.ID
	}
	if r.Event != nil {
		return r.Event.ID
	}
	return ""
}

func (r Record) Severity() event.Severity {
	if r.Alert != nil {
		return r.Alert.Severity
	}
	if r.Event != nil {
		return r.Event.Severity
	}
	return event.SeverityInfo
}

// Document 返回要序列化的对象
func (r Record) Document() any {
	if r.Kind == KindAlert {
		return r.Alert
	}
	return r.Event
}

// Backend 是批量写入的目标。返回的错误会被重试，
// 用 backoff.Permanent 包装的错误不会。
type Backend interface {
	Name() string
	Ingest(ctx context.Context, batch []Record) error
	Close() error
}

// SinkError 描述一次失败的批量写入
type SinkError struct {
	Backend string
	Records int
	Err     error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink %s: ingest %d records: %v", e.Backend, e.Records, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }
