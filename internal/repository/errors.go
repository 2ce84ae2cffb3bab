package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"

	"github.com/lib/pq"
)

// IsPermanent 判断是否为永久性存储错误（重试无意义，丢弃该项并记录原因）
// 约束冲突、数据异常、schema 错误属于永久性错误
func IsPermanent(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "22", // data exception
			"23", // integrity constraint violation
			"42": // syntax error or access rule violation
			return true
		}
	}
	return false
}

// IsTransient 判断是否为瞬时存储错误（退避重试）
// 连接失败、超时、资源不足均视为瞬时；未知错误同样按瞬时处理，
// 重试耗尽后由 overflow 缓冲兜底
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanent(err) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", // connection exception
			"53", // insufficient resources
			"57", // operator intervention
			"58": // system error
			return true
		}
	}
	return true
}
