package httpapi

import "wisefido-telemetry/internal/models"

// Result 错误响应信封；成功的写入只返回 202，查询直接返回数组
// - code: 2000 成功，-1 失败
// - type: 'success' | 'error'
type Result[T any] struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
	Result  T      `json:"result"`
}

const (
	ResultSuccess = 2000
	ResultError   = -1
)

// FieldErrors 校验失败时逐字段的说明，如 {"deviceId": "deviceId cannot be null"}
type FieldErrors struct {
	Fields map[string]string `json:"fields"`
}

func Ok[T any](result T) Result[T] {
	return Result[T]{Code: ResultSuccess, Type: "success", Message: "ok", Result: result}
}

func Fail(message string) Result[any] {
	return Result[any]{Code: ResultError, Type: "error", Message: message, Result: nil}
}

// FailWith 带附加信息的失败响应
func FailWith[T any](message string, result T) Result[T] {
	return Result[T]{Code: ResultError, Type: "error", Message: message, Result: result}
}

// FailValidation 命令校验失败 -> 400 响应体
func FailValidation(verr *models.ValidationError) Result[FieldErrors] {
	return FailWith(verr.Error(), FieldErrors{Fields: verr.FieldMap()})
}
