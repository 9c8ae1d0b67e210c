package models

import (
	"errors"
	"strings"
)

var (
	// ErrStoreUnavailable 写库或投影库不可达
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrPublishFailed 写入成功但事件发布失败（写入不回滚）
	ErrPublishFailed = errors.New("event publish failed")
)

// FieldError 单个字段校验错误
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError 调用方错误：缺少必填字段
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		msgs = append(msgs, f.Message)
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// Add 追加一个缺失字段
func (e *ValidationError) Add(field string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: field + " cannot be null"})
}

// HasErrors 是否存在校验错误
func (e *ValidationError) HasErrors() bool {
	return len(e.Fields) > 0
}

// FieldMap 以字段名为 key 的错误信息
func (e *ValidationError) FieldMap() map[string]string {
	out := make(map[string]string, len(e.Fields))
	for _, f := range e.Fields {
		out[f.Field] = f.Message
	}
	return out
}

// DataFormatError 数据格式错误类型
type DataFormatError struct {
	Message string
	Err     error
}

func (e *DataFormatError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *DataFormatError) Unwrap() error {
	return e.Err
}
