package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
)

// ErrorKind はエラーの種類
type ErrorKind string

const (
	KindNoWallet      ErrorKind = "no_wallet"
	KindUserRejected  ErrorKind = "user_rejected"
	KindNotConnected  ErrorKind = "not_connected"
	KindValidation    ErrorKind = "validation"
	KindUpload        ErrorKind = "upload"
	KindChain         ErrorKind = "chain"
	KindMetadataFetch ErrorKind = "metadata_fetch"
)

// 種類ごとの比較用エラー (errors.Is で使う)
var (
	ErrNoWallet      = &Error{Kind: KindNoWallet}
	ErrUserRejected  = &Error{Kind: KindUserRejected}
	ErrNotConnected  = &Error{Kind: KindNotConnected}
	ErrValidation    = &Error{Kind: KindValidation}
	ErrUpload        = &Error{Kind: KindUpload}
	ErrChain         = &Error{Kind: KindChain}
	ErrMetadataFetch = &Error{Kind: KindMetadataFetch}
)

// Error は呼び出し元に返す構造化エラー
type Error struct {
	Kind    ErrorKind
	Op      string   // 失敗した操作名
	TokenID *big.Int // アイテム単位のエラーのみ
	Err     error
}

// NewError は種類と操作名付きのエラーを作る
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf はメッセージからエラーを作る
func Errorf(kind ErrorKind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.TokenID != nil {
		msg += fmt.Sprintf(" (token %s)", e.TokenID.String())
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is は種類が一致すれば true (ErrValidation などとの比較用)
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// Message は下位エラーのメッセージ
func (e *Error) Message() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

func (e *Error) MarshalJSON() ([]byte, error) {
	out := struct {
		Kind    ErrorKind `json:"kind"`
		Op      string    `json:"op,omitempty"`
		TokenID string    `json:"token_id,omitempty"`
		Message string    `json:"message"`
	}{
		Kind:    e.Kind,
		Op:      e.Op,
		Message: e.Message(),
	}
	if e.TokenID != nil {
		out.TokenID = e.TokenID.String()
	}
	return json.Marshal(out)
}

// KindOf はエラーの種類を返す。構造化エラーでなければ空文字
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
