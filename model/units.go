package model

import (
	"math/big"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// EtherDecimals はネイティブトークン (ETH) の小数桁数
const EtherDecimals = 18

var decimalPattern = regexp.MustCompile(`^(\d+\.?\d*|\.\d+)$`)

// ToWei は "1.5" のような10進数文字列を Wei に変換する
// 浮動小数点は使わないので丸めは発生しない。18桁を超える小数部はエラー
func ToWei(amount string) (*big.Int, error) {
	s := strings.TrimSpace(amount)
	if s == "" {
		return nil, Errorf(KindValidation, "units.to_wei", "amount is empty")
	}
	if !decimalPattern.MatchString(s) {
		return nil, Errorf(KindValidation, "units.to_wei", "malformed decimal amount %q", amount)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, NewError(KindValidation, "units.to_wei", err)
	}
	shifted := d.Shift(EtherDecimals)
	if !shifted.IsInteger() {
		return nil, Errorf(KindValidation, "units.to_wei", "amount %q has more than %d fractional digits", amount, EtherDecimals)
	}
	return shifted.BigInt(), nil
}

// FromWei は Wei を表示用の10進数文字列に変換する
func FromWei(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -EtherDecimals).String()
}
