// Package token は LLM のトークン数を概算します。
package token

import (
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/width"
)

const (
	// 全角（東アジア幅）文字の割合がこれを超えると CJK 主体とみなします。
	wideRatioThreshold = 0.3
	// 非 ASCII 文字の割合がこれを超える場合も密なテキストとして扱います。
	nonASCIIRatioThreshold = 0.5

	// 密なテキストは 1 文字あたり 1.1 トークン、ラテン文字は 3.5 文字で 1 トークン。
	// 浮動小数の丸め誤差を避けるため整数比で持ちます。
	denseNum, denseDen = 11, 10
	latinNum, latinDen = 2, 7
)

// Estimate はテキストのおおよそのトークン数を返します。
//
// CJK のように文字あたりのトークン密度が高いテキストは rune 数 × 1.1、
// それ以外は rune 数 / 3.5 として切り上げます。同じ入力には常に同じ値を返します。
func Estimate(text string) int {
	if text == "" {
		return 0
	}

	total := utf8.RuneCountInString(text)
	wide, nonASCII := 0, 0
	for _, r := range text {
		if r > unicode.MaxASCII {
			nonASCII++
		}
		switch width.LookupRune(r).Kind() {
		case width.EastAsianWide, width.EastAsianFullwidth:
			wide++
		}
	}

	if IsDense(total, wide, nonASCII) {
		return ceilDiv(total*denseNum, denseDen)
	}
	return ceilDiv(total*latinNum, latinDen)
}

// IsDense は文字種の内訳から CJK 主体のテキストかどうかを判定します。
func IsDense(total, wide, nonASCII int) bool {
	if total == 0 {
		return false
	}
	return float64(wide)/float64(total) > wideRatioThreshold ||
		float64(nonASCII)/float64(total) > nonASCIIRatioThreshold
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
