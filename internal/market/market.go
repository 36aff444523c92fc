package market

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Market 表示订单所属的市场类别。
type Market string

const (
	// Auto 表示由符号形态推断市场。
	Auto Market = "auto"
	// Crypto 表示加密货币市场（Upbit 现货）。
	Crypto Market = "crypto"
	// KREquity 表示韩国股票市场（整数股）。
	KREquity Market = "kr_equity"
	// USEquity 表示美国股票市场。
	USEquity Market = "us_equity"
)

// Side 表示买卖方向。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ErrInvalidSide 表示买卖方向不合法。
var ErrInvalidSide = errors.New("market: invalid side")

// NormalizeSide 清洗并校验买卖方向。
func NormalizeSide(side string) (Side, error) {
	s := strings.ToLower(strings.TrimSpace(side))
	switch s {
	case "buy":
		return SideBuy, nil
	case "sell":
		return SideSell, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}
}

// Normalize 清洗市场标识，未识别的值一律当作 Auto。
func Normalize(raw string) Market {
	switch Market(strings.ToLower(strings.TrimSpace(raw))) {
	case Crypto:
		return Crypto
	case KREquity:
		return KREquity
	case USEquity:
		return USEquity
	default:
		return Auto
	}
}

// Infer 依据符号形态推断市场类别，显式（非 Auto）提示优先。
// KRW- 前缀、USDT 后缀或裸 BTC 视为加密货币；纯数字或 A+数字代码视为韩股；其余视为美股。
func Infer(symbol string, hint Market) Market {
	if hint != "" && hint != Auto {
		return hint
	}

	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if strings.HasPrefix(sym, "KRW-") || strings.HasSuffix(sym, "USDT") || sym == "BTC" {
		return Crypto
	}
	if isDigits(sym) || (strings.HasPrefix(sym, "A") && isDigits(sym[1:])) {
		return KREquity
	}
	return USEquity
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// TargetInterval 返回该市场 TWAP 切片的目标间隔。
func TargetInterval(m Market) time.Duration {
	switch m {
	case Crypto:
		return 10 * time.Second
	case KREquity:
		return 30 * time.Second
	default:
		return 20 * time.Second
	}
}

// MinInterval 返回该市场允许的最小下单间隔，避免超过券商接口节奏。
func MinInterval(m Market) time.Duration {
	switch m {
	case KREquity:
		// Kiwoom REST 稳定区间
		return 20 * time.Second
	case Crypto:
		// Upbit 调用节奏相对宽松
		return 3 * time.Second
	default:
		return 5 * time.Second
	}
}

// ShareQuantized 返回该市场是否以整数股为成交单位。
func ShareQuantized(m Market) bool {
	return m == KREquity
}

// QuoteSymbol 将用户输入符号映射为行情/下单使用的代码。
// 加密货币补全 KRW- 报价对前缀，韩股剥离 A 前缀。
func QuoteSymbol(symbol string, m Market) string {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	switch m {
	case Crypto:
		if strings.HasPrefix(sym, "KRW-") {
			return sym
		}
		if strings.HasSuffix(sym, "USDT") {
			base := strings.TrimSuffix(strings.TrimSuffix(sym, "USDT"), "/")
			if base == "" {
				return "KRW-BTC"
			}
			return "KRW-" + base
		}
		return "KRW-" + sym
	case KREquity:
		return strings.TrimPrefix(sym, "A")
	default:
		return sym
	}
}
