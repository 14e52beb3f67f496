// Package invoice extracts payment amounts from zap receipts. Decoding is
// deliberately narrow: the only fact this service needs from an invoice is
// the amount. A failure to parse is never fatal; the zap is recorded with
// amount zero.
package invoice

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Sats returns the amount in satoshis encoded in a bolt11 invoice's
// human-readable part. ok is false when the invoice has no amount or does
// not parse cleanly.
func Sats(bolt11 string) (int64, bool) {
	hrp := strings.ToLower(bolt11)
	if idx := strings.LastIndexByte(hrp, '1'); idx > 0 {
		hrp = hrp[:idx]
	} else {
		return 0, false
	}

	// Strip the ln prefix and network tag (bc mainnet, tb testnet, bcrt regtest).
	switch {
	case strings.HasPrefix(hrp, "lnbcrt"):
		hrp = hrp[6:]
	case strings.HasPrefix(hrp, "lnbc"):
		hrp = hrp[4:]
	case strings.HasPrefix(hrp, "lntb"):
		hrp = hrp[4:]
	default:
		return 0, false
	}
	if hrp == "" {
		return 0, false // amountless invoice
	}

	multiplier := int64(1)
	divisor := int64(1)
	switch hrp[len(hrp)-1] {
	case 'm': // milli-BTC = 100_000 sats
		multiplier, hrp = 100_000, hrp[:len(hrp)-1]
	case 'u': // micro-BTC = 100 sats
		multiplier, hrp = 100, hrp[:len(hrp)-1]
	case 'n': // nano-BTC = 0.1 sat
		divisor, hrp = 10, hrp[:len(hrp)-1]
	case 'p': // pico-BTC = 0.0001 sat
		divisor, hrp = 10_000, hrp[:len(hrp)-1]
	default: // whole BTC
		multiplier = 100_000_000
	}

	amount, err := strconv.ParseInt(hrp, 10, 64)
	if err != nil || amount <= 0 {
		return 0, false
	}
	if amount%divisor != 0 {
		return 0, false // sub-satoshi precision, not representable
	}
	return amount / divisor * multiplier, true
}

// FromZapReceipt resolves the zapped amount for a receipt event given its
// bolt11 tag and description tag (the serialized zap request). The invoice
// is authoritative; the zap request's millisat amount tag is the fallback.
func FromZapReceipt(bolt11, description string) (int64, bool) {
	if sats, ok := Sats(bolt11); ok {
		return sats, true
	}
	if description != "" {
		amount := gjson.Get(description, `tags.#(0=="amount").1`)
		if amount.Exists() {
			if msats, err := strconv.ParseInt(amount.String(), 10, 64); err == nil && msats > 0 {
				return msats / 1000, true
			}
		}
	}
	return 0, false
}
