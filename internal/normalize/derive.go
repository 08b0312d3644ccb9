// Package normalize converts raw bridge payloads into the unified
// document schema and enriches them with derived metadata.
package normalize

import (
	"regexp"
	"strings"
)

var (
	hashtagRe = regexp.MustCompile(`#(\w+)`)
	mentionRe = regexp.MustCompile(`@(\w+)`)
	linkRe    = regexp.MustCompile(`https?://[^\s<>"']+`)
)

// kaspaKeywords flags ecosystem-related text. Matching is substring based
// and case insensitive, so "$KAS" and "kaspa's" both hit.
var kaspaKeywords = []string{
	"kaspa",
	"$kas",
	"kaspad",
	"ghostdag",
	"blockdag",
	"krc20",
	"krc-20",
	"kasplex",
}

// topicKeywords map coarse discussion topics to trigger terms.
var topicKeywords = map[string][]string{
	"mining":      {"mining", "miner", "hashrate", "asic", "pool"},
	"price":       {"price", "pump", "dump", "ath", "market cap", "bullish", "bearish"},
	"development": {"testnet", "mainnet", "release", "upgrade", "hardfork", "rust rewrite", "crescendo"},
	"exchange":    {"listing", "binance", "coinbase", "kucoin", "withdrawal", "deposit"},
}

func derive(text string) (d derived) {
	lower := strings.ToLower(text)

	for _, kw := range kaspaKeywords {
		if strings.Contains(lower, kw) {
			d.KaspaRelated = true
			break
		}
	}
	for topic, words := range topicKeywords {
		for _, w := range words {
			if strings.Contains(lower, w) {
				d.Topics = append(d.Topics, topic)
				break
			}
		}
	}

	for _, m := range hashtagRe.FindAllStringSubmatch(text, -1) {
		d.Hashtags = appendUnique(d.Hashtags, strings.ToLower(m[1]))
	}
	for _, m := range mentionRe.FindAllStringSubmatch(text, -1) {
		d.Mentions = appendUnique(d.Mentions, strings.ToLower(m[1]))
	}
	d.Links = linkRe.FindAllString(text, -1)
	return d
}

type derived struct {
	KaspaRelated bool
	Topics       []string
	Hashtags     []string
	Mentions     []string
	Links        []string
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

// languageHint makes a cheap guess at the text language. Anything not
// clearly non-Latin is reported as English; downstream consumers treat
// the field as advisory.
func languageHint(text string) string {
	var latin, cyrillic, cjk, total int
	for _, r := range text {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			latin++
			total++
		case r >= 0x0400 && r <= 0x04FF:
			cyrillic++
			total++
		case r >= 0x4E00 && r <= 0x9FFF, r >= 0x3040 && r <= 0x30FF:
			cjk++
			total++
		}
	}
	if total == 0 {
		return ""
	}
	switch {
	case cyrillic*2 > total:
		return "ru"
	case cjk*2 > total:
		return "zh"
	case latin*2 > total:
		return "en"
	default:
		return ""
	}
}
