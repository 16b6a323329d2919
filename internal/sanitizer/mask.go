package sanitizer

import (
	"net"
	"regexp"
	"strings"

	"evlogai/internal/model"
)

var (
	ipv4Regex = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	ipv6Regex = regexp.MustCompile(`(?i)\b(?:[0-9a-f]{0,4}:){2,7}[0-9a-f]{0,4}\b`)
	userRegex = regexp.MustCompile(`(?i)\buser(?:name)?\s*[:=]\s*([A-Za-z0-9._\\-]+)`)
	hostRegex = regexp.MustCompile(`(?i)\b(?:host|computer)(?:name)?\s*[:=]\s*([A-Za-z0-9._-]+)`)
)

const mask = "***"

// MaskRecords returns copies of records with addresses and account or host
// names replaced. The input is not modified.
func MaskRecords(records []model.LogRecord) []model.LogRecord {
	out := make([]model.LogRecord, len(records))
	for i, rec := range records {
		rec.Message = MaskString(rec.Message)
		out[i] = rec
	}
	return out
}

// MaskString replaces IP addresses and user/host values in s.
func MaskString(in string) string {
	s := maskIP(ipv4Regex, in)
	s = maskIP(ipv6Regex, s)
	s = maskGroup(userRegex, s)
	s = maskGroup(hostRegex, s)
	return s
}

func maskGroup(re *regexp.Regexp, s string) string {
	return re.ReplaceAllStringFunc(s, func(m string) string {
		sub := re.FindStringSubmatch(m)
		if len(sub) > 1 && sub[1] != "" {
			return strings.Replace(m, sub[1], mask, 1)
		}
		return m
	})
}

// maskIP only replaces candidates that parse as addresses, so clock times
// such as 12:30:45 survive the IPv6 pattern.
func maskIP(re *regexp.Regexp, s string) string {
	return re.ReplaceAllStringFunc(s, func(m string) string {
		if net.ParseIP(m) == nil {
			return m
		}
		return mask
	})
}
