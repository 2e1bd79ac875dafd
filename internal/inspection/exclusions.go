package inspection

import (
	"regexp"

	"relaymail/backend/internal/domain"
)

// exclusion 按名称或正则匹配的规则排除项
type exclusion struct {
	code    string
	pattern *regexp.Regexp
}

func (e exclusion) matches(code string) bool {
	if e.pattern != nil {
		return e.pattern.MatchString(code)
	}
	return e.code == code
}

func exact(code string) exclusion {
	return exclusion{code: code}
}

func pattern(expr string) exclusion {
	return exclusion{pattern: regexp.MustCompile(expr)}
}

// spamExclusions 出站邮件由本系统自己生成，以下规则对其没有意义
var spamExclusions = map[domain.MessageScope][]exclusion{
	domain.ScopeOutgoing: {
		exact("NO_RECEIVED"),
		exact("NO_RELAYS"),
		exact("ALL_TRUSTED"),
		exact("FREEMAIL_FORGED_REPLYTO"),
		exact("RDNS_DYNAMIC"),
		exact("CK_HELO_GENERIC"),
		pattern(`^SPF_`),
		pattern(`^HELO_`),
		pattern(`DKIM_`),
		pattern(`^RCVD_IN_`),
	},
	domain.ScopeIncoming: {},
}

// Excluded 判断规则是否在该方向的排除列表中
func Excluded(scope domain.MessageScope, code string) bool {
	for _, e := range spamExclusions[scope] {
		if e.matches(code) {
			return true
		}
	}
	return false
}

// FilterChecks 去掉该方向被排除的规则
func FilterChecks(scope domain.MessageScope, checks []domain.SpamCheck) []domain.SpamCheck {
	filtered := make([]domain.SpamCheck, 0, len(checks))
	for _, check := range checks {
		if !Excluded(scope, check.Code) {
			filtered = append(filtered, check)
		}
	}
	return filtered
}
