package tracking

import (
	"fmt"
	"regexp"
	"strings"
)

const urlPattern = `(https?)://([A-Za-z0-9\-.]+)(/[A-Za-z0-9/.+?&\-_%=~:;]+)?`

var (
	textURL     = regexp.MustCompile(urlPattern)
	htmlHref    = regexp.MustCompile(`href=(['"])(` + urlPattern + `)['"]`)
	notrackLink = regexp.MustCompile(`(https?)\+notrack://`)
)

// rewriteText 对解码后的文本执行链接替换、notrack 去除和像素插入
func (p *pass) rewriteText(text string, html bool) (string, error) {
	var err error
	if p.domain.TrackClicks {
		if html {
			text, err = p.replaceLinks(text, htmlHref, 2, 4, true)
		} else {
			text, err = p.replaceLinks(text, textURL, 0, 2, false)
		}
		if err != nil {
			return "", err
		}

		text = notrackLink.ReplaceAllStringFunc(text, func(match string) string {
			p.actioned = true
			return strings.Replace(match, "+notrack", "", 1)
		})
	}

	if p.domain.TrackLoads && html {
		text = p.insertPixel(text)
	}
	return text, nil
}

// replaceLinks 把未排除主机的链接替换为跟踪链接
//
// urlGroup 与 hostGroup 为子匹配组序号；HTML 中替换整个 href 属性
func (p *pass) replaceLinks(text string, re *regexp.Regexp, urlGroup, hostGroup int, html bool) (string, error) {
	matches := re.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text, nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		original := text[m[urlGroup*2]:m[urlGroup*2+1]]
		host := text[m[hostGroup*2]:m[hostGroup*2+1]]

		b.WriteString(text[last:m[0]])
		last = m[1]

		if p.domain.IsExcluded(host) {
			b.WriteString(text[m[0]:m[1]])
			continue
		}

		token, err := p.links.CreateLink(p.ctx, p.server.ID, p.message.ID, original)
		if err != nil {
			return "", fmt.Errorf("create link: %w", err)
		}
		p.trackedLinks++

		tracked := p.trackingURL(p.server.Token, token)
		if html {
			b.WriteString("href='" + tracked + "'")
		} else {
			b.WriteString(tracked)
		}
	}
	b.WriteString(text[last:])
	return b.String(), nil
}

// insertPixel 在 </body> 前插入隐藏的跟踪图片，没有 </body> 时追加到末尾；每次改写最多一次
func (p *pass) insertPixel(text string) string {
	if p.trackedImages > 0 {
		return text
	}
	p.trackedImages++

	container := "<p class='ampimg' style='display:none;visibility:none;margin:0;padding:0;line-height:0;'>" +
		"<img src='" + p.trackingURL("img", p.server.Token, p.message.Token) + "' alt=''></p>"
	if i := strings.Index(text, "</body>"); i >= 0 {
		return text[:i] + container + text[i:]
	}
	return text + container
}

// trackingURL 拼接跟踪域名下的路径
func (p *pass) trackingURL(segments ...string) string {
	return p.domain.Scheme() + "://" + p.domain.FullName + "/" + strings.Join(segments, "/")
}
