package fetch

import (
	"regexp"
	"strings"
)

// Class 是请求分类结果，决定采用哪种策略。
type Class string

const (
	ClassNavigation Class = "navigation"
	ClassFont       Class = "font-asset"
	ClassGeneric    Class = "generic-asset"
)

var (
	fontFilePattern   = regexp.MustCompile(`(?i)\.(woff|woff2|ttf|otf|eot)$`)
	stylesheetPattern = regexp.MustCompile(`(?i)\.css$`)
	// 字体 CSS API 路径，例如 fonts.googleapis.com/css2?family=...
	fontCSSAPIPattern = regexp.MustCompile(`(?i)^/css2?$`)
)

// Classifier 按固定顺序分类：导航优先，其次字体，最后通用资源。
type Classifier struct {
	fontHosts map[string]struct{}
}

// NewClassifier 以字体 CSS 主机列表构建分类器，主机名大小写不敏感。
func NewClassifier(fontHosts []string) Classifier {
	hosts := make(map[string]struct{}, len(fontHosts))
	for _, host := range fontHosts {
		host = strings.ToLower(strings.TrimSpace(host))
		if host != "" {
			hosts[host] = struct{}{}
		}
	}
	return Classifier{fontHosts: hosts}
}

// Classify 是无状态的纯函数，每个请求独立计算。
func (c Classifier) Classify(req *Request) Class {
	if req == nil || req.URL == nil {
		return ClassGeneric
	}
	if req.Mode == ModeNavigate {
		return ClassNavigation
	}
	if strings.EqualFold(req.Destination, DestinationFont) {
		return ClassFont
	}
	path := req.URL.Path
	if fontFilePattern.MatchString(path) {
		return ClassFont
	}
	if c.isFontHost(req.URL.Hostname()) &&
		(stylesheetPattern.MatchString(path) || fontCSSAPIPattern.MatchString(path)) {
		return ClassFont
	}
	return ClassGeneric
}

func (c Classifier) isFontHost(host string) bool {
	_, ok := c.fontHosts[strings.ToLower(host)]
	return ok
}
