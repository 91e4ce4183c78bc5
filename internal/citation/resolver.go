// Package citation 将回答文本中的 {{citation:N,M}} 标记与参考文献列表对齐，
// 切分为纯文本与引用徽标两类片段。
package citation

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"ruleout-go/internal/model"
)

// SegmentKind 是片段类型。
type SegmentKind string

const (
	KindText     SegmentKind = "text"
	KindCitation SegmentKind = "citation"
)

const (
	markerPrefix   = "{{citation:"
	maxLabelRunes  = 20
	fallbackLabel  = "Reference"
	unknownJournal = "Unknown"
)

var markerRe = regexp.MustCompile(`\{\{citation:(\d+(?:,\d+)*)\}\}`)

// Segment 是解析后的一个显示单元。一个标记无论引用多少篇文献都只生成一个徽标。
type Segment struct {
	Kind    SegmentKind `json:"kind"`
	Text    string      `json:"text,omitempty"`
	Indices []int       `json:"indices,omitempty"`
	Label   string      `json:"label,omitempty"`
}

// Resolve 将 text 切分为片段。全部下标都无效的标记不生成任何片段。
// streaming 为 true 时，末尾尚未完整到达的标记前缀会被暂时隐藏。
func Resolve(text string, refs []model.Reference, streaming bool) []Segment {
	if streaming {
		text = trimPartialMarker(text)
	}

	var segs []Segment
	last := 0
	for _, m := range markerRe.FindAllStringSubmatchIndex(text, -1) {
		segs = appendText(segs, text[last:m[0]])
		last = m[1]

		raw := text[m[2]:m[3]]
		indices := ValidIndices(raw, len(refs))
		if len(indices) == 0 {
			continue
		}
		segs = append(segs, Segment{
			Kind:    KindCitation,
			Indices: indices,
			Label:   Label(refs, indices),
		})
	}
	return appendText(segs, text[last:])
}

// InvalidMarkers 返回 text 中全部下标都无效的标记，用于回答结束后记录日志。
func InvalidMarkers(text string, n int) []string {
	var out []string
	for _, m := range markerRe.FindAllStringSubmatch(text, -1) {
		if len(ValidIndices(m[1], n)) == 0 {
			out = append(out, m[0])
		}
	}
	return out
}

// ValidIndices 解析逗号分隔的下标列表，去重并过滤掉 [0, n) 之外的下标，保持首次出现的顺序。
func ValidIndices(raw string, n int) []int {
	var out []int
	seen := make(map[int]bool)
	for _, part := range strings.Split(raw, ",") {
		idx, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || idx < 0 || idx >= n || seen[idx] {
			continue
		}
		seen[idx] = true
		out = append(out, idx)
	}
	return out
}

// Label 生成徽标文字：首篇文献的期刊名（缺失时依次退回 source、"Reference"），
// 超过 20 个字符截断，多篇时追加 " + N"。
func Label(refs []model.Reference, indices []int) string {
	if len(indices) == 0 {
		return ""
	}
	first := refs[indices[0]]
	name := first.Journal
	if name == "" || name == unknownJournal {
		name = first.Source
	}
	if name == "" {
		name = fallbackLabel
	}
	if utf8.RuneCountInString(name) > maxLabelRunes {
		name = string([]rune(name)[:maxLabelRunes]) + "..."
	}
	if len(indices) > 1 {
		name += " + " + strconv.Itoa(len(indices)-1)
	}
	return name
}

// PlainText 拼接所有文本片段，丢弃引用徽标。
func PlainText(segs []Segment) string {
	var b strings.Builder
	for _, s := range segs {
		if s.Kind == KindText {
			b.WriteString(s.Text)
		}
	}
	return b.String()
}

func appendText(segs []Segment, text string) []Segment {
	if text == "" {
		return segs
	}
	if n := len(segs); n > 0 && segs[n-1].Kind == KindText {
		segs[n-1].Text += text
		return segs
	}
	return append(segs, Segment{Kind: KindText, Text: text})
}

// trimPartialMarker 去掉 text 末尾可能是未完整标记的部分，例如 "{"、"{{cit"、"{{citation:1,"。
func trimPartialMarker(text string) string {
	i := strings.LastIndexByte(text, '{')
	if i < 0 {
		return text
	}
	// "{{" 的第一个括号才是标记起点
	if i > 0 && text[i-1] == '{' {
		i--
	}
	if isPartialMarker(text[i:]) {
		return text[:i]
	}
	return text
}

func isPartialMarker(s string) bool {
	if len(s) <= len(markerPrefix) {
		return strings.HasPrefix(markerPrefix, s)
	}
	if !strings.HasPrefix(s, markerPrefix) {
		return false
	}
	rest := s[len(markerPrefix):]
	body := strings.TrimSuffix(rest, "}")
	if body == "" || strings.Contains(body, "}") {
		return false
	}
	for _, r := range body {
		if (r < '0' || r > '9') && r != ',' {
			return false
		}
	}
	return true
}
