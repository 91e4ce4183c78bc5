package citation

import (
	"fmt"
	"strconv"
	"strings"

	"ruleout-go/internal/model"
)

// FormatForCopy 生成用于复制的纯文本：引用标记替换为从 1 开始的 [n]，
// 无效标记删除，有参考文献时在末尾附加 References 列表。
func FormatForCopy(content string, refs []model.Reference) string {
	text := markerRe.ReplaceAllStringFunc(content, func(marker string) string {
		raw := markerRe.FindStringSubmatch(marker)[1]
		indices := ValidIndices(raw, len(refs))
		if len(indices) == 0 {
			return ""
		}
		nums := make([]string, len(indices))
		for i, idx := range indices {
			nums[i] = strconv.Itoa(idx + 1)
		}
		return "[" + strings.Join(nums, ",") + "]"
	})

	if len(refs) == 0 {
		return text
	}

	var b strings.Builder
	b.WriteString(text)
	b.WriteString("\n\nReferences:\n")
	for i, ref := range refs {
		fmt.Fprintf(&b, "%d. %s\n", i+1, ref.Title)
		if ref.Source != "" {
			fmt.Fprintf(&b, "   %s\n", ref.Source)
		}
		if ref.Year != "" {
			fmt.Fprintf(&b, "   %s\n", ref.Year)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
