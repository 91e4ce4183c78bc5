package sse

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"ruleout-go/pkg/log"
)

// Parser 从字节流中按顺序惰性地解析事件。一个流对应一个 Parser，不可重用。
type Parser struct {
	reader *bufio.Reader
	line   int
	eof    bool
}

// NewParser 创建一个新的 Parser。
func NewParser(r io.Reader) *Parser {
	return &Parser{reader: bufio.NewReader(r)}
}

// Next 返回下一个事件。流正常结束时返回 io.EOF。
// 格式错误的 JSON 记录和未知 status 会被跳过，不会中断流。
func (p *Parser) Next() (Event, error) {
	for {
		if p.eof {
			return nil, io.EOF
		}

		line, err := p.reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("failed to read from stream: %w", err)
			}
			// 最后一行可能没有换行符，处理完后再返回 EOF
			p.eof = true
			if line == "" {
				return nil, io.EOF
			}
		}
		p.line++

		data, ok := dataField(line)
		if !ok {
			continue
		}

		event, decodeErr := Decode([]byte(data))
		if decodeErr != nil {
			log.Warnw("跳过格式错误的 SSE 记录", "line", p.line, "error", decodeErr)
			continue
		}
		if event == nil {
			log.Debugw("忽略未知状态的 SSE 记录", "line", p.line)
			continue
		}
		return event, nil
	}
}

// dataField 提取 "data:" 行的负载。空行、注释行和其他字段行返回 false。
func dataField(line string) (string, bool) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" || strings.HasPrefix(line, ":") {
		return "", false
	}
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	data := strings.TrimPrefix(line, "data:")
	data = strings.TrimPrefix(data, " ")
	if strings.TrimSpace(data) == "" {
		return "", false
	}
	return data, true
}
