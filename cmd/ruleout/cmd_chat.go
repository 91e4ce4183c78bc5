package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"ruleout-go/internal/citation"
	"ruleout-go/internal/model"
	"ruleout-go/internal/turn"
	"ruleout-go/pkg/inference"
	"ruleout-go/pkg/token"
)

// printer 把快照增量输出到终端：回答只追加新内容，被整体替换时（错误、取消）重新打印。
type printer struct {
	mu      sync.Mutex
	w       io.Writer
	index   int
	printed string
	phase   string
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, index: -1}
}

func (p *printer) onView(v turn.View) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v.Notice != "" && v.Status == model.StatusOutOfScope {
		fmt.Fprintf(p.w, "\n[out of scope] %s\n", v.Notice)
	}
	if n := len(v.Thinking); n > 0 && v.Thinking[n-1].Phase != p.phase {
		p.phase = v.Thinking[n-1].Phase
		fmt.Fprintf(p.w, "… %s\n", v.Thinking[n-1].Label)
	}

	last := len(v.Messages) - 1
	if last < 0 || v.Messages[last].Role != model.RoleAssistant {
		return
	}
	content := v.Messages[last].Content
	if last != p.index {
		p.index, p.printed = last, ""
	}
	if strings.HasPrefix(content, p.printed) {
		fmt.Fprint(p.w, content[len(p.printed):])
	} else {
		fmt.Fprintf(p.w, "\n%s", content)
	}
	p.printed = content
}

func (p *printer) finish(ctrl *turn.Controller, res turn.TurnResult) {
	// Listener 在 Controller 持锁时获取 p.mu，这里先取快照再加锁
	v := ctrl.Snapshot()
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.index >= 0 && p.index < len(v.Messages) {
		msg := v.Messages[p.index]
		if len(msg.References) > 0 {
			full := citation.FormatForCopy(msg.Content, msg.References)
			if i := strings.Index(full, "\n\nReferences:"); i >= 0 {
				fmt.Fprint(p.w, full[i:])
			}
		}
		if n := len(msg.FollowupQuestions); n > 0 {
			fmt.Fprint(p.w, "\n\nFollow-up questions:")
			for i, q := range msg.FollowupQuestions {
				fmt.Fprintf(p.w, "\n  %d) %s", i+1, q)
			}
		}
	}
	fmt.Fprintf(p.w, "\n[%s]\n", res.Status)
	p.index, p.printed, p.phase = -1, "", ""
}

func newController(p *printer) *turn.Controller {
	return turn.NewController(turn.Options{
		Owner:    turn.Identity{GuestID: "cli"},
		Client:   inference.NewClient(cfg.Inference),
		Chat:     cfg.Chat,
		Listener: p.onView,
	})
}

// submit 提交一个问题，Ctrl-C 取消当前回答而不是退出进程。
func submit(ctrl *turn.Controller, p *printer, question string) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	defer signal.Stop(sig)

	done := make(chan struct{})
	go func() {
		select {
		case <-sig:
			ctrl.Cancel()
		case <-done:
		}
	}()
	defer close(done)

	res, err := ctrl.Submit(context.Background(), question, turn.SubmitOptions{Language: language})
	if err != nil {
		return err
	}
	p.finish(ctrl, res)
	return nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	p := newPrinter(cmd.OutOrStdout())
	return submit(newController(p), p, strings.Join(args, " "))
}

func runChat(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	p := newPrinter(out)
	ctrl := newController(p)

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		fmt.Fprint(out, "\n> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/new":
			if err := ctrl.NewConversation(); err != nil {
				return err
			}
			fmt.Fprintln(out, "(new conversation)")
			continue
		}
		if err := submit(ctrl, p, line); err != nil && !errors.Is(err, turn.ErrEmptyQuestion) {
			return err
		}
	}
}

func runToken(cmd *cobra.Command, args []string) error {
	if cfg.JWT.Secret == "" {
		return errors.New("jwt.secret is not configured")
	}
	tok, err := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours).GenerateToken(args[0], args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}
