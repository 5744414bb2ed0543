package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/multi-agent/go-chat-core/internal/model"
	"github.com/multi-agent/go-chat-core/internal/render"
	"github.com/multi-agent/go-chat-core/internal/session"
)

var (
	chatConversation string
	chatStyle        string
	chatWidth        int
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive streaming chat in the terminal",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		term, err := render.NewTerminal(chatStyle, chatWidth)
		if err != nil {
			return err
		}
		id := chatConversation
		if id == "" {
			id = uuid.NewString()
		}
		c := &chatLoop{app: a, term: term, out: cmd.OutOrStdout(), printed: make(map[string]int), notices: make(map[int]bool)}
		return c.run(ctx, id, cmd.InOrStdin())
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatConversation, "conversation", "", "Conversation id to resume (default: new)")
	chatCmd.Flags().StringVar(&chatStyle, "style", render.StyleAuto, "glamour style (auto|dark|light|notty)")
	chatCmd.Flags().IntVar(&chatWidth, "width", 80, "Word wrap width")
}

// chatLoop 交互循环。只打印增量: 流式消息按已刷新前缀逐段输出。
type chatLoop struct {
	app  *app
	term *render.Terminal
	out  io.Writer

	convID  string
	printed map[string]int // message key → 已输出的 Rendered 字节数
	notices map[int]bool
}

func (c *chatLoop) run(ctx context.Context, conversationID string, in io.Reader) error {
	updates, stop := c.app.session.Watch()
	defer stop()
	if err := c.app.session.Open(ctx, conversationID); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "conversation %s (/help for commands)\n", conversationID)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case v, ok := <-updates:
				if !ok {
					return nil
				}
				c.print(v)
			case <-gctx.Done():
				return nil
			}
		}
	})
	g.Go(func() error {
		defer stop()
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if quit := c.command(gctx, strings.TrimSpace(line)); quit {
					return nil
				}
			case <-gctx.Done():
				return nil
			}
		}
	})
	return g.Wait()
}

// command 执行一行输入。返回 true 表示退出。
func (c *chatLoop) command(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if err := c.app.session.SubmitText(ctx, line); err != nil {
			fmt.Fprintf(c.out, "! send failed: %v\n", err)
		}
		return false
	}

	name, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	dir := c.app.directory
	switch name {
	case "quit", "exit":
		return true
	case "help":
		fmt.Fprintln(c.out, "/open <id>  /new  /list  /search <q>  /pin <id>  /unpin <id>  /rm <id>  /stop  /ops  /dismiss <n>  /quit")
	case "open":
		if arg == "" {
			fmt.Fprintln(c.out, "usage: /open <id>")
			break
		}
		if err := c.app.session.Open(ctx, arg); err != nil {
			fmt.Fprintf(c.out, "! %v\n", err)
		}
	case "new":
		if err := c.app.session.Open(ctx, uuid.NewString()); err != nil {
			fmt.Fprintf(c.out, "! %v\n", err)
		}
	case "list":
		c.printConversations(dir.List())
	case "search":
		c.printConversations(dir.Search(arg))
	case "pin", "unpin":
		var err error
		if name == "pin" {
			_, err = dir.Pin(ctx, arg)
		} else {
			_, err = dir.Unpin(ctx, arg)
		}
		if err != nil {
			fmt.Fprintf(c.out, "! %v\n", err)
		}
	case "rm":
		if err := dir.Remove(ctx, arg); err != nil {
			fmt.Fprintf(c.out, "! %v\n", err)
		}
	case "stop":
		c.app.session.Stop(ctx)
	case "ops":
		c.printOperations(c.app.session.View())
	case "dismiss":
		n, err := strconv.Atoi(arg)
		if err != nil || !c.app.session.DismissNotice(n) {
			fmt.Fprintln(c.out, "! no such notice")
		}
	default:
		fmt.Fprintf(c.out, "unknown command /%s\n", name)
	}
	return false
}

// print 输出视图相对上次的增量。切换会话时输出完整历史。
func (c *chatLoop) print(v session.View) {
	if v.ConversationID != c.convID {
		c.convID = v.ConversationID
		c.printed = make(map[string]int)
		c.notices = make(map[int]bool)
		fmt.Fprint(c.out, c.term.View(v))
		for _, rm := range v.Messages {
			c.printed[rm.Message.Key] = len(rm.Rendered)
		}
		for _, n := range v.Notices {
			c.notices[n.ID] = true
		}
		return
	}

	for _, rm := range v.Messages {
		key := rm.Message.Key
		done, seen := c.printed[key]
		switch rm.Message.Role {
		case model.RoleUser:
			// 用户输入已在终端回显
			c.printed[key] = len(rm.Rendered)
		case model.RoleAssistant:
			if len(rm.Rendered) > done {
				fmt.Fprint(c.out, c.term.Markdown(rm.Rendered[done:]))
				c.printed[key] = len(rm.Rendered)
			}
		default:
			if !seen {
				fmt.Fprint(c.out, c.term.Message(rm, nil))
				c.printed[key] = len(rm.Rendered)
			}
		}
	}
	for _, n := range v.Notices {
		if !c.notices[n.ID] {
			c.notices[n.ID] = true
			fmt.Fprintf(c.out, "! [%d] %s\n", n.ID, n.Message)
		}
	}
}

func (c *chatLoop) printConversations(list []model.Conversation) {
	if len(list) == 0 {
		fmt.Fprintln(c.out, "(no conversations)")
		return
	}
	for _, conv := range list {
		pin := " "
		if conv.Pinned() {
			pin = "*"
		}
		fmt.Fprintf(c.out, "%s %s  %s\n", pin, conv.ID, conv.Title)
	}
}

func (c *chatLoop) printOperations(v session.View) {
	ids := make([]string, 0, len(v.Timelines))
	for id := range v.Timelines {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		fmt.Fprintln(c.out, "(no operations)")
		return
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(c.out, "%s\n%s", id, c.term.Timeline(v.Timelines[id]))
	}
}
