package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/petervdpas/goopchat/internal/chat"
)

const consoleHelp = `commands:
  /peers                      relay peers online in the room
  /call <peer>                open a data channel to a relay peer
  /msg <peer> <text>          direct message
  /file <peer> <path>         share a file directly
  /groups                     joined group chats
  /say <group> <text>         group message
  /gfile <group> <path>       share a file with a group
  /history <peer|group>       stored messages
  /get <peer|group> <msg-id>  download an attachment into the peer folder
  /diag <libp2p-peer>         diagnostic snapshot of a connected node
  /help`

// Console is a line-oriented front end to a running peer.
type Console struct {
	rt  *Runtime
	in  *bufio.Reader
	out io.Writer
}

func NewConsole(rt *Runtime, in io.Reader, out io.Writer) *Console {
	return &Console{rt: rt, in: bufio.NewReader(in), out: out}
}

// Run prints incoming messages and executes commands until ctx is done or
// input ends.
func (c *Console) Run(ctx context.Context) {
	direct := c.rt.Direct.Subscribe()
	groups := c.rt.Groups.Subscribe()
	go c.print(ctx, direct, groups)

	fmt.Fprintln(c.out, "type /help for commands")
	lines := make(chan string)
	go func() {
		defer close(lines)
		for {
			s, err := c.in.ReadString('\n')
			if s = strings.TrimSpace(s); s != "" {
				lines <- s
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := c.exec(ctx, line); err != nil {
				fmt.Fprintf(c.out, "error: %v\n", err)
			}
		}
	}
}

func (c *Console) print(ctx context.Context, direct, groups <-chan *chat.Message) {
	for {
		var m *chat.Message
		var ok bool
		select {
		case <-ctx.Done():
			return
		case m, ok = <-direct:
		case m, ok = <-groups:
		}
		if !ok {
			return
		}
		fmt.Fprintln(c.out, c.format(m))
	}
}

func (c *Console) format(m *chat.Message) string {
	who := m.SenderName
	if who == "" {
		who = shortName(m.From)
	}
	where := ""
	if m.Type == chat.MessageTypeGroup {
		where = "[" + shortName(m.To) + "] "
	}
	ts := time.UnixMilli(m.Timestamp).Format("15:04:05")
	if m.IsFile() {
		return fmt.Sprintf("%s %s%s shared %s (%s) id=%s", ts, where, who, m.File.Name, humanize.Bytes(uint64(m.File.Size)), m.ID)
	}
	return fmt.Sprintf("%s %s%s: %s", ts, where, who, m.Content)
}

func (c *Console) exec(ctx context.Context, line string) error {
	if !strings.HasPrefix(line, "/") {
		return fmt.Errorf("unknown input, try /help")
	}
	cmd, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	target, arg, _ := strings.Cut(rest, " ")
	arg = strings.TrimSpace(arg)

	opCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	switch cmd {
	case "help":
		fmt.Fprintln(c.out, consoleHelp)

	case "peers":
		mgr, err := c.rt.Calls()
		if err != nil {
			return err
		}
		for _, id := range mgr.Presence().OnlineIDs() {
			state := "-"
			if n, ok := mgr.Get(id); ok {
				state = n.State().String()
			}
			fmt.Fprintf(c.out, "  %s  %s\n", id, state)
		}

	case "call":
		if err := c.rt.Dial(opCtx, target); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "connected to %s\n", target)

	case "msg":
		if err := c.rt.Dial(opCtx, target); err != nil {
			return err
		}
		_, err := c.rt.Direct.SendText(opCtx, target, arg)
		return err

	case "file":
		data, err := os.ReadFile(arg)
		if err != nil {
			return err
		}
		if err := c.rt.Dial(opCtx, target); err != nil {
			return err
		}
		_, err = c.rt.Direct.SendFile(opCtx, target, arg, "", data, c.progress(arg))
		return err

	case "groups":
		for _, id := range c.rt.Groups.Joined() {
			name := id
			if rec, err := c.rt.Ledger.GetGroup(opCtx, id); err == nil {
				name = rec.Name
			}
			fmt.Fprintf(c.out, "  %s  %s\n", id, name)
		}

	case "say":
		_, err := c.rt.Groups.SendText(opCtx, target, arg)
		return err

	case "gfile":
		data, err := os.ReadFile(arg)
		if err != nil {
			return err
		}
		_, err = c.rt.Groups.SendFile(opCtx, target, arg, "", data, c.progress(arg))
		return err

	case "history":
		msgs, err := c.messages(opCtx, target)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			fmt.Fprintln(c.out, c.format(m))
		}

	case "get":
		msgs, err := c.messages(opCtx, target)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if m.ID != arg {
				continue
			}
			data, err := c.rt.Direct.Fetch(opCtx, m, c.progress(m.Content))
			if err != nil {
				return err
			}
			dst := filepath.Join(c.rt.Dir, "downloads", filepath.Base(m.File.Name))
			if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
				return err
			}
			if err := os.WriteFile(dst, data, 0644); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "saved %s\n", dst)
			return nil
		}
		return fmt.Errorf("no message %s", arg)

	case "diag":
		snap, err := c.rt.Node.Diagnose(opCtx, target)
		if err != nil {
			return err
		}
		for _, k := range []string{"peer_id", "uptime", "hostname", "os", "connected_peers", "topics"} {
			fmt.Fprintf(c.out, "  %-16s %v\n", k, snap[k])
		}

	default:
		return fmt.Errorf("unknown command /%s", cmd)
	}
	return nil
}

// messages looks target up as a joined group first, then as a direct peer.
func (c *Console) messages(ctx context.Context, target string) ([]*chat.Message, error) {
	if msgs, err := c.rt.Groups.History(target); err == nil {
		return msgs, nil
	}
	return c.rt.Direct.Conversation(ctx, target)
}

func (c *Console) progress(name string) func(done, total int64) {
	return func(done, total int64) {
		if done == total {
			fmt.Fprintf(c.out, "%s: %s done\n", filepath.Base(name), humanize.Bytes(uint64(total)))
		}
	}
}

func shortName(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
