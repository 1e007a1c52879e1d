package app

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"xchat/internal/address"
	"xchat/internal/model"
	"xchat/internal/repository/identity"
	"xchat/internal/service/chat"
	"xchat/internal/utils/log"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

type (
	App struct {
		app     *tview.Application
		chatbox *tview.TextView
		input   *tview.InputField

		session      *chat.Session
		identityRepo *identity.IdentityRepo
		identity     *model.Identity

		peers      []string
		httpClient *http.Client

		mu    sync.Mutex
		to    string
		toPub []byte
	}

	command struct {
		name string
		args []string
		text string
	}
)

func NewApp(session *chat.Session, identityRepo *identity.IdentityRepo, peers []string) *App {
	return &App{
		app:          tview.NewApplication(),
		session:      session,
		identityRepo: identityRepo,
		peers:        peers,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Run opens the chat window for the identity labelled label and blocks until
// the window is closed.
func (c *App) Run(ctx context.Context, label string) error {
	identity, err := c.getIdentityAndCreateIfNotExist(ctx, label)
	if err != nil {
		return fmt.Errorf("get identity: %w", err)
	}
	c.identity = identity

	c.session.OnMessage(c.onMessage)
	return c.renderUI(ctx)
}

func (c *App) Stop() {
	c.app.Stop()
}

// blocking function
func (c *App) renderUI(ctx context.Context) error {
	c.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.chatbox.SetBorder(true).SetTitle(fmt.Sprintf(" %s ", c.identity.Address))

	c.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" /to <address> [pubkey] to pick a recipient ")

	c.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := c.input.GetText()
		if strings.TrimSpace(text) == "" {
			return
		}
		c.input.SetText("")

		go c.handleInput(ctx, parseInput(text))
	})

	fmt.Fprintf(c.chatbox, "[gray]you are %s[-]\n", c.identity.Address)

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.chatbox, 0, 1, false).
		AddItem(c.input, 3, 0, true)

	return c.app.SetRoot(layout, true).SetFocus(c.input).Run()
}

func parseInput(text string) command {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return command{text: text}
	}
	fields := strings.Fields(text)
	return command{name: strings.TrimPrefix(fields[0], "/"), args: fields[1:]}
}

func (c *App) handleInput(ctx context.Context, cmd command) {
	switch cmd.name {
	case "":
		if err := c.SendMessage(ctx, cmd.text); err != nil {
			log.Debug("send message failed", zap.Error(err))
			c.logf("[red]send failed: %v[-]", err)
		}
	case "to":
		if err := c.selectRecipient(ctx, cmd.args); err != nil {
			c.logf("[red]%v[-]", err)
		}
	case "whoami":
		c.logf("[gray]%s[-]", c.identity.Address)
	case "quit":
		c.Stop()
	default:
		c.logf("[red]unknown command /%s[-]", cmd.name)
	}
}

func (c *App) selectRecipient(ctx context.Context, args []string) error {
	if len(args) == 0 || !address.Valid(args[0]) {
		return errors.New("usage: /to <address> [pubkey hex]")
	}

	var pub []byte
	if len(args) > 1 {
		b, err := hex.DecodeString(args[1])
		if err != nil {
			return fmt.Errorf("pubkey: %w", err)
		}
		pub = b
	}

	c.mu.Lock()
	c.to, c.toPub = args[0], pub
	c.mu.Unlock()

	msgs, err := c.session.Conversation(ctx, args[0])
	if err != nil {
		return err
	}

	c.app.QueueUpdateDraw(func() {
		c.chatbox.Clear()
		c.chatbox.SetTitle(fmt.Sprintf(" Chat with %s ", args[0]))
		for _, m := range msgs {
			c.printMessage(m)
		}
		c.chatbox.ScrollToEnd()
	})
	return nil
}

func (c *App) SendMessage(ctx context.Context, msg string) error {
	c.mu.Lock()
	to, pub := c.to, c.toPub
	c.mu.Unlock()

	if to == "" {
		return errors.New("pick a recipient with /to first")
	}

	entry, err := c.session.Send(ctx, c.identity.Address, to, msg, pub)
	if errors.Is(err, chat.ErrNoPublicKey) {
		pub, err = c.lookupPublicKey(ctx, to)
		if err != nil {
			return err
		}
		entry, err = c.session.Send(ctx, c.identity.Address, to, msg, pub)
	}
	if entry == nil {
		return err
	}

	c.app.QueueUpdateDraw(func() {
		c.printMessage(entry)
		c.chatbox.ScrollToEnd()
	})
	return err
}

func (c *App) onMessage(m *model.Message) {
	c.mu.Lock()
	current := c.to
	c.mu.Unlock()

	c.app.QueueUpdateDraw(func() {
		if m.From == current {
			c.printMessage(m)
		} else {
			fmt.Fprintf(c.chatbox, "[blue]new message from %s, /to %s to read[-]\n", m.From, m.From)
		}
		c.chatbox.ScrollToEnd()
	})
}

func (c *App) printMessage(m *model.Message) {
	if m.Incoming {
		fmt.Fprintf(c.chatbox, "[gray]%s[-] [green]%s:[-] %s\n", m.Date, m.From, tview.Escape(m.Text))
		return
	}
	fmt.Fprintf(c.chatbox, "[gray]%s[-] [yellow]You:[-] %s\n", m.Date, tview.Escape(m.Text))
}

func (c *App) logf(format string, args ...any) {
	c.app.QueueUpdateDraw(func() {
		fmt.Fprintf(c.chatbox, format+"\n", args...)
		c.chatbox.ScrollToEnd()
	})
}
