// Package tui is a terminal client for one daemon profile: a conversation
// list and a live thread view fed by the daemon's Watch stream.
package tui

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/google/uuid"
	"github.com/matheus3301/convo/internal/api"
	"github.com/matheus3301/convo/internal/tui/keys"
	"github.com/matheus3301/convo/internal/tui/model"
	"github.com/matheus3301/convo/internal/tui/ui"
	"github.com/matheus3301/convo/internal/tui/views"
	"github.com/rivo/tview"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

const (
	pageConversations = "conversations"
	pageThread        = "thread"

	refreshInterval = 5 * time.Second
	rewatchDelay    = 2 * time.Second
)

// App is the main TUI application shell.
type App struct {
	app       *tview.Application
	pages     *tview.Pages
	layout    *tview.Flex
	theme     *ui.Theme
	vm        *model.ViewModel
	client    *api.Client
	registry  *keys.Registry
	statusBar *views.StatusBar
	convList  *views.ConversationList
	thread    *views.MessageThread
	prompt    *ui.Prompt
	profile   string
	ctx       context.Context
	cancel    context.CancelFunc

	mu        sync.Mutex
	stopWatch context.CancelFunc
	archived  bool
}

// NewApp creates the TUI application.
func NewApp(c *api.Client, profile string) *App {
	ctx, cancel := context.WithCancel(context.Background())
	theme := ui.DefaultTheme()

	a := &App{
		app:       tview.NewApplication(),
		pages:     tview.NewPages(),
		theme:     theme,
		vm:        model.NewViewModel(c),
		client:    c,
		registry:  keys.NewRegistry(),
		statusBar: views.NewStatusBar(theme),
		convList:  views.NewConversationList(theme),
		thread:    views.NewMessageThread(theme),
		prompt:    ui.NewPrompt(theme),
		profile:   profile,
		ctx:       ctx,
		cancel:    cancel,
	}

	a.statusBar.SetProfile(profile, "")
	a.setupBindings()
	a.setupCallbacks()
	a.setupLayout()

	return a
}

func (a *App) setupBindings() {
	a.registry.AddGlobal(&keys.Action{
		Key: tcell.KeyRune, Rune: ':', Description: ":cmd",
		Handler: func() { a.showPrompt(ui.PromptCommand) },
	})
	a.registry.AddPage(pageConversations, &keys.Action{
		Key: tcell.KeyRune, Rune: 'q', Description: "q:quit",
		Handler: a.Stop,
	})
	a.registry.AddPage(pageConversations, &keys.Action{
		Key: tcell.KeyRune, Rune: '/', Description: "/:filter",
		Handler: func() { a.showPrompt(ui.PromptFilter) },
	})
	a.registry.AddPage(pageConversations, &keys.Action{
		Key: tcell.KeyRune, Rune: 'n', Description: "n:new",
		Handler: func() { a.execute(Command{Name: "new"}) },
	})
	a.registry.AddPage(pageThread, &keys.Action{
		Key: tcell.KeyRune, Rune: 'i', Description: "i:compose",
		Handler: func() { a.app.SetFocus(a.thread.Composer()) },
	})
	a.registry.AddPage(pageThread, &keys.Action{
		Key: tcell.KeyRune, Rune: 'r', Description: "r:retry",
		Handler: func() { a.execute(Command{Name: "retry"}) },
	})
	a.registry.AddPage(pageThread, &keys.Action{
		Key: tcell.KeyEscape, Description: "esc:back",
		Handler: a.closeThread,
	})
}

func (a *App) setupCallbacks() {
	a.convList.SetSelectedFunc(func(int, int) {
		if id := a.convList.Selected(); id != "" {
			a.openThread(id)
		}
	})

	a.thread.SetOnSend(func(text string) {
		t := a.vm.Thread()
		if t == nil {
			return
		}
		go func() {
			resp, err := a.client.SendText(a.ctx, api.SendTextRequest{
				ConversationID: t.ConversationID(),
				Text:           text,
				ClientID:       uuid.NewString(),
			})
			if err != nil {
				a.vm.Flash.Err(fmt.Errorf("send: %w", err))
			} else {
				t.Track(resp.Entry)
			}
			a.app.QueueUpdateDraw(a.drawThread)
		}()
	})

	a.thread.Composer().SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		if ev.Key() == tcell.KeyEscape {
			a.app.SetFocus(a.thread.Messages())
			return nil
		}
		return ev
	})

	a.prompt.SetOnSubmit(func(mode ui.PromptMode, text string) {
		a.hidePrompt()
		if mode == ui.PromptFilter {
			a.convList.SetFilter(text)
			return
		}
		if text == "" {
			return
		}
		cmd, err := ParseCommand(text)
		if err != nil {
			a.showErr(err)
			return
		}
		a.execute(cmd)
	})
	a.prompt.SetOnCancel(a.hidePrompt)
}

func (a *App) setupLayout() {
	a.pages.AddPage(pageConversations, a.convList, true, true)
	a.pages.AddPage(pageThread, a.thread, true, false)

	a.layout = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.prompt, 0, 0, false).
		AddItem(a.statusBar, 1, 0, false)

	a.app.SetRoot(a.layout, true)

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		// Let text input widgets handle all keys normally.
		if _, ok := a.app.GetFocus().(*tview.InputField); ok {
			return event
		}
		page, _ := a.pages.GetFrontPage()
		if a.registry.HandleEvent(page, event) {
			return nil
		}
		return event
	})
	a.drawStatus()
}

func (a *App) showPrompt(mode ui.PromptMode) {
	a.prompt.Activate(mode)
	a.layout.ResizeItem(a.prompt, 3, 0)
	a.app.SetFocus(a.prompt)
}

func (a *App) hidePrompt() {
	a.layout.ResizeItem(a.prompt, 0, 0)
	page, _ := a.pages.GetFrontPage()
	if page == pageThread {
		a.app.SetFocus(a.thread.Messages())
	} else {
		a.app.SetFocus(a.convList)
	}
}

// execute runs a command. Called on the UI goroutine; daemon calls run in
// the background.
func (a *App) execute(cmd Command) {
	t := a.vm.Thread()
	switch cmd.Name {
	case "quit":
		a.Stop()
	case "all", "active":
		a.mu.Lock()
		a.archived = cmd.Name == "all"
		a.mu.Unlock()
		go a.refresh()
	case "new":
		go func() {
			resp, err := a.client.CreateConversation(a.ctx, api.CreateRequest{SubjectKind: cmd.Arg(0), SubjectID: cmd.Arg(1)})
			if err != nil {
				a.flashErr(fmt.Errorf("new conversation: %w", err))
				return
			}
			a.refresh()
			a.app.QueueUpdateDraw(func() { a.openThread(resp.Conversation.ID) })
		}()
	case "archive":
		id := a.convList.Selected()
		if t != nil {
			id = t.ConversationID()
		}
		if id == "" {
			return
		}
		go func() {
			if err := a.client.ArchiveConversation(a.ctx, id); err != nil {
				a.flashErr(fmt.Errorf("archive: %w", err))
				return
			}
			a.vm.Flash.Info("Conversation archived")
			a.refresh()
		}()
	case "attach":
		if t == nil {
			a.showErr(errors.New("open a conversation first"))
			return
		}
		path, err := filepath.Abs(cmd.Arg(1))
		if err != nil {
			a.showErr(err)
			return
		}
		a.vm.Flash.Info("Uploading " + filepath.Base(path) + "...")
		a.drawStatus()
		go func() {
			resp, err := a.client.SendAttachment(a.ctx, api.SendAttachmentRequest{
				ConversationID: t.ConversationID(),
				Kind:           cmd.Arg(0),
				Path:           path,
				Caption:        cmd.Rest(2),
			})
			if err != nil {
				a.flashErr(fmt.Errorf("attach: %w", err))
				return
			}
			t.Track(resp.Entry)
			a.vm.Flash.Info("Attachment sent")
			a.app.QueueUpdateDraw(a.drawThread)
		}()
	case "retry":
		clientID := cmd.Arg(0)
		if clientID == "" && t != nil {
			if e, ok := t.LastFailed(); ok {
				clientID = e.ClientID
			}
		}
		if clientID == "" {
			a.showErr(errors.New("nothing to retry"))
			return
		}
		go func() {
			if _, err := a.client.Retry(a.ctx, api.RetryRequest{ClientID: clientID}); err != nil {
				a.flashErr(fmt.Errorf("retry: %w", err))
			}
		}()
	}
}

// openThread switches to the thread page and starts watching convID with
// focus, so incoming messages are marked read while it is open.
func (a *App) openThread(convID string) {
	a.stopWatching()
	t := a.vm.Open(convID)

	title := convID
	if conv, ok := a.vm.Conversation(convID); ok {
		title = conv.Initiator.Name()
		if s := conv.Subject.String(); s != "" {
			title += " · " + s
		}
	}
	if st := a.vm.Status(); st != nil {
		a.thread.SetViewer(st.Identity)
	}
	a.thread.SetTitle(title)
	a.thread.Update(nil, nil)
	a.pages.SwitchToPage(pageThread)
	a.app.SetFocus(a.thread.Messages())
	a.drawStatus()

	ctx, cancel := context.WithCancel(a.ctx)
	a.mu.Lock()
	a.stopWatch = cancel
	a.mu.Unlock()
	go a.watch(ctx, t)
}

// watch streams frames into t until ctx ends, reopening the stream after
// transient failures.
func (a *App) watch(ctx context.Context, t *model.Thread) {
	for {
		err := a.client.Watch(ctx, api.WatchRequest{ConversationID: t.ConversationID(), Focus: true}, func(f api.WatchFrame) error {
			if f.Error != "" {
				return errors.New(f.Error)
			}
			t.Apply(f)
			a.app.QueueUpdateDraw(a.drawThread)
			return nil
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			switch grpcstatus.Code(err) {
			case codes.NotFound, codes.PermissionDenied, codes.Unauthenticated:
				a.flashErr(err)
				return
			}
			a.flashErr(fmt.Errorf("live view lost, reconnecting: %w", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(rewatchDelay):
		}
	}
}

func (a *App) stopWatching() {
	a.mu.Lock()
	cancel := a.stopWatch
	a.stopWatch = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (a *App) closeThread() {
	a.stopWatching()
	a.vm.CloseThread()
	a.pages.SwitchToPage(pageConversations)
	a.app.SetFocus(a.convList)
	a.drawStatus()
	go a.refresh()
}

func (a *App) drawThread() {
	t := a.vm.Thread()
	if t == nil {
		return
	}
	a.thread.Update(t.Messages(), t.Pending())
	a.drawStatus()
}

func (a *App) drawStatus() {
	page, _ := a.pages.GetFrontPage()
	a.statusBar.SetHints(a.registry.Hints(page))
	if st := a.vm.Status(); st != nil {
		a.statusBar.SetProfile(a.profile, fmt.Sprintf("%s (%s)", st.Identity.Name(), st.Identity.Role))
		a.statusBar.SetState(st.State)
	}
	a.statusBar.SetFlash(a.vm.Flash.Get())
}

// showErr flashes err from the UI goroutine.
func (a *App) showErr(err error) {
	a.vm.Flash.Err(err)
	a.drawStatus()
}

// flashErr flashes err from a background goroutine.
func (a *App) flashErr(err error) {
	a.vm.Flash.Err(err)
	a.app.QueueUpdateDraw(a.drawStatus)
}

// refresh reloads status and the conversation list. Safe off the UI
// goroutine.
func (a *App) refresh() {
	if err := a.vm.LoadStatus(a.ctx); err != nil {
		a.vm.Flash.Err(err)
	}
	a.mu.Lock()
	archived := a.archived
	a.mu.Unlock()
	if err := a.vm.LoadConversations(a.ctx, archived); err != nil {
		a.vm.Flash.Err(err)
	}
	a.app.QueueUpdateDraw(func() {
		a.convList.Update(a.vm.Conversations())
		a.drawStatus()
	})
}

// Run starts the TUI application.
func (a *App) Run() error {
	go func() {
		a.refresh()
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.refresh()
			case <-a.ctx.Done():
				return
			}
		}
	}()
	return a.app.Run()
}

// Stop gracefully shuts down the TUI.
func (a *App) Stop() {
	a.stopWatching()
	a.cancel()
	a.app.Stop()
}
