package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/Paintersrp/sidecar/internal/cliutil"
	"github.com/Paintersrp/sidecar/internal/runtime"
	"github.com/Paintersrp/sidecar/internal/supervisor"
)

const (
	statusTitle         = "Backend"
	logsTitle           = "Logs"
	filterPageName      = "filter"
	defaultLogRetention = 500
	stopRequestTimeout  = 15 * time.Second
	refreshInterval     = 500 * time.Millisecond
	helpLine            = "[gray]q quit  / filter  j json  e stderr only  c clear  s stop backend[-]"
)

// Option configures UI behaviour.
type Option func(*UI)

// WithMaxLogs bounds the number of backend log lines kept for display.
func WithMaxLogs(n int) Option {
	return func(u *UI) {
		if n > 0 {
			u.maxLogs = n
		}
	}
}

// WithAddress records the address the backend binds to so it can be shown
// before the backend reports readiness.
func WithAddress(addr string) Option {
	return func(u *UI) {
		u.address = addr
	}
}

// WithStopFunc enables the stop key. fn is called once from its own
// goroutine.
func WithStopFunc(fn func(context.Context) error) Option {
	return func(u *UI) {
		u.stopFn = fn
	}
}

// UI is the terminal host: a status panel for the supervised backend above a
// scrolling view of its output. It satisfies shell.Host.
type UI struct {
	app    *tview.Application
	pages  *tview.Pages
	status *tview.TextView
	logs   *tview.TextView
	events chan supervisor.Event

	address string
	stopFn  func(context.Context) error

	backend    backendView
	records    []cliutil.LogRecord
	maxLogs    int
	logsPretty bool
	stderrOnly bool
	filter     string
	filterExpr *regexp.Regexp

	mu sync.Mutex

	cancelMu sync.Mutex
	cancel   context.CancelFunc

	wg        sync.WaitGroup
	stopOnce  sync.Once
	closeOnce sync.Once
	stopReq   sync.Once
	done      chan struct{}

	now func() time.Time
}

// backendView is the state folded from supervisor events.
type backendView struct {
	service   string
	session   string
	state     supervisor.EventType
	ready     bool
	pid       int
	exits     int
	spawnedAt time.Time
	readyIn   time.Duration
	message   string
	level     string
}

func New(opts ...Option) *UI {
	app := tview.NewApplication()

	status := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	status.SetBorder(true).SetTitle(statusTitle)

	logs := tview.NewTextView().SetDynamicColors(true).SetWrap(false).SetScrollable(true)
	logs.SetBorder(true).SetTitle(logsTitle)
	logs.SetChangedFunc(func() {
		app.Draw()
	})

	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(status, 8, 0, false).
		AddItem(logs, 0, 1, true)

	pages := tview.NewPages().AddPage("main", layout, true, true)

	ui := &UI{
		app:     app,
		pages:   pages,
		status:  status,
		logs:    logs,
		events:  make(chan supervisor.Event, 256),
		maxLogs: defaultLogRetention,
		done:    make(chan struct{}),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(ui)
	}

	app.SetRoot(pages, true)
	app.SetFocus(logs)
	app.SetInputCapture(ui.handleKey)

	ui.mu.Lock()
	ui.renderStatusLocked()
	ui.mu.Unlock()

	return ui
}

// EventSink is where supervisor events should be delivered.
func (u *UI) EventSink() chan<- supervisor.Event {
	return u.events
}

// CloseEvents closes the event sink. It is safe to call more than once.
func (u *UI) CloseEvents() {
	u.closeOnce.Do(func() {
		close(u.events)
	})
}

// Done is closed when the UI stops.
func (u *UI) Done() <-chan struct{} {
	return u.done
}

// Run starts the tview application and processes incoming events until the
// operator quits or ctx is cancelled.
func (u *UI) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	u.cancelMu.Lock()
	u.cancel = cancel
	u.cancelMu.Unlock()

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.consumeEvents(ctx)
	}()

	go func() {
		<-ctx.Done()
		u.Stop()
	}()

	err := u.app.Run()

	u.cancelMu.Lock()
	cancel = u.cancel
	u.cancel = nil
	u.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}

	u.wg.Wait()
	u.Stop()

	return err
}

// Stop terminates the application loop.
func (u *UI) Stop() {
	u.stopOnce.Do(func() {
		u.cancelMu.Lock()
		cancel := u.cancel
		u.cancel = nil
		u.cancelMu.Unlock()
		if cancel != nil {
			cancel()
		}
		u.app.Stop()
		close(u.done)
	})
}

func (u *UI) consumeEvents(ctx context.Context) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-u.events:
			if !ok {
				return
			}
			u.applyEvent(evt)
		case <-ticker.C:
			// Keeps the uptime column current.
			u.queueRefresh(false)
		}
	}
}

func (u *UI) handleKey(event *tcell.EventKey) *tcell.EventKey {
	if u.overlayFocused() {
		return event
	}
	if event.Key() != tcell.KeyRune {
		return event
	}
	switch event.Rune() {
	case 'q', 'Q':
		go u.Stop()
	case '/':
		u.showFilterPrompt()
	case 'j', 'J':
		u.toggle(&u.logsPretty)
	case 'e', 'E':
		u.toggle(&u.stderrOnly)
	case 'c', 'C':
		u.clearLogs()
	case 's', 'S':
		u.requestStop()
	default:
		return event
	}
	return nil
}

// overlayFocused reports whether a prompt or modal owns the keyboard.
func (u *UI) overlayFocused() bool {
	return u.pages.HasPage(filterPageName)
}

func (u *UI) toggle(flag *bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	*flag = !*flag
	u.renderLogsLocked()
}

func (u *UI) clearLogs() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.records = nil
	u.renderLogsLocked()
}

func (u *UI) requestStop() {
	if u.stopFn == nil {
		return
	}
	u.stopReq.Do(func() {
		u.mu.Lock()
		u.backend.message = "stop requested"
		u.backend.level = "warn"
		u.mu.Unlock()
		u.queueRefresh(false)

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), stopRequestTimeout)
			defer cancel()
			if err := u.stopFn(ctx); err != nil {
				u.applyEvent(supervisor.Event{
					Type:    supervisor.EventTypeError,
					Level:   "error",
					Message: "stop backend",
					Err:     err,
				})
			}
		}()
	})
}

func (u *UI) showFilterPrompt() {
	u.mu.Lock()
	current := u.filter
	u.mu.Unlock()

	input := tview.NewInputField().
		SetLabel("Regex filter: ").
		SetText(current).
		SetFieldWidth(40)

	form := tview.NewForm().
		AddFormItem(input).
		AddButton("Apply", func() {
			u.applyFilter(input.GetText())
			u.pages.RemovePage(filterPageName)
			u.app.SetFocus(u.logs)
		}).
		AddButton("Cancel", func() {
			u.pages.RemovePage(filterPageName)
			u.app.SetFocus(u.logs)
		})
	form.SetBorder(true).SetTitle("Filter Logs")

	grid := tview.NewGrid().
		SetColumns(0, 60, 0).
		SetRows(0, 7, 0).
		AddItem(form, 1, 1, 1, 1, 0, 0, true)

	u.pages.AddPage(filterPageName, grid, true, true)
	u.app.SetFocus(input)
}

func (u *UI) applyFilter(expr string) {
	expr = strings.TrimSpace(expr)
	var re *regexp.Regexp
	if expr != "" {
		var err error
		re, err = regexp.Compile(expr)
		if err != nil {
			u.showErrorModal(fmt.Sprintf("Invalid filter: %v", err))
			return
		}
	}

	u.mu.Lock()
	u.filter = expr
	u.filterExpr = re
	u.mu.Unlock()
	u.queueRefresh(true)
}

func (u *UI) showErrorModal(message string) {
	modal := tview.NewModal().
		SetText(message).
		AddButtons([]string{"OK"}).
		SetDoneFunc(func(int, string) {
			u.pages.RemovePage(filterPageName)
			u.app.SetFocus(u.logs)
		})

	u.pages.RemovePage(filterPageName)
	u.pages.AddPage(filterPageName, modal, true, true)
}

func (u *UI) applyEvent(evt supervisor.Event) {
	u.mu.Lock()
	isLog := u.applyEventLocked(evt)
	u.mu.Unlock()

	u.queueRefresh(isLog)
}

// applyEventLocked folds evt into the backend view and reports whether it
// was a log line.
func (u *UI) applyEventLocked(evt supervisor.Event) bool {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = u.now()
	}
	b := &u.backend
	if evt.Service != "" {
		b.service = evt.Service
	}
	if evt.Session != "" {
		b.session = evt.Session
	}
	if evt.PID > 0 {
		b.pid = evt.PID
	}

	if evt.Type == supervisor.EventTypeLog {
		u.records = append(u.records, cliutil.NewLogRecord(evt))
		if over := len(u.records) - u.maxLogs; over > 0 {
			u.records = append([]cliutil.LogRecord(nil), u.records[over:]...)
		}
		return true
	}

	// Probe failures only refresh the message.
	if evt.Type != supervisor.EventTypeUnready {
		b.state = evt.Type
	}
	switch evt.Type {
	case supervisor.EventTypeSpawned:
		b.spawnedAt = evt.Timestamp
	case supervisor.EventTypeReady:
		b.ready = true
		if !b.spawnedAt.IsZero() {
			b.readyIn = evt.Timestamp.Sub(b.spawnedAt)
		}
	case supervisor.EventTypeStopped, supervisor.EventTypeCrashed:
		b.ready = false
		b.exits++
		b.spawnedAt = time.Time{}
	case supervisor.EventTypeStopping, supervisor.EventTypeFailed:
		b.ready = false
	}
	b.message = formatEventMessage(evt)
	b.level = evt.Level
	return false
}

func (u *UI) queueRefresh(updateLogs bool) {
	u.app.QueueUpdateDraw(func() {
		u.mu.Lock()
		defer u.mu.Unlock()
		u.renderStatusLocked()
		if updateLogs {
			u.renderLogsLocked()
		}
	})
}

func (u *UI) renderStatusLocked() {
	b := u.backend
	u.status.Clear()

	service := b.service
	if service == "" {
		service = "backend"
	}
	ready := "[red]no[-]"
	if b.ready {
		ready = "[green]yes[-]"
		if b.readyIn > 0 {
			ready = fmt.Sprintf("[green]yes[-] (after %s)", b.readyIn.Round(10*time.Millisecond))
		}
	}
	pid := "-"
	if b.pid > 0 {
		pid = strconv.Itoa(b.pid)
	}
	address := u.address
	if address == "" {
		address = "-"
	}
	uptime := "-"
	if !b.spawnedAt.IsZero() {
		uptime = u.now().Sub(b.spawnedAt).Truncate(time.Second).String()
	}
	message := b.message
	if message == "" {
		message = "-"
	}

	fmt.Fprintf(u.status, "[::b]%-9s[::-]%-24s[::b]%-9s[::-]%s\n", "Service", tview.Escape(service), "Session", tview.Escape(b.session))
	fmt.Fprintf(u.status, "[::b]%-9s[::-][%s]%-24s[-][::b]%-9s[::-]%s\n", "State", stateColor(b.state), formatState(b.state), "Ready", ready)
	fmt.Fprintf(u.status, "[::b]%-9s[::-]%-24s[::b]%-9s[::-]%s\n", "PID", pid, "Address", address)
	fmt.Fprintf(u.status, "[::b]%-9s[::-]%-24s[::b]%-9s[::-]%d\n", "Uptime", uptime, "Exits", b.exits)
	fmt.Fprintf(u.status, "[::b]%-9s[::-][%s]%s[-]\n", "Message", levelColor(b.level), tview.Escape(message))
	fmt.Fprint(u.status, helpLine)
}

func (u *UI) renderLogsLocked() {
	u.logs.Clear()

	var flags []string
	if u.filter != "" {
		flags = append(flags, "/"+u.filter+"/")
	}
	if u.stderrOnly {
		flags = append(flags, "stderr")
	}
	if u.logsPretty {
		flags = append(flags, "json")
	}
	title := logsTitle
	if len(flags) > 0 {
		title = fmt.Sprintf("%s [%s]", logsTitle, strings.Join(flags, " "))
	}
	u.logs.SetTitle(tview.Escape(title))

	for _, record := range u.records {
		if u.stderrOnly && record.Source != runtime.LogSourceStderr {
			continue
		}
		if u.filterExpr != nil && !u.filterExpr.MatchString(record.Message) {
			continue
		}
		if u.logsPretty {
			data, err := json.Marshal(record)
			if err != nil {
				fmt.Fprintf(u.logs, "{\"error\":%q}\n", err.Error())
				continue
			}
			fmt.Fprintln(u.logs, tview.Escape(string(data)))
			continue
		}
		fmt.Fprintf(u.logs, "%s [%s]%s[-] %s\n",
			record.Timestamp.Format("15:04:05"),
			levelColor(record.Level),
			record.Source,
			tview.Escape(record.Message))
	}
	u.logs.ScrollToEnd()
}

func formatEventMessage(evt supervisor.Event) string {
	msg := evt.Message
	if evt.Err != nil {
		errText := evt.Err.Error()
		switch {
		case msg == "":
			msg = errText
		case !strings.Contains(msg, errText):
			msg = msg + ": " + errText
		}
	}
	if evt.Reason != "" {
		if msg == "" {
			return evt.Reason
		}
		msg = fmt.Sprintf("%s (%s)", msg, evt.Reason)
	}
	return msg
}

func formatState(t supervisor.EventType) string {
	if t == "" {
		return "-"
	}
	s := strings.ReplaceAll(string(t), "_", " ")
	return strings.ToUpper(s[:1]) + s[1:]
}

func stateColor(t supervisor.EventType) string {
	switch t {
	case supervisor.EventTypeReady:
		return "green"
	case supervisor.EventTypeTimedOut, supervisor.EventTypeStopping:
		return "yellow"
	case supervisor.EventTypeFailed, supervisor.EventTypeCrashed, supervisor.EventTypeError:
		return "red"
	default:
		return "white"
	}
}

func levelColor(level string) string {
	switch level {
	case "error":
		return "red"
	case "warn":
		return "yellow"
	case "debug":
		return "gray"
	default:
		return "white"
	}
}
