package democonsole

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"webphone"
	"webphone/internal/logging"
)

// commandDescriptor describes one console command: its name and a short
// help line.
type commandDescriptor struct {
	name        string
	description string
}

var commandDescriptors = []commandDescriptor{
	{name: "connect", description: "Connect and register the account"},
	{name: "disconnect", description: "Unregister and tear down the transport"},
	{name: "dial <uri>", description: "Place an outbound call"},
	{name: "accept", description: "Accept the current ringing call"},
	{name: "reject", description: "Reject the current ringing call"},
	{name: "hangup", description: "Terminate the current call"},
	{name: "hold", description: "Put the current call on hold"},
	{name: "unhold", description: "Take the current call off hold"},
	{name: "dtmf <tones>", description: "Send DTMF tones on the current call"},
	{name: "transfer <uri>", description: "Blind-transfer the current call"},
	{name: "status", description: "Show client connection status"},
	{name: "sessions", description: "List live call sessions"},
	{name: "help", description: "Show available commands"},
	{name: "exit", description: "Disconnect and quit"},
}

const commandTimeout = 15 * time.Second

// Service is the interactive console wired to one webphone.Client. Start/Stop
// are idempotent, matching the lifecycle discipline the rest of this module
// uses for its own background loops.
type Service struct {
	client  *webphone.Client
	stopApp context.CancelFunc

	mu      sync.Mutex
	current *webphone.Session

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	onceStart sync.Once
	onceStop  sync.Once
}

// NewService builds a console over client. stopApp is invoked by the "exit"
// command and by Ctrl-C on an empty line, the same way the application's
// own shutdown signal would be.
func NewService(client *webphone.Client, stopApp context.CancelFunc) *Service {
	return &Service{client: client, stopApp: stopApp}
}

// Start runs the console's read loop in the background. Repeated calls are
// no-ops.
func (s *Service) Start(ctx context.Context) {
	s.onceStart.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.watchSessions(runCtx)
		}()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.run(runCtx)
		}()
	})
}

// Stop interrupts readline, cancels the run loop and waits for it to exit.
func (s *Service) Stop() {
	s.onceStop.Do(func() {
		if Rl() != nil {
			InterruptReadline()
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

// watchSessions tracks the most recently added session as the "current"
// target for the single-call commands (accept/hold/dtmf/...); this demo
// only drives one call at a time even though the Client supports many.
func (s *Service) watchSessions(ctx context.Context) {
	ch, unsubscribe := s.client.SubscribeSessionAdded()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case sess, ok := <-ch:
			if !ok {
				return
			}
			s.mu.Lock()
			s.current = sess
			s.mu.Unlock()
			ri := sess.RemoteIdentity()
			Println(fmt.Sprintf("incoming/outbound session %s established with %q <%s>", sess.CallID(), ri.DisplayName, ri.URI))
		}
	}
}

func (s *Service) run(ctx context.Context) {
	SetPrompt("webphone> ")
	Println("Console started. Commands:", joinCommandNames())
	Println("Type 'help' for descriptions, or press '?'.")
	installKeyHandlers(s.stopApp)

	defer func() {
		if rl := Rl(); rl != nil {
			_ = rl.Close()
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		line, err := Rl().Readline()
		if err != nil {
			return
		}
		cmd := strings.TrimSpace(line)
		logging.Debugf("console: command %q", cmd)
		if s.handleCommand(cmd) {
			return
		}
	}
}

func installKeyHandlers(stop context.CancelFunc) {
	rl := Rl()
	if rl == nil || rl.Config == nil {
		return
	}
	prev := rl.Config.Listener
	rl.Config.SetListener(func(line []rune, pos int, key rune) ([]rune, int, bool) {
		if key == '?' {
			printCommandHelp()
			if pos > 0 && pos <= len(line) {
				trimmed := append([]rune{}, line[:pos-1]...)
				trimmed = append(trimmed, line[pos:]...)
				return trimmed, pos - 1, true
			}
			return line, pos, true
		}
		if key == 3 { // Ctrl-C (ETX)
			if strings.TrimSpace(string(line)) == "" {
				if stop != nil {
					stop()
				}
				InterruptReadline()
				return line, pos, true
			}
			return []rune{}, 0, true
		}
		if prev != nil {
			return prev.OnChange(line, pos, key)
		}
		return nil, 0, false
	})
}

func joinCommandNames() string {
	names := make([]string, len(commandDescriptors))
	for i, d := range commandDescriptors {
		names[i] = d.name
	}
	return strings.Join(names, ", ")
}

func printCommandHelp() {
	for _, d := range commandDescriptors {
		Printf("  %-16s %s\n", d.name, d.description)
	}
}

// handleCommand dispatches a single console line. It returns true when the
// console should exit.
func (s *Service) handleCommand(line string) bool {
	if line == "" {
		return false
	}
	fields := strings.SplitN(line, " ", 2)
	cmd := fields[0]
	var arg string
	if len(fields) > 1 {
		arg = strings.TrimSpace(fields[1])
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch cmd {
	case "help":
		printCommandHelp()
	case "connect":
		s.handleConnect(ctx)
	case "disconnect":
		if err := s.client.Disconnect(ctx, true); err != nil {
			ErrPrintln("disconnect error:", err)
		}
	case "dial":
		s.handleDial(ctx, arg)
	case "accept":
		s.withCurrent(func(sess *webphone.Session) {
			if err := sess.Accept(ctx); err != nil {
				ErrPrintln("accept error:", err)
			}
		})
	case "reject":
		s.withCurrent(func(sess *webphone.Session) {
			if err := sess.Reject(ctx, 486); err != nil {
				ErrPrintln("reject error:", err)
			}
		})
	case "hangup":
		s.withCurrent(func(sess *webphone.Session) {
			if err := sess.Terminate(ctx); err != nil {
				ErrPrintln("hangup error:", err)
			}
		})
	case "hold":
		s.withCurrent(func(sess *webphone.Session) {
			if err := sess.Hold(ctx); err != nil {
				ErrPrintln("hold error:", err)
			}
		})
	case "unhold":
		s.withCurrent(func(sess *webphone.Session) {
			if err := sess.Unhold(ctx); err != nil {
				ErrPrintln("unhold error:", err)
			}
		})
	case "dtmf":
		s.withCurrent(func(sess *webphone.Session) {
			if err := sess.DTMF(ctx, arg); err != nil {
				ErrPrintln("dtmf error:", err)
			}
		})
	case "transfer":
		s.withCurrent(func(sess *webphone.Session) {
			if err := sess.Transfer(ctx, arg); err != nil {
				ErrPrintln("transfer error:", err)
			}
		})
	case "status":
		Println("status:", s.client.Status())
	case "sessions":
		s.printSessions()
	case "exit":
		if err := s.client.Disconnect(ctx, true); err != nil {
			ErrPrintln("disconnect error:", err)
		}
		if s.stopApp != nil {
			s.stopApp()
		}
		return true
	default:
		Println("unknown command:", cmd)
	}
	return false
}

func (s *Service) handleConnect(ctx context.Context) {
	registered, err := s.client.Connect(ctx)
	if err != nil {
		ErrPrintln("connect error:", err)
		return
	}
	Println("connected, registered =", registered)
}

func (s *Service) handleDial(ctx context.Context, target string) {
	if target == "" {
		ErrPrintln("usage: dial <uri>")
		return
	}
	sess, err := s.client.Invite(ctx, target, webphone.InviteOptions{})
	if err != nil {
		ErrPrintln("dial error:", err)
		return
	}
	s.mu.Lock()
	s.current = sess
	s.mu.Unlock()
	Println("dialing", target, "call-id", sess.CallID())
}

func (s *Service) withCurrent(fn func(sess *webphone.Session)) {
	s.mu.Lock()
	sess := s.current
	s.mu.Unlock()
	if sess == nil {
		ErrPrintln("no current session")
		return
	}
	fn(sess)
}

func (s *Service) printSessions() {
	sessions := s.client.Sessions()
	if len(sessions) == 0 {
		Println("no live sessions")
		return
	}
	for _, sess := range sessions {
		ri := sess.RemoteIdentity()
		Printf("%s  state=%s  hold=%v  remote=%q <%s>\n", sess.CallID(), sess.State(), sess.HoldState(), ri.DisplayName, ri.URI)
	}
}
