// Package democonsole is the interactive shell for cmd/webphonedemo: a
// readline-backed command console that drives a webphone.Client by hand,
// the way an embedding application's UI would drive it programmatically.
// print.go is a thin wrapper unifying output in this interactive setting:
// it initializes readline over a cancelable stdin and redirects stdout/
// stderr onto its buffers so printed output and user typing don't interleave
// badly. Concurrency: the mutex guards only swapping the writer references;
// writes themselves aren't serialized here and rely on the target writer's
// own thread-safety.
package democonsole

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/chzyer/readline"
	"github.com/kr/pretty"
)

var (
	rl     *readline.Instance
	out    io.Writer = os.Stdout
	errOut io.Writer = os.Stderr
	mu     sync.Mutex

	cancelableIn interface{ Close() error }
)

// Init sets up readline and points Stdout/Stderr at its own buffers. Not
// meant to be called twice.
func Init() error {
	cs := readline.NewCancelableStdin(os.Stdin)
	newRl, err := readline.NewEx(&readline.Config{Stdin: cs})
	if err != nil {
		_ = cs.Close()
		return err
	}
	rl = newRl

	mu.Lock()
	cancelableIn = cs
	out = rl.Stdout()
	errOut = rl.Stderr()
	mu.Unlock()

	return nil
}

// InterruptReadline closes the cancelable stdin, which hands Readline() an
// io.EOF so a blocked read returns. Idempotent.
func InterruptReadline() {
	if cancelableIn != nil {
		_ = cancelableIn.Close()
	}
}

// SetPrompt sets the prompt string. Assumes Init() already ran.
func SetPrompt(prompt string) {
	rl.SetPrompt(prompt)
}

// Rl returns the current readline instance, or nil before Init().
func Rl() *readline.Instance { return rl }

// Stdout returns the current stdout writer.
func Stdout() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return out
}

// Stderr returns the current stderr writer.
func Stderr() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return errOut
}

func Print(a ...any)                 { fmt.Fprint(Stdout(), a...) }
func Println(a ...any)               { fmt.Fprintln(Stdout(), a...) }
func Printf(format string, a ...any) { fmt.Fprintf(Stdout(), format, a...) }

func ErrPrint(a ...any)                 { fmt.Fprint(Stderr(), a...) }
func ErrPrintln(a ...any)               { fmt.Fprintln(Stderr(), a...) }
func ErrPrintf(format string, a ...any) { fmt.Fprintf(Stderr(), format, a...) }

// PP pretty-prints v to Stdout, handy for dumping a Session or Sample.
func PP(v any) {
	fmt.Fprintf(Stdout(), "%# v\n", pretty.Formatter(v))
}
