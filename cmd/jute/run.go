package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jlaneve/jute/kernel"
	"github.com/jlaneve/jute/router"
	"github.com/jlaneve/jute/wire"
)

// errExecutionFailed is returned when the code raised. The error itself
// has already been printed.
var errExecutionFailed = errors.New("execution failed")

var (
	runTimeout time.Duration
	runSilent  bool
)

// runCmd executes code in a fresh kernel
var runCmd = &cobra.Command{
	Use:   "run <spec> [code...]",
	Short: "Execute code in a fresh kernel",
	Long: `Starts a kernel from the named spec, executes the code, prints its output
and shuts the kernel down. Without code arguments the code is read from
standard input.

Ctrl-C interrupts the running code; a second Ctrl-C abandons it.

Example:
  jute run python3 'print(1 + 1)'
  echo '2 ** 10' | jute run python3`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCode,
}

func init() {
	runCmd.Flags().DurationVarP(&runTimeout, "timeout", "t", 0, "Abandon the execution after this long (0 waits forever)")
	runCmd.Flags().BoolVar(&runSilent, "silent", false, "Execute without storing history or counting the execution")
}

func runCode(cmd *cobra.Command, args []string) error {
	code := strings.Join(args[1:], " ")
	if len(args) == 1 {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read code: %w", err)
		}
		code = string(data)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	if runTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, runTimeout)
		defer cancel()
	}

	m, err := kernel.NewManager(
		kernel.WithConfig(cfg.KernelConfig()),
		kernel.WithLogger(logger),
		kernel.WithInputHandler(promptInput(cmd.InOrStdin(), cmd.ErrOrStderr())),
	)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(context.Background()); err != nil {
			logger.Warn("shutdown kernels", slog.Any("error", err))
		}
	}()

	k, err := m.Start(ctx, args[0])
	if err != nil {
		return err
	}
	logger.Debug("kernel ready",
		slog.String("kernel", k.ID()),
		slog.String("banner", k.Info().Banner))

	var opts []kernel.ExecuteOption
	if runSilent {
		opts = append(opts, kernel.Silent())
	}
	ch, err := k.Execute(ctx, code, opts...)
	if err != nil {
		return err
	}

	stopSignals := forwardInterrupts(k, ch, cancel)
	defer stopSignals()

	failed := false
	for {
		ev, err := ch.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			ch.Cancel()
			return err
		}
		if printEvent(cmd.OutOrStdout(), cmd.ErrOrStderr(), ev) {
			failed = true
		}
	}

	if err := m.Shutdown(context.Background(), k); err != nil {
		return err
	}
	if failed {
		return errExecutionFailed
	}
	return nil
}

// forwardInterrupts interrupts the kernel on the first SIGINT and calls
// abandon on the second.
func forwardInterrupts(k *kernel.Kernel, ch *router.Channel, abandon context.CancelFunc) (stop func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		interrupted := false
		for {
			select {
			case <-sigCh:
				if interrupted {
					logger.Info("abandoning execution")
					abandon()
					return
				}
				interrupted = true
				logger.Info("interrupting kernel")
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := k.Interrupt(ctx); err != nil {
					logger.Warn("interrupt failed", slog.Any("error", err))
				}
				cancel()
			case <-ch.Done():
				return
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
		wg.Wait()
	}
}

// promptInput answers input requests from r, writing prompts to w.
func promptInput(r io.Reader, w io.Writer) router.InputHandler {
	lines := bufio.NewReader(r)
	var mu sync.Mutex
	return func(_ context.Context, req wire.InputRequest) (string, error) {
		mu.Lock()
		defer mu.Unlock()

		fmt.Fprint(w, req.Prompt)
		line, err := lines.ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("read input: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
}

// printEvent writes ev for a terminal. It reports whether ev is a failure.
func printEvent(out, errOut io.Writer, ev router.Event) bool {
	switch e := ev.(type) {
	case router.TextOutput:
		if e.Stream == "stderr" {
			fmt.Fprint(errOut, e.Text)
		} else {
			fmt.Fprint(out, e.Text)
		}
	case router.Result:
		fmt.Fprintf(out, "Out[%d]: %s\n", e.ExecutionCount, plainText(e.Data))
	case router.Display:
		fmt.Fprintln(out, plainText(e.Data))
	case router.DisplayUpdate:
		fmt.Fprintf(out, "[%s] %s\n", e.DisplayID, plainText(e.Data))
	case router.Error:
		if len(e.Traceback) > 0 {
			fmt.Fprintln(errOut, strings.Join(e.Traceback, "\n"))
		} else {
			fmt.Fprintln(errOut, e.Error())
		}
		return true
	case router.Disconnect:
		fmt.Fprintf(errOut, "kernel disconnected: %s\n", e.Reason)
		return true
	}
	return false
}

// plainText returns the text form of a bundle, or a placeholder naming the
// MIME types that cannot be shown.
func plainText(b wire.MIMEBundle) string {
	if text := b.Text(); text != "" {
		return text
	}
	types := make([]string, 0, len(b))
	for t := range b {
		types = append(types, t)
	}
	if len(types) == 0 {
		return ""
	}
	sort.Strings(types)
	return "<" + strings.Join(types, ", ") + ">"
}
