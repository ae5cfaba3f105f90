package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/eachlabs/streamport/internal/client"
	"github.com/eachlabs/streamport/internal/tui"
)

var (
	callPayload string
	callAddr    string
	callTCP     string
	callTUI     bool
)

var callCmd = &cobra.Command{
	Use:   "call <port>",
	Short: "Call a stream port",
	Long: `Open a channel to a port, send the payload and print the response
as it streams in. Exits non-zero when the port reports an error.

The payload is inline JSON or @file.

Examples:
  streamport call analyze-selection-stream --payload '{"providerId":"anthropic","userMessage":"why is the sky blue?"}'
  streamport call translate-text-stream --payload @request.json --tui
  streamport call translate-text-stream --tcp 127.0.0.1:9090 --payload @request.json`,
	Args: cobra.ExactArgs(1),
	RunE: runCall,
}

func init() {
	callCmd.Flags().StringVarP(&callPayload, "payload", "d", "", "start payload as JSON or @file")
	callCmd.Flags().StringVar(&callAddr, "addr", "", "server address (default: http://<server.http_addr>)")
	callCmd.Flags().StringVar(&callTCP, "tcp", "", "use the TCP transport at this address")
	callCmd.Flags().BoolVar(&callTUI, "tui", false, "render the call in a full-screen view")
	callCmd.MarkFlagRequired("payload")
}

func runCall(cmd *cobra.Command, args []string) error {
	name := args[0]

	payload, err := readPayload(callPayload, os.Stdin)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := dialPort(ctx, name)
	if err != nil {
		return err
	}

	if callTUI {
		return callWithTUI(ctx, c, payload)
	}
	return callPlain(ctx, c, payload, os.Stdout, os.Stderr)
}

func dialPort(ctx context.Context, name string) (*client.Client, error) {
	if callTCP != "" {
		return client.DialTCP(ctx, callTCP, name)
	}

	addr := callAddr
	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		addr = "http://" + cfg.Server.HTTPAddr
	}
	return client.Dial(ctx, addr, name)
}

// readPayload resolves the --payload value. "@path" reads a file and "@-"
// reads stdin.
func readPayload(arg string, stdin io.Reader) (json.RawMessage, error) {
	raw := []byte(arg)
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		var err error
		if path == "-" {
			raw, err = io.ReadAll(stdin)
		} else {
			raw, err = os.ReadFile(path)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read payload: %w", err)
		}
	}

	if !json.Valid(raw) {
		return nil, errors.New("payload must be valid JSON")
	}
	return json.RawMessage(raw), nil
}

// deltaPrinter writes only the new suffix of each cumulative text.
type deltaPrinter struct {
	w       io.Writer
	printed string
}

func (p *deltaPrinter) print(text string) {
	if rest, ok := strings.CutPrefix(text, p.printed); ok {
		fmt.Fprint(p.w, rest)
	} else {
		// The text was rewritten rather than extended.
		fmt.Fprint(p.w, "\n"+text)
	}
	p.printed = text
}

func callPlain(ctx context.Context, c *client.Client, payload json.RawMessage, stdout, stderr io.Writer) error {
	out := &deltaPrinter{w: stdout}
	if jsonOut {
		out.w = io.Discard
	}

	result, err := c.Call(ctx, payload, out.print)
	if err != nil {
		if out.printed != "" {
			fmt.Fprintln(out.w)
		}
		var remote *client.RemoteError
		if errors.As(err, &remote) {
			fmt.Fprintln(stderr, tui.ErrorStyle.Render("✗ "+c.Name()+" failed: ")+remote.Message)
		} else {
			fmt.Fprintln(stderr, tui.ErrorStyle.Render("✗ ")+err.Error())
		}
		return err
	}

	if jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]string{"port": c.Name(), "result": result})
	}

	out.print(result)
	fmt.Fprintln(stdout)
	fmt.Fprintln(stderr, tui.DoneStyle.Render("✓ done")+" "+tui.StatusStyle.Render(c.Name()))
	return nil
}

func callWithTUI(ctx context.Context, c *client.Client, payload json.RawMessage) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan tui.CallEvent, 16)
	send := func(ev tui.CallEvent) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	done := make(chan error, 1)
	go func() {
		defer close(events)
		result, err := c.Call(ctx, payload, func(text string) {
			send(tui.CallEvent{Kind: tui.EventChunk, Text: text})
		})
		var remote *client.RemoteError
		switch {
		case err == nil:
			send(tui.CallEvent{Kind: tui.EventDone, Text: result})
		case errors.As(err, &remote):
			send(tui.CallEvent{Kind: tui.EventError, Text: remote.Message})
		case !errors.Is(err, client.ErrNoTerminal) && ctx.Err() == nil:
			send(tui.CallEvent{Kind: tui.EventError, Text: err.Error()})
		}
		done <- err
	}()

	if err := tui.RunCall(c.Name(), events, cancel); err != nil {
		cancel()
		<-done
		return err
	}
	cancel()
	return <-done
}
