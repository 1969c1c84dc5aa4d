package commands

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
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	sandlib "github.com/AnishMulay/sandlock/clients/library"
	grpccomm "github.com/AnishMulay/sandlock/internal/communication/grpc"
	"github.com/AnishMulay/sandlock/internal/log_service"
	"github.com/AnishMulay/sandlock/internal/notification"
	ps "github.com/AnishMulay/sandlock/internal/server"
	"github.com/AnishMulay/sandlock/internal/session"
)

var (
	clientServer string
	clientID     string
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Open an interactive session on a cell server",
	Long: `Open a session and read commands from stdin, one per line.

Type "help" for the command list. "list servers" shows the live servers of
the cell. Notifications for subscribed events are printed as they arrive.

Examples:
  sandlock client --server 127.0.0.1:8080
  echo "ls 2" | sandlock client --id alice`,
	RunE: runClient,
}

func init() {
	clientCmd.Flags().StringVar(&clientServer, "server", "127.0.0.1:8080", "cell server address")
	clientCmd.Flags().StringVar(&clientID, "id", "", "client identity (default: random)")
}

func runClient(cmd *cobra.Command, args []string) error {
	id := clientID
	if id == "" {
		id = "client-" + uuid.NewString()[:8]
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	comm := grpccomm.NewGRPCCommunicator("", log_service.NopLogService{})
	defer comm.Stop()

	c := sandlib.NewSandlockClient(id, clientServer, comm, log_service.NopLogService{})
	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer c.Close(context.Background())

	fmt.Fprintf(cmd.OutOrStdout(), "connected to cell %s as %s\n", c.Cell(), id)
	return repl(ctx, c, cmd.InOrStdin(), cmd.OutOrStdout())
}

// sessionClient is the part of sandlib.SandlockClient the prompt loop uses.
type sessionClient interface {
	Run(ctx context.Context, line string) (*session.Response, error)
	ListServers(ctx context.Context) (*ps.ListServersResponse, error)
	Notifications() <-chan notification.Notification
}

// repl executes one command per input line until exit, EOF or ctx ends.
// Notifications are interleaved with responses as whole lines.
func repl(ctx context.Context, c sessionClient, in io.Reader, out io.Writer) error {
	var mu sync.Mutex
	emit := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(out, s)
	}

	var wg sync.WaitGroup
	done := make(chan struct{})
	defer func() {
		close(done)
		wg.Wait()
	}()

	if events := c.Notifications(); events != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case n, ok := <-events:
					if !ok {
						return
					}
					emit(strings.TrimSuffix(n.Format(), "\n"))
				case <-done:
					return
				}
			}
		}()
	}

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-done:
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}

		if line == "list servers" {
			resp, err := c.ListServers(ctx)
			if err != nil {
				emit("error: " + err.Error())
				continue
			}
			emit(formatServers(resp))
			continue
		}

		resp, err := c.Run(ctx, line)
		switch {
		case errors.Is(err, sandlib.ErrSessionLost), errors.Is(err, sandlib.ErrNotConnected):
			return err
		case err != nil:
			emit("error: " + err.Error())
		default:
			emit(resp.Message)
			if resp.Exit {
				return nil
			}
		}
	}
}

func formatServers(resp *ps.ListServersResponse) string {
	var b strings.Builder
	fmt.Fprintf(&b, "servers of cell %s:", resp.Cell)
	for _, m := range resp.Members {
		fmt.Fprintf(&b, "\n- %s %s", m.ID, m.Address)
	}
	return b.String()
}
