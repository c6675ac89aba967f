package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/ini.v1"

	"github.com/briankwest/swdialer/fabric"
)

// connectorFor maps the configured transport name to a fabric connector.
// Real provider bindings register here; the loopback transport keeps the
// dialer usable without one.
func connectorFor(settings *Settings) (fabric.Connector, error) {
	switch settings.ProviderTransport() {
	case "loopback":
		return fabric.Loopback(), nil
	default:
		return nil, fmt.Errorf("provider transport %q not linked into this build", settings.ProviderTransport())
	}
}

func main() {
	cfg, err := ini.LooseLoad("settings.ini")
	if err != nil {
		fmt.Printf("failed to load settings: %v\n", err)
		return
	}

	settings, err := LoadSettings(cfg)
	if err != nil {
		fmt.Printf("failed to parse settings: %v\n", err)
		return
	}

	if err := initLogging(cfg); err != nil {
		fmt.Printf("failed to init logging: %v\n", err)
		return
	}
	defer closeLogging()

	store, err := OpenStore(settings.DataDir())
	if err != nil {
		coreLog.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	connector, err := connectorFor(settings)
	if err != nil {
		coreLog.Fatalf("failed to select provider transport: %v", err)
	}

	backend := NewBackendClient(settings)
	phone := NewSoftphone(settings, store, backend, connector, newSystemClock())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := phone.Start(ctx); err != nil {
		coreLog.Fatalf("failed to start softphone: %v", err)
	}

	if last, err := phone.LastDialed(); err == nil && last != "" {
		coreLog.Infof("last dialed number: %s", last)
	}

	phone.Subscribe(func(state CallState) {
		coreLog.Debugf("call state: %s remote=%s direction=%s muted=%v",
			state.Status, state.RemoteNumber, state.Direction, state.Muted)
	})

	go console(ctx, phone, stop)

	<-ctx.Done()

	coreLog.Info("performing a graceful shutdown...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	phone.Close(shutdownCtx)
}

// console runs a minimal line-based front end standing in for the
// out-of-scope UI.
func console(ctx context.Context, phone *Softphone, quit func()) {
	fmt.Println("commands: dial <number> | answer | reject | hangup | mute | unmute | digit <d> | state | history | quit")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		cmd, args := fields[0], fields[1:]

		switch cmd {
		case "dial":
			if len(args) != 1 {
				fmt.Println("usage: dial <number>")
				continue
			}
			if err := phone.Dial(ctx, args[0]); err != nil {
				fmt.Printf("dial failed: %v\n", err)
			}
		case "answer":
			if err := phone.Answer(ctx); err != nil {
				fmt.Printf("answer failed: %v\n", err)
			}
		case "reject":
			if err := phone.Reject(ctx); err != nil {
				fmt.Printf("reject failed: %v\n", err)
			}
		case "hangup":
			if err := phone.Hangup(ctx); err != nil {
				fmt.Printf("hangup failed: %v\n", err)
			}
		case "mute":
			phone.SetMuted(true)
		case "unmute":
			phone.SetMuted(false)
		case "digit":
			if len(args) != 1 {
				fmt.Println("usage: digit <d>")
				continue
			}
			if err := phone.SendDigit(ctx, args[0]); err != nil {
				fmt.Printf("digit failed: %v\n", err)
			}
		case "state":
			state := phone.Snapshot()
			fmt.Printf("status=%s remote=%s direction=%s incoming=%v muted=%v connected=%v\n",
				state.Status, state.RemoteNumber, state.Direction, state.Incoming, state.Muted, state.Connected)
		case "history":
			records, err := phone.History(ctx, 20)
			if err != nil {
				fmt.Printf("history failed: %v\n", err)
				continue
			}
			for _, r := range records {
				fmt.Printf("%s %s -> %s (%s, %ds)\n", r.StartedAt, r.From, r.To, r.Status, r.Duration)
			}
		case "quit", "exit":
			quit()
			return
		default:
			fmt.Printf("unknown command %q\n", cmd)
		}
	}
}
