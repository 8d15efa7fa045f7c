package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Wyydra/ya/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/ya/internal/adapter/driven/media/pion"
	handler "github.com/Wyydra/ya/internal/adapter/driving/http"
	"github.com/Wyydra/ya/internal/config"
	"github.com/Wyydra/ya/internal/core/domain"
	"github.com/Wyydra/ya/internal/core/service"
	"github.com/Wyydra/ya/internal/logging"
	"github.com/rs/zerolog/log"
)

const usage = `commands:
  call <peer> [audio|video]   start a call, audio by default
  accept | reject | end
  mic | cam | screen
  state
  quit`

func main() {
	configPath := flag.String("config", "", "path to an INI settings file")
	user := flag.String("user", "", "user id to connect as")
	synthetic := flag.Bool("synthetic", false, "use generated media instead of capture devices")
	token := flag.String("token", "", "relay token, e.g. from the server's -mint; minted from the auth secret when empty")
	flag.Parse()

	if *user == "" {
		fmt.Fprintln(os.Stderr, "-user is required")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *token != "" {
		cfg.Signaling.Token = *token
	}
	if err := cfg.ValidateClient(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	closer, err := logging.Setup(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closer.Close()

	if err := run(cfg, domain.UserID(*user), *synthetic); err != nil {
		log.Error().Err(err).Msg("Client stopped")
		os.Exit(1)
	}
}

func run(cfg *config.Config, user domain.UserID, synthetic bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	token := cfg.Signaling.Token
	if token == "" {
		// only for deployments where the client is trusted with the relay secret
		minted, err := handler.NewAuthenticator(cfg.Auth.Secret, cfg.Auth.TokenTTL).Issue(user)
		if err != nil {
			return fmt.Errorf("failed to mint token: %w", err)
		}
		token = minted
	}
	sig, err := ws.Dial(ctx, cfg.Signaling.URL, token)
	if err != nil {
		return err
	}
	defer sig.Close()

	devices, err := newDevices(synthetic)
	if err != nil {
		return err
	}
	factory, err := pion.NewFactory(cfg.ICEServers())
	if err != nil {
		return err
	}

	l := log.With().Str("client_id", user.String()).Logger()
	calls := service.NewCallService(
		sig,
		service.NewMediaService(devices, cfg.Media),
		factory,
		&logNotifier{log: l},
		service.CallOptions{
			AnswerTimeout:          cfg.Call.AnswerTimeout,
			ReleaseCameraOnDisable: cfg.Call.ReleaseCameraOnDisable,
		},
	)
	calls.AttachSink(&logSink{log: l})

	done := make(chan struct{})
	go func() {
		calls.Run(ctx)
		close(done)
	}()

	l.Info().Str("relay", cfg.Signaling.URL).Msg("Connected")
	fmt.Println(usage)

	lines := make(chan string)
	go readLines(os.Stdin, lines)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-sig.Done():
			l.Warn().Msg("Relay connection lost")
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			quit, err := execute(ctx, calls, line)
			if err != nil {
				l.Warn().Err(err).Str("command", line).Msg("Command failed")
			}
			if quit {
				break loop
			}
		}
	}

	calls.Stop()
	<-done
	return nil
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out <- line
		}
	}
}

var errUsage = errors.New("unknown command")

func execute(ctx context.Context, calls *service.CallService, line string) (bool, error) {
	fields := strings.Fields(line)

	switch fields[0] {
	case "call":
		peer, t, err := parseCall(fields[1:])
		if err != nil {
			return false, err
		}
		return false, calls.StartCall(ctx, peer, t)
	case "accept":
		return false, calls.Accept(ctx)
	case "reject":
		return false, calls.Reject(ctx)
	case "end":
		return false, calls.End(ctx)
	case "mic":
		return false, calls.ToggleMicrophone(ctx)
	case "cam":
		return false, calls.ToggleCamera(ctx)
	case "screen":
		return false, calls.ToggleScreenShare(ctx)
	case "state":
		snap := calls.Snapshot()
		fmt.Printf("%s %s peer=%s local=%+v remote=%+v\n", snap.State, snap.CallType, snap.Peer, snap.Local, snap.Remote)
		return false, nil
	case "quit", "exit":
		return true, nil
	default:
		fmt.Println(usage)
		return false, fmt.Errorf("%w: %s", errUsage, fields[0])
	}
}

// parseCall reads the arguments of "call <peer> [audio|video]".
func parseCall(args []string) (domain.UserID, domain.CallType, error) {
	if len(args) == 0 || len(args) > 2 {
		return "", "", fmt.Errorf("%w: call <peer> [audio|video]", errUsage)
	}
	t := domain.CallTypeAudio
	if len(args) == 2 {
		t = domain.CallType(args[1])
		if !t.Valid() {
			return "", "", fmt.Errorf("%w: call type %q", errUsage, args[1])
		}
	}
	return domain.UserID(args[0]), t, nil
}
