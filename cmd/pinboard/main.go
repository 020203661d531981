package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/npezzotti/go-pinboard/internal/collab"
	"github.com/npezzotti/go-pinboard/internal/config"
	"github.com/npezzotti/go-pinboard/internal/identity"
	"github.com/npezzotti/go-pinboard/internal/local"
	"github.com/npezzotti/go-pinboard/internal/share"
	"github.com/npezzotti/go-pinboard/internal/store"
	"github.com/npezzotti/go-pinboard/internal/store/redisstore"
	"github.com/npezzotti/go-pinboard/internal/store/wsstore"
	"github.com/npezzotti/go-pinboard/internal/types"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

const PinboardVersion = "0.1.0"

const (
	defaultRelayURL = "ws://localhost:8000/ws"
	defaultLinkBase = "http://localhost:8000/"
	dialTimeout     = 10 * time.Second
)

func main() {
	usage := fmt.Sprintf(
		`Pinboard shared boards.

The default relay url is %s

Usage:
    pinboard create [--name=<name>] [--layout=<layout>] [--board=<board_id>]
        [--relay=<relay_url> | --redis=<redis_url>] [--data=<data_dir>] [--link=<link_base>] [--debug]
    pinboard join <code_or_link> [--nickname=<nickname>]
        [--relay=<relay_url> | --redis=<redis_url>] [--data=<data_dir>] [--debug]
    pinboard boards [--data=<data_dir>]
    pinboard boards rm <board_id> [--data=<data_dir>]
    pinboard -h | --help
    pinboard --version

Options:
    -h --help                 Show this screen.
    --version                 Show version.
    --name=<name>             Name of a new board.
    --layout=<layout>         Layout of a new board: free, grid or columns [default: free].
    --board=<board_id>        Share a saved board instead of a new one.
    --nickname=<nickname>     Name shown to other participants.
    --relay=<relay_url>       Relay websocket url.
    --redis=<redis_url>       Sync through redis instead of a relay.
    --data=<data_dir>         Where boards are saved locally.
    --link=<link_base>        Base url of share links.
    --debug                   Log sync activity.`,
		defaultRelayURL,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], PinboardVersion)
	if err != nil {
		panic(err)
	}

	debug, _ := opts.Bool("--debug")
	logger := newLogger(debug)
	defer logger.Sync()

	config.LoadEnv(logger)

	if create_, _ := opts.Bool("create"); create_ {
		err = create(opts, logger)
	} else if join_, _ := opts.Bool("join"); join_ {
		err = join(opts, logger)
	} else if boards_, _ := opts.Bool("boards"); boards_ {
		err = listBoards(opts, logger)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// newLogger logs to stderr so it stays out of the board output. Only
// warnings are shown unless debug is set.
func newLogger(debug bool) *zap.SugaredLogger {
	cfg := zap.NewDevelopmentConfig()
	cfg.OutputPaths = []string{"stderr"}
	if !debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger.Named("pinboard").Sugar()
}

func optString(opts docopt.Opts, key, fallback string) string {
	if v, ok := opts[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func openLocal(opts docopt.Opts, logger *zap.SugaredLogger) (*local.Store, error) {
	dir := optString(opts, "--data", config.GetEnv(config.EnvDataDir, ""))
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("locate data dir: %w", err)
		}
		dir = filepath.Join(base, "pinboard")
	}
	return local.Open(filepath.Join(dir, "pinboard.db"), logger.Named("local"))
}

func dialStore(ctx context.Context, opts docopt.Opts, logger *zap.SugaredLogger) (store.Store, <-chan struct{}, error) {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	redisURL := optString(opts, "--redis", "")
	if redisURL == "" && optString(opts, "--relay", "") == "" {
		redisURL = config.GetEnv(config.EnvRedisURL, "")
	}
	if redisURL != "" {
		s, err := redisstore.Dial(ctx, redisURL, logger.Named("redis"), redisstore.Options{})
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	}

	relayURL := optString(opts, "--relay", config.GetEnv(config.EnvRelayURL, defaultRelayURL))
	c, err := wsstore.Dial(ctx, relayURL, logger.Named("relay"))
	if err != nil {
		return nil, nil, err
	}
	return c, c.Done(), nil
}

func listBoards(opts docopt.Opts, logger *zap.SugaredLogger) error {
	ls, err := openLocal(opts, logger)
	if err != nil {
		return err
	}
	defer ls.Close()

	if rm_, _ := opts.Bool("rm"); rm_ {
		id := opts["<board_id>"].(string)
		if _, err := ls.GetBoard(id); err != nil {
			return err
		}
		if err := ls.DeleteBoard(id); err != nil {
			return err
		}
		fmt.Printf("deleted board %s\n", id)
		return nil
	}

	boards, err := ls.ListBoards()
	if err != nil {
		return err
	}
	if len(boards) == 0 {
		fmt.Println("no saved boards")
		return nil
	}
	for _, b := range boards {
		updated := time.UnixMilli(b.UpdatedAt).Format(time.DateTime)
		fmt.Printf("%s  %-24s  %d posts  %s\n", b.Id, b.Name, len(b.Posts), updated)
	}
	return nil
}

func create(opts docopt.Opts, logger *zap.SugaredLogger) error {
	ls, err := openLocal(opts, logger)
	if err != nil {
		return err
	}
	defer ls.Close()

	var board types.Board
	if id := optString(opts, "--board", ""); id != "" {
		if board, err = ls.GetBoard(id); err != nil {
			return err
		}
	} else {
		layout := types.Layout(optString(opts, "--layout", string(types.LayoutFree)))
		switch layout {
		case types.LayoutFree, types.LayoutGrid, types.LayoutColumns:
		default:
			return fmt.Errorf("%w: unknown layout %q", collab.ErrValidation, layout)
		}
		board = types.NewBoard(optString(opts, "--name", ""), layout)
		if err := ls.SaveBoard(board); err != nil {
			return err
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, storeDone, err := dialStore(ctx, opts, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	id := identity.New()
	if nickname, _ := ls.Nickname(); nickname != "" {
		id.SetNickname(nickname)
	}

	sess := collab.NewSession(st, id, logger, collab.Options{})
	defer sess.Close()

	code, err := sess.CreateRoom(ctx, board)
	if err != nil {
		return err
	}

	link, err := share.Link(optString(opts, "--link", defaultLinkBase), code)
	if err != nil {
		return err
	}
	fmt.Printf("room %s is open, share %s\n", code, link)

	return interact(ctx, sess, ls, storeDone)
}

func join(opts docopt.Opts, logger *zap.SugaredLogger) error {
	input := opts["<code_or_link>"].(string)
	code, err := share.RoomCode(input)
	if err != nil {
		return err
	}

	ls, err := openLocal(opts, logger)
	if err != nil {
		return err
	}
	defer ls.Close()

	nickname, err := resolveNickname(opts, ls)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, storeDone, err := dialStore(ctx, opts, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	sess := collab.NewSession(st, identity.New(), logger, collab.Options{})
	defer sess.Close()

	board, err := sess.JoinRoom(ctx, code, nickname)
	if err != nil {
		return err
	}
	if err := ls.SetNickname(sess.Nickname()); err != nil {
		logger.Warnw("cache nickname failed", "error", err)
	}
	if err := ls.SaveBoard(board); err != nil {
		logger.Warnw("save board failed", "error", err)
	}

	fmt.Printf("joined room %s as %s\n", code, sess.Nickname())
	if link, ok := linkWithoutRoom(input); ok {
		fmt.Printf("opened from %s\n", link)
	}
	return interact(ctx, sess, ls, storeDone)
}

// resolveNickname prefers the flag, then the cached nickname, then asks.
func resolveNickname(opts docopt.Opts, ls *local.Store) (string, error) {
	if nickname := optString(opts, "--nickname", ""); nickname != "" {
		return nickname, collab.ValidateNickname(nickname)
	}
	if cached, err := ls.Nickname(); err == nil && cached != "" {
		return cached, nil
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("%w: pass --nickname", collab.ErrValidation)
	}
	fmt.Print("Enter nickname: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", err
	}
	nickname := strings.TrimSpace(line)
	return nickname, collab.ValidateNickname(nickname)
}

func interact(ctx context.Context, sess *collab.Session, ls *local.Store, storeDone <-chan struct{}) error {
	defer sess.OnRemoteUpdate(func(b types.Board) {
		if err := ls.SaveBoard(b); err != nil {
			fmt.Fprintf(os.Stderr, "save board: %v\n", err)
		}
		fmt.Printf("board updated by another participant (%d posts)\n", len(b.Posts))
	})()
	defer sess.OnPresence(func(n int) {
		fmt.Printf("%d here\n", n)
	})()
	defer sess.OnPushFailure(func(err error) {
		fmt.Fprintf(os.Stderr, "change not shared: %v\n", err)
	})()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Println(`type "help" for commands`)
	for {
		select {
		case <-ctx.Done():
			return leave(sess)
		case <-storeDone:
			return errors.New("lost connection to the relay")
		case line, ok := <-lines:
			if !ok {
				return leave(sess)
			}
			done, err := runLine(ctx, sess, ls, line)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
			}
			if done {
				return nil
			}
		}
	}
}

func leave(sess *collab.Session) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return sess.LeaveRoom(ctx)
}

func runLine(ctx context.Context, sess *collab.Session, ls *local.Store, line string) (bool, error) {
	if strings.TrimSpace(line) == "" {
		return false, nil
	}
	cmd, err := parseCommand(line)
	if err != nil {
		return false, err
	}

	board, ok := sess.Board()
	if !ok {
		return true, collab.ErrNotInRoom
	}

	switch cmd.name {
	case "help":
		fmt.Println(commandHelp)
		return false, nil
	case "show":
		printBoard(os.Stdout, board, sess.RoomCode(), sess.PresenceCount())
		return false, nil
	case "leave":
		return true, leave(sess)
	}

	changed, err := apply(&board, cmd, sess.Nickname())
	if err != nil || !changed {
		return false, err
	}
	if err := ls.SaveBoard(board); err != nil {
		return false, fmt.Errorf("save board: %w", err)
	}
	return false, sess.PushUpdate(ctx, board)
}
