package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/victornm/quizlive/internal/app"
	"github.com/victornm/quizlive/internal/config"
)

func main() {
	var (
		lobbyID  = flag.String("lobby", "", "join and follow this lobby")
		moduleID = flag.String("create", "", "create a lobby for this module and host it")
	)
	flag.Parse()

	c, err := loadConfig()
	if err != nil {
		log.Fatalf("Load config failed: %v", err)
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGTERM, os.Interrupt)

	a, err := app.Init(c)
	if err != nil {
		log.Fatalf("Init app failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := a.Start(ctx); err != nil {
			slog.ErrorContext(ctx, "app: stopped with error", "error", err)
		}
	}()

	switch {
	case *moduleID != "":
		l, err := a.CreateLobby(ctx, *moduleID)
		if err != nil {
			log.Fatalf("Create lobby failed: %v", err)
		}
		fmt.Printf("hosting lobby %s\n", l.ID)
	case *lobbyID != "":
		if _, err := a.EnterLobby(ctx, *lobbyID); err != nil {
			log.Fatalf("Enter lobby failed: %v", err)
		}
	}

	go readCommands(ctx, a)

	<-shutdown
	a.Depart(ctx)
	cancel()
	a.Shutdown()
}

func readCommands(ctx context.Context, a *app.App) {
	s := bufio.NewScanner(os.Stdin)
	for s.Scan() {
		args := strings.Fields(s.Text())
		if len(args) == 0 {
			continue
		}

		if err := run(ctx, a, args); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", args[0], err)
		}
	}
}

func run(ctx context.Context, a *app.App, args []string) error {
	switch args[0] {
	case "lobbies":
		lobbies, err := a.WaitingLobbies(ctx)
		if err != nil {
			return err
		}
		for _, l := range lobbies {
			fmt.Printf("%s\thost=%s\tparticipants=%d\n", l.ID, l.Host, len(l.Participants))
		}
	case "join":
		if len(args) < 2 {
			return fmt.Errorf("usage: join <lobby>")
		}
		_, err := a.EnterLobby(ctx, args[1])
		return err
	case "start":
		_, err := a.StartQuiz(ctx)
		return err
	case "answer":
		if len(args) < 2 {
			return fmt.Errorf("usage: answer <option>")
		}
		return a.Answer(ctx, args[1])
	case "leave":
		return a.LeaveLobby(ctx)
	default:
		return fmt.Errorf("unknown command, want one of: lobbies, join, start, answer, leave")
	}
	return nil
}

func loadConfig() (app.Config, error) {
	c := app.DefaultConfig()

	p := os.Getenv("CONFIG_PATH")
	if p == "" {
		return c, fmt.Errorf("CONFIG_PATH not set")
	}

	if err := config.Load(p, "QUIZLIVE", &c); err != nil {
		return c, fmt.Errorf("load config: %w", err)
	}

	return c, nil
}
