package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kurameshinatsuki/supremus/internal/buildinfo"
	"github.com/kurameshinatsuki/supremus/internal/chatid"
	"github.com/kurameshinatsuki/supremus/internal/conversation"
	"github.com/kurameshinatsuki/supremus/internal/credentials"
	"github.com/kurameshinatsuki/supremus/internal/participants"
	"github.com/kurameshinatsuki/supremus/internal/store"
	"github.com/kurameshinatsuki/supremus/internal/training"
	"github.com/kurameshinatsuki/supremus/internal/turn"
)

// eventDrainTimeout is how long close waits for trailing events.
const eventDrainTimeout = 20 * time.Millisecond

// command is one entry in the static command table.
type command struct {
	name    string
	args    string
	summary string
	minArgs int
	run     func(ctx context.Context, e *env, args []string) error
}

// commands returns the command table in help order.
func commands() []command {
	return []command{
		{name: "init", args: "[dir]", summary: "Initialize a working directory with defaults (default: .)", run: cmdInit},
		{name: "status", summary: "Show the active backend, stored keys and credential state", run: cmdStatus},
		{name: "migrate", summary: "Copy the fallback snapshot into the relational backend", run: cmdMigrate},
		{name: "history", args: "<chat-id> [n]", summary: "Print the last n entries of a conversation", minArgs: 1, run: cmdHistory},
		{name: "reset", args: "<chat-id>", summary: "Clear a conversation's history (and a group's participants)", minArgs: 1, run: cmdReset},
		{name: "creds", args: "[clear]", summary: "Show or clear the stored credential record", run: cmdCreds},
		{name: "preview", args: "<chat-id> [sender-id] <text>", summary: "Print the prompt an inbound message would produce", minArgs: 2, run: cmdPreview},
		{name: "version", summary: "Show version information", run: cmdVersion},
	}
}

func lookup(name string) (command, bool) {
	for _, c := range commands() {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func cmdInit(_ context.Context, e *env, args []string) error {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	return runInit(e.stdout, dir)
}

func cmdVersion(_ context.Context, e *env, _ []string) error {
	info := buildinfo.Info()
	if e.outputFmt == "json" {
		return writeJSON(e.stdout, info)
	}
	fmt.Fprintln(e.stdout, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		fmt.Fprintf(e.stdout, "  %-12s %s\n", k+":", info[k])
	}
	return nil
}

type statusReport struct {
	Backend     string         `json:"backend"`
	Reason      string         `json:"reason"`
	Users       int            `json:"users"`
	Groups      int            `json:"groups"`
	Credentials string         `json:"credentials"`
	KeyRecords  map[string]int `json:"key_records"`
}

func cmdStatus(ctx context.Context, e *env, _ []string) error {
	s, err := e.open(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	users, groups, err := s.store.Keys(ctx)
	if err != nil {
		return err
	}
	creds := credentials.New(s.store.Backend(), s.logger, s.bus)
	state, err := creds.Load(ctx)
	if err != nil {
		return err
	}
	keys, err := creds.KeyCount(ctx)
	if err != nil {
		return err
	}

	sel := s.store.Selection()
	report := statusReport{
		Backend:     sel.Backend,
		Reason:      sel.Reason,
		Users:       len(users),
		Groups:      len(groups),
		Credentials: state.String(),
		KeyRecords:  keys,
	}
	if e.outputFmt == "json" {
		return writeJSON(e.stdout, report)
	}
	fmt.Fprintf(e.stdout, "backend:      %s\n", sel)
	fmt.Fprintf(e.stdout, "users:        %d\n", report.Users)
	fmt.Fprintf(e.stdout, "groups:       %d\n", report.Groups)
	fmt.Fprintf(e.stdout, "credentials:  %s\n", report.Credentials)
	types := make([]string, 0, len(keys))
	for typ := range keys {
		types = append(types, typ)
	}
	sort.Strings(types)
	for _, typ := range types {
		fmt.Fprintf(e.stdout, "  %-12s %d\n", typ+":", keys[typ])
	}
	return nil
}

func cmdMigrate(ctx context.Context, e *env, _ []string) error {
	s, err := e.open(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	report, err := s.store.Migrate(ctx)
	if errors.Is(err, store.ErrMigrateUnavailable) {
		return fmt.Errorf("%w (active backend: %s)", err, s.store.Selection())
	}
	if err != nil {
		return err
	}
	if e.outputFmt == "json" {
		return writeJSON(e.stdout, report)
	}
	fmt.Fprintf(e.stdout, "migrated %d users and %d groups from %s (%d failed)\n",
		report.Users, report.Groups, s.cfg.Storage.FallbackPath, report.Failed)
	return nil
}

func cmdHistory(ctx context.Context, e *env, args []string) error {
	id := args[0]
	s, err := e.open(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	group := chatid.IsGroup(id)
	limit := s.cfg.History.PrivateContext
	if group {
		limit = s.cfg.History.GroupContext
	}
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid entry count %q", args[1])
		}
		limit = n
	}

	opts := conversation.RenderOptions{AssistantName: s.cfg.Assistant.Name}
	if group {
		rec := s.store.Group(ctx, id)
		if e.outputFmt == "json" {
			rec.History = conversation.Tail(rec.History, limit)
			return writeJSON(e.stdout, rec)
		}
		fmt.Fprintf(e.stdout, "group %s: %d entries, %d participants\n", id, len(rec.History), len(rec.Participants))
		if dir := participants.ForGroup(rec).Render(); dir != "" {
			fmt.Fprint(e.stdout, "\n", dir)
		}
		if lines := conversation.RenderGroup(rec.History, limit, nil, opts); lines != "" {
			fmt.Fprint(e.stdout, "\n", lines)
		}
		return nil
	}

	rec := s.store.User(ctx, id)
	if e.outputFmt == "json" {
		rec.History = conversation.Tail(rec.History, limit)
		return writeJSON(e.stdout, rec)
	}
	opts.UserName = rec.DisplayName
	fmt.Fprintf(e.stdout, "user %s: %d entries\n", id, len(rec.History))
	if lines := conversation.RenderPrivate(rec.History, limit, nil, opts); lines != "" {
		fmt.Fprint(e.stdout, "\n", lines)
	}
	return nil
}

func cmdReset(ctx context.Context, e *env, args []string) error {
	id := args[0]
	s, err := e.open(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	if chatid.IsGroup(id) {
		err = s.store.ResetGroup(ctx, id)
	} else {
		err = s.store.ResetUser(ctx, id)
	}
	if err != nil {
		return fmt.Errorf("reset %s: %w", id, err)
	}
	fmt.Fprintf(e.stdout, "reset %s\n", id)
	return nil
}

func cmdCreds(ctx context.Context, e *env, args []string) error {
	s, err := e.open(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	creds := credentials.New(s.store.Backend(), s.logger, s.bus)
	if len(args) > 0 {
		if args[0] != "clear" {
			return fmt.Errorf("usage: supremus creds [clear]")
		}
		if err := creds.Clear(ctx); err != nil {
			return err
		}
		fmt.Fprintln(e.stdout, "credentials cleared")
		return nil
	}

	state, err := creds.Load(ctx)
	if err != nil {
		return err
	}
	rec := creds.Record()
	out := map[string]any{
		"state":      state.String(),
		"registered": rec.Registered,
	}
	if rec.Account != nil {
		out["account"] = rec.Account.ID
	}
	if missing := rec.Missing(); len(missing) > 0 && state != credentials.Empty {
		out["missing"] = missing
	}
	if e.outputFmt == "json" {
		return writeJSON(e.stdout, out)
	}
	fmt.Fprintf(e.stdout, "state:       %s\n", state)
	fmt.Fprintf(e.stdout, "registered:  %t\n", rec.Registered)
	if rec.Account != nil {
		fmt.Fprintf(e.stdout, "account:     %s\n", rec.Account.ID)
	}
	if m, ok := out["missing"].([]string); ok {
		fmt.Fprintf(e.stdout, "missing:     %s\n", strings.Join(m, ", "))
	}
	return nil
}

// cmdPreview prints the prompt a message would produce. In a group the
// sender is required; in a private chat it is the chat itself.
func cmdPreview(ctx context.Context, e *env, args []string) error {
	in := turn.Inbound{ChatID: args[0]}
	rest := args[1:]
	if chatid.IsGroup(in.ChatID) {
		if len(rest) < 2 {
			return fmt.Errorf("usage: supremus preview <group-id> <sender-id> <text>")
		}
		in.SenderID, rest = rest[0], rest[1:]
	}
	in.Text = strings.Join(rest, " ")

	s, err := e.open(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	if in.SenderID != "" {
		if p, ok := participants.ForGroup(s.store.Group(ctx, in.ChatID)).Lookup(in.SenderID); ok {
			in.SenderName = p.DisplayName
		}
	} else {
		in.SenderName = s.store.User(ctx, in.ChatID).DisplayName
	}

	var loader *training.Loader
	if s.cfg.Assistant.TrainingFile != "" {
		loader = training.NewLoader(s.cfg.Assistant.TrainingFile, s.logger)
	}
	h := turn.New(turn.Config{
		Store:          s.store,
		Training:       loader,
		Logger:         s.logger,
		Bus:            s.bus,
		AssistantName:  s.cfg.Assistant.Name,
		SelfID:         s.cfg.Assistant.SelfID,
		GroupTrigger:   s.cfg.Assistant.GroupTrigger,
		PrivateContext: s.cfg.History.PrivateContext,
		GroupContext:   s.cfg.History.GroupContext,
	})
	prompt, err := h.Preview(ctx, in)
	if err != nil {
		return err
	}
	fmt.Fprintln(e.stdout, prompt)
	return nil
}
