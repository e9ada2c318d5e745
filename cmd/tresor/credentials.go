package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/TheMichaelB/tresor/internal/crypto"
	"github.com/TheMichaelB/tresor/internal/services/actors"
	"github.com/TheMichaelB/tresor/internal/services/auth"
	"github.com/TheMichaelB/tresor/internal/session"
	"github.com/TheMichaelB/tresor/internal/storage"
)

const sessionFile = "session"

// credentialEnv lets scripts supply a credential: TRESOR_CREDENTIAL_<plugin id>.
const credentialEnv = "TRESOR_CREDENTIAL_"

func promptPassword(prompt string) (*crypto.Hidden, error) {
	fmt.Fprint(os.Stderr, prompt)

	// Read password without echo
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	return crypto.NewHidden(password), nil
}

func promptLine(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// promptNew asks for a new credential twice.
func promptNew(p *auth.Plugin) (*crypto.Hidden, error) {
	if p.Kind() != auth.KindPassword {
		return readCredential(p, "new ")
	}
	first, err := promptPassword(fmt.Sprintf("New %s: ", p.Descriptor().Title))
	if err != nil {
		return nil, err
	}
	again, err := promptPassword("Repeat: ")
	if err != nil {
		first.Destroy()
		return nil, err
	}
	defer again.Destroy()
	if !first.Equal(again) {
		first.Destroy()
		return nil, errors.New("entries do not match")
	}
	return first, nil
}

// readCredential gets the information for one plugin: a key file path
// for keyfile plugins, otherwise a hidden prompt.
func readCredential(p *auth.Plugin, qualifier string) (*crypto.Hidden, error) {
	if v, ok := os.LookupEnv(credentialEnv + strconv.FormatInt(p.ID(), 10)); ok && qualifier == "" {
		return crypto.HiddenString(v), nil
	}

	title := p.Descriptor().Title
	switch p.Kind() {
	case auth.KindKeyfile:
		path, err := promptLine(fmt.Sprintf("Path to %skey file for %s: ", qualifier, title))
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		return crypto.NewHidden(data), nil
	case auth.KindTOTP:
		return promptPassword(fmt.Sprintf("%s %scode or seed: ", title, qualifier))
	default:
		return promptPassword(fmt.Sprintf("%s %s(%s): ", title, qualifier, p.Kind()))
	}
}

// sessionID returns the persisted session id. Only a shared session
// backend outlives the process, so the memory backend gets a fresh one.
func sessionID() (string, error) {
	if cfg.Session.Backend != "redis" {
		return "", nil
	}
	files, err := storage.NewLocalStore(cfg.Storage.DataDir, logger)
	if err != nil {
		return "", err
	}
	data, err := files.Read(sessionFile)
	switch {
	case err == nil:
		return strings.TrimSpace(string(data)), nil
	case !errors.Is(err, storage.ErrNotExist):
		return "", fmt.Errorf("read session id: %w", err)
	}

	id := session.NewID()
	if err := files.CreateExclusive(sessionFile, []byte(id), 0600); err != nil {
		if errors.Is(err, storage.ErrExists) {
			return sessionID()
		}
		return "", fmt.Errorf("write session id: %w", err)
	}
	return id, nil
}

// newActor opens the acting user's actor.
func newActor(id int64) (*auth.Actor, error) {
	sid, err := sessionID()
	if err != nil {
		return nil, err
	}
	return tresor.NewActor(id, sid), nil
}

// login authenticates every plugin of a security class. Key pairs only
// live in the process, so every plugin is prompted for.
func login(ctx context.Context, actor *auth.Actor, classID int64) error {
	sc, err := tresor.Auth.SecurityClass(ctx, classID)
	if err != nil {
		return err
	}
	for _, p := range sc.Plugins() {
		if err := authenticate(ctx, actor, p); err != nil {
			return err
		}
	}
	return nil
}

// authenticate prompts for p unless its key pair is already unlocked in
// the actor's keyring.
func authenticate(ctx context.Context, actor *auth.Actor, p *auth.Plugin) error {
	if row, err := p.KeyPair(ctx, actor.UserID); err == nil {
		if _, ok := actor.Keyring.Get(row.PublicKey); ok {
			return nil
		}
	}
	info, err := readCredential(p, "")
	if err != nil {
		return err
	}
	defer info.Destroy()
	return p.Authenticate(ctx, actor, info)
}

// loginAll authenticates every plugin the user is registered with,
// except skip.
func loginAll(ctx context.Context, actor *auth.Actor, skip ...int64) error {
	plugins, err := tresor.Auth.Plugins(ctx)
	if err != nil {
		return err
	}
	for _, p := range plugins {
		if slices.Contains(skip, p.ID()) {
			continue
		}
		ok, err := p.IsRegistered(ctx, actor.UserID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := authenticate(ctx, actor, p); err != nil {
			return err
		}
	}
	return nil
}

// cosigners authenticates further group members for a threshold unlock.
func cosigners(ctx context.Context, ids []int64, classID int64) ([]*actors.CryptoUser, func(), error) {
	var out []*actors.CryptoUser
	closeAll := func() {
		for _, u := range out {
			u.Actor().Close()
		}
	}
	for _, id := range ids {
		printInfo("Cosigner %d:", id)
		a := tresor.NewActor(id, "")
		out = append(out, tresor.Actors.User(a))
		if err := login(ctx, a, classID); err != nil {
			closeAll()
			return nil, nil, err
		}
	}
	return out, closeAll, nil
}

func pluginByID(ctx context.Context, id int64) (*auth.Plugin, error) {
	if id <= 0 {
		return nil, errors.New("--plugin is required")
	}
	return tresor.Auth.Plugin(ctx, id)
}
