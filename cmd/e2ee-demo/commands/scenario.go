package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/e2ee/internal/e2ee"
	"github.com/arko-chat/e2ee/internal/keys"
	"github.com/arko-chat/e2ee/internal/store"
	"github.com/arko-chat/e2ee/internal/store/badgerstore"
	"github.com/arko-chat/e2ee/internal/store/memstore"
	"github.com/arko-chat/e2ee/internal/transport/loopback"
)

const (
	alice = id.UserID("@alice:example.org")
	bob   = id.UserID("@bob:example.org")
	carol = id.UserID("@carol:example.org")

	demoRoom = id.RoomID("!demo:example.org")
)

type message struct {
	Body string `json:"body"`
}

type peer struct {
	name    string
	machine *e2ee.Machine
	store   store.Store
}

type world struct {
	srv     *loopback.Server
	out     io.Writer
	storeTy string
	dir     string
	peers   []*peer
}

func scenarioCmd() *cobra.Command {
	var storeType string
	cmd := &cobra.Command{
		Use:       "scenario [a|b]",
		Short:     "Run a scripted exchange over an in-process homeserver",
		Long:      "a: first contact between two devices over Olm.\nb: a room where a member leaves and the Megolm session rotates.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"a", "b"},
		RunE: func(cmd *cobra.Command, args []string) error {
			w := &world{srv: loopback.NewServer(), out: cmd.OutOrStdout(), storeTy: storeType}
			defer w.close()

			switch args[0] {
			case "a":
				return w.firstContact(cmd.Context())
			case "b":
				return w.rotation(cmd.Context())
			}
			return fmt.Errorf("unknown scenario %q", args[0])
		},
	}
	cmd.Flags().StringVar(&storeType, "store", "memory", "session store: memory or badger")
	return cmd
}

func (w *world) openStore(name string) (store.Store, error) {
	switch w.storeTy {
	case "memory":
		return memstore.New(), nil
	case "badger":
		if w.dir == "" {
			dir, err := os.MkdirTemp("", "e2ee-demo-")
			if err != nil {
				return nil, err
			}
			w.dir = dir
		}
		return badgerstore.Open(filepath.Join(w.dir, name), log.With("component", "badger", "peer", name))
	}
	return nil, fmt.Errorf("unknown store %q", w.storeTy)
}

func (w *world) join(ctx context.Context, name string, userID id.UserID, deviceID id.DeviceID) (*peer, error) {
	st, err := w.openStore(name)
	if err != nil {
		return nil, err
	}
	m, err := e2ee.NewMachine(ctx, e2ee.Options{
		UserID:         userID,
		DeviceID:       deviceID,
		Driver:         drv,
		Store:          st,
		Transport:      w.srv.Client(userID, deviceID),
		PickleKey:      cfg.PickleKeyBytes(),
		Logger:         log.With("peer", name),
		Rotation:       rotationPolicy(),
		DecryptWorkers: cfg.DecryptWorkers,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	if err := m.ShareKeys(ctx, -1); err != nil {
		_ = st.Close()
		return nil, err
	}
	p := &peer{name: name, machine: m, store: st}
	m.Subscribe(func(ctx context.Context, evt *e2ee.Decrypted) error {
		var msg message
		_ = json.Unmarshal(evt.Content, &msg)
		if msg.Body == "" {
			fmt.Fprintf(w.out, "%-6s got %s %s from %s (trust %s)\n", name, evt.Source, evt.Type, evt.Sender, evt.Trust)
			return nil
		}
		fmt.Fprintf(w.out, "%-6s got %s %q from %s (trust %s)\n", name, evt.Source, msg.Body, evt.Sender, evt.Trust)
		return nil
	})
	w.peers = append(w.peers, p)
	return p, nil
}

// deliver pushes everything queued for p through its dispatcher.
func (w *world) deliver(ctx context.Context, p *peer, userID id.UserID, deviceID id.DeviceID) error {
	outs, err := p.machine.HandleOlmEvents(ctx, w.srv.Drain(userID, deviceID))
	if err != nil {
		return err
	}
	return outcomeErr(outs)
}

func outcomeErr(outs []e2ee.Outcome) error {
	var errs []error
	for _, out := range outs {
		errs = append(errs, out.Err)
	}
	return errors.Join(errs...)
}

func (w *world) close() {
	for _, p := range w.peers {
		_ = p.store.Close()
	}
	if w.dir != "" {
		_ = os.RemoveAll(w.dir)
	}
}

func (w *world) firstContact(ctx context.Context) error {
	a, err := w.join(ctx, "alice", alice, "ALICE1")
	if err != nil {
		return err
	}
	b, err := w.join(ctx, "bob", bob, "BOB1")
	if err != nil {
		return err
	}

	res, err := a.machine.SendToDevice(ctx, "m.demo", message{"hello bob"}, []keys.UserDevice{{UserID: bob, DeviceID: "BOB1"}})
	if err != nil {
		return err
	}
	if len(res.Failed) > 0 {
		return fmt.Errorf("send failed: %v", res.Failed)
	}
	calls, claimed := w.srv.ClaimCalls()
	fmt.Fprintf(w.out, "alice  claimed %d one-time key(s) in %d request(s)\n", claimed, calls)
	if err := w.deliver(ctx, b, bob, "BOB1"); err != nil {
		return err
	}

	if _, err := b.machine.SendToDevice(ctx, "m.demo", message{"hi alice"}, []keys.UserDevice{{UserID: alice, DeviceID: "ALICE1"}}); err != nil {
		return err
	}
	if err := w.deliver(ctx, a, alice, "ALICE1"); err != nil {
		return err
	}

	left := w.srv.OneTimeKeyCount(bob, "BOB1")
	fmt.Fprintf(w.out, "bob    has %d one-time keys left on the server\n", left)
	return b.machine.HandleOneTimeKeyCounts(ctx, map[id.KeyAlgorithm]int{id.KeyAlgorithmSignedCurve25519: left})
}

func (w *world) rotation(ctx context.Context) error {
	a, err := w.join(ctx, "alice", alice, "ALICE1")
	if err != nil {
		return err
	}
	b, err := w.join(ctx, "bob", bob, "BOB1")
	if err != nil {
		return err
	}
	c, err := w.join(ctx, "carol", carol, "CAROL1")
	if err != nil {
		return err
	}
	w.srv.SetMembers(demoRoom, alice, bob, carol)

	send := func(body string, eventID id.EventID, readers ...*peer) (id.SessionID, error) {
		content, err := a.machine.EncryptRoomEvent(ctx, demoRoom, "m.room.message", message{body})
		if err != nil {
			return "", err
		}
		for _, p := range []*peer{b, c} {
			if err := w.deliver(ctx, p, p.machine.UserID(), p.machine.DeviceID()); err != nil {
				return "", err
			}
		}
		evt := e2ee.RoomEvent{EventID: eventID, RoomID: demoRoom, Sender: alice, Timestamp: time.Now(), Content: *content}
		for _, p := range readers {
			outs, err := p.machine.HandleMegolmEvents(ctx, []e2ee.RoomEvent{evt})
			if err != nil {
				return "", err
			}
			if err := outcomeErr(outs); err != nil {
				fmt.Fprintf(w.out, "%-6s cannot read %s: %v\n", p.name, eventID, err)
			}
		}
		return content.SessionID, nil
	}

	first, err := send("welcome both", "$1", b, c)
	if err != nil {
		return err
	}
	fmt.Fprintf(w.out, "alice  room session %s\n", first)

	w.srv.SetMembers(demoRoom, alice, bob)
	fmt.Fprintln(w.out, "carol  left the room")

	second, err := send("just us now", "$2", b, c)
	if err != nil {
		return err
	}
	fmt.Fprintf(w.out, "alice  room session %s (rotated: %t)\n", second, first != second)
	return nil
}
