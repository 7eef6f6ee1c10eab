package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/e2ee/internal/credentials"
	"github.com/arko-chat/e2ee/internal/e2ee"
	"github.com/arko-chat/e2ee/internal/store/badgerstore"
	"github.com/arko-chat/e2ee/internal/transport/mxclient"
	"github.com/arko-chat/e2ee/internal/transport/retry"
)

// openRemote builds a machine for a stored login, persisting its sessions
// under the configured store path.
func openRemote(ctx context.Context, userID id.UserID) (*e2ee.Machine, func(), error) {
	login, err := credentials.LoadLogin(userID)
	if errors.Is(err, credentials.ErrNotFound) {
		return nil, nil, fmt.Errorf("no stored login for %s, run login first", userID)
	} else if err != nil {
		return nil, nil, err
	}

	client, err := mxclient.Dial(login.Homeserver, login.UserID, login.DeviceID, login.AccessToken, log.With("component", "mxclient"))
	if err != nil {
		return nil, nil, err
	}

	dir := filepath.Join(cfg.StorePath, strings.NewReplacer("@", "", ":", "_").Replace(string(login.UserID)), string(login.DeviceID))
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, nil, err
	}
	st, err := badgerstore.Open(dir, log.With("component", "badger"))
	if err != nil {
		return nil, nil, err
	}

	m, err := e2ee.NewMachine(ctx, e2ee.Options{
		UserID:         login.UserID,
		DeviceID:       login.DeviceID,
		Driver:         drv,
		Store:          st,
		Transport:      retry.New(client, retry.Options{Logger: log.With("component", "retry")}),
		PickleKey:      cfg.PickleKeyBytes(),
		Logger:         log,
		Rotation:       rotationPolicy(),
		DecryptWorkers: cfg.DecryptWorkers,
	})
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	return m, func() { _ = st.Close() }, nil
}

func loginCmd() *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "login [homeserver] [user-id] [device-id]",
		Short: "Store an existing access token in the system keyring",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = os.Getenv("E2EE_ACCESS_TOKEN")
			}
			if token == "" {
				return errors.New("access token required: pass --token or set E2EE_ACCESS_TOKEN")
			}
			login := credentials.Login{
				Homeserver:  args[0],
				UserID:      id.UserID(args[1]),
				DeviceID:    id.DeviceID(args[2]),
				AccessToken: token,
			}
			if err := credentials.SaveLogin(login); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored login for %s (%s)\n", login.UserID, login.DeviceID)
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "access token of the device")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout [user-id]",
		Short: "Forget a stored login; crypto state on disk is kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := credentials.DeleteLogin(id.UserID(args[0]))
			if errors.Is(err, credentials.ErrNotFound) {
				return fmt.Errorf("no stored login for %s", args[0])
			}
			return err
		},
	}
}

func uploadCmd() *cobra.Command {
	var serverCount int
	cmd := &cobra.Command{
		Use:   "upload [user-id]",
		Short: "Publish device keys and top up one-time keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, closeFn, err := openRemote(cmd.Context(), id.UserID(args[0]))
			if err != nil {
				return err
			}
			defer closeFn()

			if err := m.ShareKeys(cmd.Context(), serverCount); err != nil {
				return err
			}
			ed, curve := m.IdentityKeys()
			fmt.Fprintf(cmd.OutOrStdout(), "ed25519:    %s\ncurve25519: %s\n", ed, curve)
			return nil
		},
	}
	cmd.Flags().IntVar(&serverCount, "server-count", -1, "unclaimed one-time keys on the server; -1 also uploads device keys")
	return cmd
}

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices [user-id] [target-user-id...]",
		Short: "Query the devices of other users and show their trust",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, closeFn, err := openRemote(ctx, id.UserID(args[0]))
			if err != nil {
				return err
			}
			defer closeFn()

			targets := make([]id.UserID, 0, len(args)-1)
			for _, arg := range args[1:] {
				targets = append(targets, id.UserID(arg))
			}
			found, err := m.Devices.GetDevices(ctx, targets...)
			if err != nil {
				return err
			}
			for _, userID := range targets {
				for deviceID, dev := range found[userID] {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s %s\n", userID, deviceID, dev.Ed25519(), m.Trust.DeviceTrust(ctx, dev))
				}
			}
			return nil
		},
	}
}
