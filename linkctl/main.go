package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/phonelink/link/link"
)

const DefaultStoreUrl = "wss://store.phonelink.dev"

const LocalVersion = "0.0.0-local"

func main() {
	usage := fmt.Sprintf(
		`Phonelink control.

The default urls are:
    store_url: %s

Usage:
    linkctl pair --device_name=<device_name> --platform=<platform>
        [--store_url=<store_url>] [--jwt=<jwt>]
    linkctl redeem <token> --device_name=<device_name> --platform=<platform>
        [--store_url=<store_url>] [--jwt=<jwt>]
    linkctl devices [--store_url=<store_url>] [--jwt=<jwt>]
    linkctl watch [--store_url=<store_url>] [--jwt=<jwt>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --store_url=<store_url>
    --jwt=<jwt>                Account credential. Omit for an anonymous identity.
    --device_name=<device_name>
    --platform=<platform>`,
		DefaultStoreUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], LocalVersion)
	if err != nil {
		panic(err)
	}

	if pair_, _ := opts.Bool("pair"); pair_ {
		pair(opts)
	} else if redeem_, _ := opts.Bool("redeem"); redeem_ {
		redeem(opts)
	} else if devices_, _ := opts.Bool("devices"); devices_ {
		devices(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	}
}

type staticAuth struct {
	jwt string
}

func (self *staticAuth) AccountJwt(ctx context.Context) (string, error) {
	return self.jwt, nil
}

func newStore(ctx context.Context, opts docopt.Opts) link.RemoteStore {
	var storeUrl string
	if storeUrlAny := opts["--store_url"]; storeUrlAny != nil {
		storeUrl = storeUrlAny.(string)
	} else {
		storeUrl = DefaultStoreUrl
	}

	var jwt string
	if jwtAny := opts["--jwt"]; jwtAny != nil {
		jwt = jwtAny.(string)
	}

	return link.NewWsStoreWithDefaults(ctx, storeUrl, &link.StoreAuth{
		Jwt:        jwt,
		AppVersion: LocalVersion,
	})
}

func newIdentity(ctx context.Context, opts docopt.Opts, store link.RemoteStore) *link.IdentityManager {
	var jwt string
	if jwtAny := opts["--jwt"]; jwtAny != nil {
		jwt = jwtAny.(string)
	}
	deviceName, _ := opts.String("--device_name")
	if deviceName == "" {
		deviceName = "linkctl"
	}
	platform, _ := opts.String("--platform")
	if platform == "" {
		platform = "linux"
	}

	return link.NewIdentityManagerWithDefaults(
		ctx,
		store,
		&staticAuth{jwt: jwt},
		deviceName,
		link.DeviceKindDesktop,
		platform,
	)
}

func pair(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newStore(cancelCtx, opts)
	identity := newIdentity(cancelCtx, opts, store)
	defer identity.Close()

	deviceName, _ := opts.String("--device_name")
	platform, _ := opts.String("--platform")

	token, err := identity.CreatePairingToken(cancelCtx, deviceName, platform)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pairing failed: %s\n", err)
		os.Exit(1)
	}

	fmt.Printf("pairing code: %s\n", token.Token)
	fmt.Printf("expires: %s\n", time.UnixMilli(token.ExpiresAt).Format(time.RFC3339))
}

func redeem(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newStore(cancelCtx, opts)
	identity := newIdentity(cancelCtx, opts, store)
	defer identity.Close()

	token, _ := opts.String("<token>")
	deviceName, _ := opts.String("--device_name")
	platform, _ := opts.String("--platform")

	device, err := identity.RedeemPairingToken(cancelCtx, token, deviceName, platform)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redeem failed: %s\n", err)
		os.Exit(1)
	}

	fmt.Printf("paired device %s (%s/%s)\n", device.DeviceId, device.DisplayName, device.Platform)
}

func devices(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newStore(cancelCtx, opts)
	identity := newIdentity(cancelCtx, opts, store)
	defer identity.Close()

	accountId, err := identity.EnsureIdentity(cancelCtx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "identity failed: %s\n", err)
		os.Exit(1)
	}

	children, err := store.Children(cancelCtx, link.AccountPath(accountId, "devices"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "list failed: %s\n", err)
		os.Exit(1)
	}

	for _, value := range children {
		var device link.DeviceInfo
		if err := json.Unmarshal(value, &device); err != nil {
			continue
		}
		online := "offline"
		if device.IsOnline {
			online = "online"
		}
		fmt.Printf("%s  %-20s %-8s %-8s %s\n",
			device.DeviceId, device.DisplayName, device.Kind, device.Platform, online)
	}
}

func watch(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	event := link.NewEventWithContext(cancelCtx)
	event.SetOnSignals(syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	ctx := event.Ctx()

	store := newStore(ctx, opts)
	identity := newIdentity(ctx, opts, store)
	defer identity.Close()

	accountId, err := identity.EnsureIdentity(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "identity failed: %s\n", err)
		os.Exit(1)
	}

	feed := link.NewChangeFeedProcessorWithDefaults(ctx, store, nil)
	defer feed.Close()

	feed.AddAdvisoryCallback(func(message string) {
		fmt.Printf("! %s\n", message)
	})

	_, err = feed.Subscribe(
		link.AccountPath(accountId, "messages"),
		link.ScopeFromNow(),
		func(e link.StoreEvent) {
			fmt.Printf("%s %s/%s %s\n", e.Type, e.Path, e.Key, string(e.Value))
		},
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "subscribe failed: %s\n", err)
		os.Exit(1)
	}

	fmt.Printf("watching messages for account %s\n", accountId)
	event.WaitForExit()
}
