package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"devcall/internal/config"
	"devcall/internal/media"
	"devcall/internal/media/loopback"
	"devcall/internal/orchestrator"
	"devcall/internal/sigclient"

	"github.com/spf13/cobra"
)

var (
	callName      string
	answerDecline bool

	demoRequester string
	demoResponder string
	demoRate      float64
	demoHold      time.Duration
)

var callCmd = &cobra.Command{
	Use:   "call <responder>",
	Short: "Call a responder and stay in the call until Ctrl-C",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sig, err := signalingClient()
		if err != nil {
			return err
		}
		o, cleanup, err := newParty(ctx, sig, loopback.NewHub(), "", callName)
		if err != nil {
			return err
		}
		defer cleanup()

		rec, err := o.Start(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("calling %s (call %s)\n", args[0], rec.ID)
		return hold(ctx, o, 0)
	},
}

var answerCmd = &cobra.Command{
	Use:   "answer <call-id>",
	Short: "Accept (or --decline) an incoming call",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sig, err := signalingClient()
		if err != nil {
			return err
		}
		o, cleanup, err := newParty(ctx, sig, loopback.NewHub(), "", "")
		if err != nil {
			return err
		}
		defer cleanup()

		if err := o.Attach(ctx, args[0]); err != nil {
			return err
		}
		if answerDecline {
			if err := o.Decline(ctx); err != nil {
				return err
			}
			return report(o)
		}
		if err := o.Accept(ctx); err != nil {
			return err
		}
		return hold(ctx, o, 0)
	},
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a full call between two local parties through the API",
	Long: `demo logs in a requester and a responder, puts the responder online,
places a call, accepts it, holds it for --hold and hangs up. Both parties
share one loopback media hub, so each sees the other's tracks.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runDemo(ctx)
	},
}

func runDemo(ctx context.Context) error {
	login := func(user, role string) (*sigclient.Client, error) {
		tokens, err := sigclient.Login(ctx, settings.APIURL, user, role, nil)
		if err != nil {
			return nil, fmt.Errorf("login %s: %w", user, err)
		}
		return sigclient.New(settings.APIURL, tokens.AccessToken, clientOptions())
	}
	reqSig, err := login(demoRequester, "client")
	if err != nil {
		return err
	}
	resSig, err := login(demoResponder, "developer")
	if err != nil {
		return err
	}
	if _, err := resSig.SetPresence(ctx, true, demoRate); err != nil {
		return fmt.Errorf("presence: %w", err)
	}
	defer func() {
		offCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = resSig.SetPresence(offCtx, false, 0)
	}()

	hub := loopback.NewHub()
	requester, cleanupReq, err := newParty(ctx, reqSig, hub, demoRequester, demoRequester)
	if err != nil {
		return err
	}
	defer cleanupReq()
	responder, cleanupRes, err := newParty(ctx, resSig, hub, demoResponder, demoResponder)
	if err != nil {
		return err
	}
	defer cleanupRes()

	rec, err := requester.Start(ctx, demoResponder)
	if err != nil {
		return err
	}
	if err := responder.Attach(ctx, rec.ID); err != nil {
		return err
	}
	if err := responder.Accept(ctx); err != nil {
		return err
	}
	if err := hold(ctx, responder, demoHold); err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := requester.Wait(wctx); err != nil {
		return fmt.Errorf("requester still in call: %w", err)
	}
	return report(requester)
}

// newParty builds an orchestrator over its own media manager. An empty
// identity is looked up from the access token.
func newParty(ctx context.Context, sig *sigclient.Client, hub *loopback.Hub, identity, display string) (*orchestrator.Orchestrator, func(), error) {
	if identity == "" {
		uid, _, err := sig.Me(ctx)
		if err != nil {
			return nil, nil, err
		}
		identity = uid
	}
	if display == "" {
		display = identity
	}
	client := hub.NewClient()
	mgr := media.NewManager(client, media.Options{AppID: settings.AppID, Logger: log})

	plog := log.With("party", identity)
	sink := orchestrator.SinkFuncs{
		OnStateChanged: func(from, to orchestrator.State, reason string) {
			if reason != "" {
				fmt.Printf("[%s] %s -> %s (%s)\n", identity, from, to, reason)
				return
			}
			fmt.Printf("[%s] %s -> %s\n", identity, from, to)
		},
		OnRemoteParticipantJoined: func(id string) { fmt.Printf("[%s] %s joined\n", identity, id) },
		OnRemoteParticipantLeft:   func(id string) { fmt.Printf("[%s] %s left\n", identity, id) },
		OnRemoteTrackAttached: func(id string, kind media.Kind) {
			fmt.Printf("[%s] receiving %s from %s\n", identity, kind, id)
		},
		OnDegradedMedia: func(id string, kind media.Kind, err error) {
			plog.Warn("remote track unavailable", "remote", id, "kind", kind, "err", err)
		},
	}
	o := orchestrator.New(sig, mgr, orchestratorConfig(settings, identity, display, sig.RoomCredential), sink)
	cleanup := func() {
		if err := o.Close(); err != nil {
			plog.Warn("close", "err", err)
		}
		client.Close()
	}
	return o, cleanup, nil
}

func orchestratorConfig(s config.ClientConfig, identity, display string, creds orchestrator.CredentialFunc) orchestrator.Config {
	connect := orchestrator.DefaultRetryPolicy("connect", s.Call.RetryBaseInterval)
	connect.MaxAttempts = s.Call.RetryAttempts
	return orchestrator.Config{
		Identity:            identity,
		DisplayName:         display,
		Connect:             connect,
		SubscribeRetryDelay: s.Call.SubscribeRetryDelay,
		HangUpTimeout:       s.Call.HangUpTimeout,
		Constraints:         constraintsFrom(s.Media),
		Credentials:         creds,
		Logger:              log.With("party", identity),
	}
}

func constraintsFrom(m config.MediaConfig) media.Constraints {
	return media.Constraints{
		Audio:          true,
		Video:          true,
		MaxWidth:       m.MaxWidth,
		MaxHeight:      m.MaxHeight,
		MaxFrameRate:   m.MaxFrameRate,
		MaxBitrateKbps: m.MaxBitrateKbps,
		MinBitrateKbps: m.MinBitrateKbps,
	}
}

// hold waits for the call to end. With d > 0 it hangs up after d; on ctx
// cancellation it hangs up at once.
func hold(ctx context.Context, o *orchestrator.Orchestrator, d time.Duration) error {
	var timer <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-o.Done():
		return report(o)
	case <-ctx.Done():
	case <-timer:
	}
	hctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.HangUp(hctx); err != nil {
		log.Warn("hang up", "err", err)
	}
	if err := o.Wait(hctx); err != nil {
		return err
	}
	return report(o)
}

var errCallFailed = errors.New("call failed")

func report(o *orchestrator.Orchestrator) error {
	rec := o.Record()
	fmt.Printf("call %s %s: %s\n", rec.ID, o.State(), o.Reason())
	if o.State() == orchestrator.StateFailed {
		return fmt.Errorf("%w: %s", errCallFailed, o.Reason())
	}
	return nil
}

func init() {
	callCmd.Flags().StringVar(&callName, "name", "", "display name sent to the responder (default: your identity)")
	answerCmd.Flags().BoolVar(&answerDecline, "decline", false, "decline instead of accepting")

	demoCmd.Flags().StringVar(&demoRequester, "requester", "demo-client", "requester identity")
	demoCmd.Flags().StringVar(&demoResponder, "responder", "demo-developer", "responder identity")
	demoCmd.Flags().Float64Var(&demoRate, "rate", 60, "responder hourly rate")
	demoCmd.Flags().DurationVar(&demoHold, "hold", 5*time.Second, "how long to stay in the call")
}
