package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Hara602/captureSentry/internal/device"
	"github.com/Hara602/captureSentry/internal/forensic"
	"github.com/Hara602/captureSentry/internal/model"
	"github.com/Hara602/captureSentry/internal/tagging"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var uid, content, action string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Build a forensic payload for this host and print its visible token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.cipher()
			if err != nil {
				return err
			}
			cfg := opts.cfg
			svc, err := forensic.NewService(forensic.Options{
				AppID:       cfg.Agent.AppID,
				TokenSecret: cfg.Forensic.TokenSecret,
				DeviceSalt:  cfg.Forensic.DeviceSalt,
				TokenLength: cfg.Forensic.TokenLength,
				Cipher:      c,
			})
			if err != nil {
				return err
			}
			svc.BindUser(cfg.Agent.UserID)

			p := svc.Build(device.NewCollector().Collect(), uid, content, model.EventKind(strings.ToUpper(action)))
			enc, err := svc.Encrypt(p)
			if err != nil {
				return err
			}
			raw, err := json.Marshal(p)
			if err != nil {
				return err
			}
			tok := svc.Token(p)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "token:     %s\n", tok)
			fmt.Fprintf(out, "watermark: %s\n", forensic.Watermark(cfg.Dispatch.WatermarkPrefix, tok))
			fmt.Fprintf(out, "payload:   %s\n", raw)
			fmt.Fprintf(out, "encrypted: %s\n", enc)
			return nil
		},
	}
	cmd.Flags().StringVar(&uid, "uid", "", "user id (default: configured user)")
	cmd.Flags().StringVar(&content, "content", "", "content id, e.g. a file name")
	cmd.Flags().StringVar(&action, "action", string(model.KindTagImage), "event kind")
	return cmd
}

func newDecodeCmd(opts *rootOptions) *cobra.Command {
	var enc, token string
	cmd := &cobra.Command{
		Use:   "decode [file]",
		Short: "Decrypt the forensic payload embedded in a tagged file (or given with --enc)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case len(args) == 1 && enc != "":
				return errors.New("pass either a file or --enc, not both")
			case len(args) == 1:
				var err error
				if enc, err = tagging.ExtractPayload(args[0]); err != nil {
					return fmt.Errorf("extract %s: %w", args[0], err)
				}
			case enc == "":
				return errors.New("a file or --enc is required")
			}

			c, err := opts.cipher()
			if err != nil {
				return err
			}
			plain, err := c.Decrypt(enc)
			if err != nil {
				return fmt.Errorf("%w: %v", forensic.ErrMalformed, err)
			}
			var p forensic.Payload
			if err := json.Unmarshal(plain, &p); err != nil {
				return fmt.Errorf("%w: %v", forensic.ErrMalformed, err)
			}

			cfg := opts.cfg
			expected := forensic.VisibleToken(p, cfg.Forensic.TokenSecret, cfg.Forensic.TokenLength)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "payload: %s\n", plain)
			fmt.Fprintf(out, "token:   %s\n", expected)
			if token != "" {
				match := strings.EqualFold(strings.TrimSpace(token), expected)
				fmt.Fprintf(out, "match:   %t\n", match)
				if !match {
					return forensic.ErrMismatch
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&enc, "enc", "", "encrypted payload string")
	cmd.Flags().StringVar(&token, "token", "", "visible token to check against the payload")
	return cmd
}
